package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages recorded in the rolling latency window.
const (
	StageFirstDelta = "turn_to_first_delta"
	StageGeneration = "generation"
	StageStoreSave  = "store_save"
	StageTurnTotal  = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TurnLatency       *prometheus.HistogramVec
	StoreState        *prometheus.GaugeVec

	stages *latencyWindow
}

// NewMetrics registers instruments on the default registry, so each namespace
// may only be used once per process.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open relay websocket connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction, type and result.",
		}, []string{"direction", "type", "result"}),
		ProtocolErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "protocol.error messages sent by code.",
		}, []string{"code"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Collaborator errors by provider and stage.",
		}, []string{"provider", "stage"}),
		TurnLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}, []string{"stage"}),
		StoreState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_state",
			Help:      "Session store connection state (1 for the current state).",
		}, []string{"state"}),
		stages: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveInboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType, result).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType, result string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", msgType, result).Inc()
}

func (m *Metrics) ObserveProtocolError(code string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveProviderError(provider, stage string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, stage).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
	m.SessionEvents.WithLabelValues("ws_connected").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	m.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// ObserveTurnStage records d in both the histogram and the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnLatency.WithLabelValues(stage).Observe(float64(d.Microseconds()) / 1000)
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

// SetStoreState marks state as current and clears the others.
func (m *Metrics) SetStoreState(state string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.StoreState.WithLabelValues(s).Set(0)
	}
	m.StoreState.WithLabelValues(state).Set(1)
}

// SnapshotTurnStages returns an empty snapshot on nil Metrics.
func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC(), Stages: []TurnStageStats{}}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
