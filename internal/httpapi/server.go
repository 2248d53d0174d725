package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/ent0n29/chatrelay/internal/config"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/policy"
	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/store"
)

const (
	readIdleTimeout = 120 * time.Second
	writeTimeout    = 10 * time.Second
	maxFrameBytes   = 1 << 20
	queueSize       = 64
)

// ConnectionRunner drives one websocket connection's protocol loop.
type ConnectionRunner interface {
	RunConnection(ctx context.Context, inbound <-chan []byte, outbound chan<- protocol.Outbound) error
}

// SessionInspector exposes stored session records for debugging.
type SessionInspector interface {
	Inspect(ctx context.Context, sessionID string) (json.RawMessage, time.Duration, error)
}

// StoreStatus reports the session store connection state.
type StoreStatus interface {
	State() store.State
}

type Server struct {
	cfg      config.Config
	runner   ConnectionRunner
	sessions SessionInspector
	store    StoreStatus
	metrics  *observability.Metrics
	logger   *slog.Logger
	encoder  *protocol.Encoder
	upgrader websocket.Upgrader
}

func New(cfg config.Config, runner ConnectionRunner, sessions SessionInspector, st StoreStatus, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		sessions: sessions,
		store:    st,
		metrics:  metrics,
		logger:   logger,
		encoder:  protocol.NewEncoder(nil),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the serving origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/relay/ws", s.handleRelayWS)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/debug/sessions/{id}", s.handleInspectSession)

	return r
}

func (s *Server) storeState() store.State {
	if s.store == nil {
		return store.StateDisconnected
	}
	return s.store.State()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"store_backend": s.cfg.StoreBackend,
		"store_state":   s.storeState(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	state := s.storeState()
	if state != store.StateConnected {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":      "not_ready",
			"store_state": state,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"store_state": state,
	})
}

func (s *Server) handleInspectSession(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(s.cfg.DebugToken) == "" || s.sessions == nil {
		http.NotFound(w, r)
		return
	}
	if !policy.TokenMatches(s.cfg.DebugToken, policy.PresentedToken(r, "X-Debug-Token", false)) {
		respondError(w, http.StatusForbidden, string(protocol.CodeForbidden), "debug token required")
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	raw, ttl, err := s.sessions.Inspect(r.Context(), sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found or expired")
		return
	case err != nil:
		s.logger.Warn("inspect session failed", "session_id", sessionID, "error", err)
		respondError(w, http.StatusServiceUnavailable, string(protocol.CodeUpstreamError), "session store unavailable")
		return
	}

	ttlMS := int64(-1)
	if ttl != store.NoExpiry {
		ttlMS = ttl.Milliseconds()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":       sessionID,
		"session":          raw,
		"ttl_remaining_ms": ttlMS,
	})
}

func (s *Server) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "relay not configured")
		return
	}
	if s.cfg.ClientToken != "" && !policy.TokenMatches(s.cfg.ClientToken, policy.PresentedToken(r, "", true)) {
		respondError(w, http.StatusForbidden, string(protocol.CodeForbidden), "client token required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With("conn_id", uuid.NewString())
	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	log.Debug("relay connection opened", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan []byte, queueSize)
	outbound := make(chan protocol.Outbound, queueSize)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := s.runner.RunConnection(ctx, inbound, outbound); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("relay connection ended", "error", err)
		}
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound, log)
	}()

	limiter := rate.NewLimiter(rate.Limit(s.messagesPerSecond()), s.burst())
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		// Excess frames wait for a token rather than being dropped.
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- data:
		}
	}

	// The peer is gone: abandon any in-flight turn.
	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	log.Debug("relay connection closed")
}

// writeLoop owns every write to conn; gorilla/websocket allows a single writer.
func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan protocol.Outbound, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			msgType := string(protocol.TypeOf(msg))
			data, err := s.encoder.Encode(msg)
			if err != nil {
				s.metrics.ObserveOutboundMessage(msgType, "encode_error")
				log.Error("encode outbound message failed", "type", msgType, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.metrics.ObserveOutboundMessage(msgType, "write_error")
				log.Debug("write outbound message failed", "type", msgType, "error", err)
				cancel()
				// Closing releases a reader still blocked in ReadMessage.
				_ = conn.Close()
				return
			}
			s.metrics.ObserveOutboundMessage(msgType, "delivered")
		}
	}
}

func (s *Server) messagesPerSecond() float64 {
	if s.cfg.WSMessagesPerSecond <= 0 {
		return 20
	}
	return s.cfg.WSMessagesPerSecond
}

func (s *Server) burst() int {
	if s.cfg.WSBurst <= 0 {
		return 40
	}
	return s.cfg.WSBurst
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("reset") == "1" {
		if s.cfg.DebugToken == "" || !policy.TokenMatches(s.cfg.DebugToken, policy.PresentedToken(r, "X-Debug-Token", false)) {
			respondError(w, http.StatusForbidden, string(protocol.CodeForbidden), "debug token required to reset")
			return
		}
		snap := s.metrics.SnapshotTurnStages()
		s.metrics.ResetTurnStages()
		respondJSON(w, http.StatusOK, snap)
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
