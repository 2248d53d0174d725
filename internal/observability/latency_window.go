package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// stageTargets are the p95 objectives reported next to each stage.
var stageTargets = map[string]time.Duration{
	StageFirstDelta: 1200 * time.Millisecond,
	StageGeneration: 4 * time.Second,
	StageStoreSave:  50 * time.Millisecond,
	StageTurnTotal:  4500 * time.Millisecond,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	// OverTarget is set when a target exists and p95 exceeds it.
	OverTarget  bool    `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []time.Duration
	next int
	full bool
	last time.Duration
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.last = d
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) sorted() []time.Duration {
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := append([]time.Duration(nil), r.buf[:n]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// latencyWindow is a bounded, per-stage sample window plus event counters
// served by /v1/perf/latency.
type latencyWindow struct {
	mu         sync.Mutex
	size       int
	stages     map[string]*ring
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{
		size:       size,
		stages:     make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) Observe(stage string, d time.Duration) {
	if stage == "" || d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.stages[stage]
	if !ok {
		r = &ring{buf: make([]time.Duration, w.size)}
		w.stages[stage] = r
	}
	r.add(d)
}

func (w *latencyWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
}

func (w *latencyWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		samples := w.stages[stage].sorted()
		if len(samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, samples, w.stages[stage].last))
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
		}
	}
	return snap
}

func summarize(stage string, sorted []time.Duration, last time.Duration) TurnStageStats {
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	st := TurnStageStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  millis(last),
		AvgMS:   millis(sum / time.Duration(len(sorted))),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
		P99MS:   millis(nearestRank(sorted, 0.99)),
	}
	if target, ok := stageTargets[stage]; ok {
		st.TargetP95MS = millis(target)
		st.OverTarget = nearestRank(sorted, 0.95) > target
	}
	return st
}

// nearestRank returns the smallest sample with at least q of the samples at
// or below it.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
