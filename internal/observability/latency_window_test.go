package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe(StageGeneration, 500*time.Millisecond)
	w.Observe(StageGeneration, 700*time.Millisecond)
	w.Observe(StageGeneration, 900*time.Millisecond)
	w.ObserveIndicator("empty_generation")
	w.ObserveIndicator("empty_generation")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageGeneration {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageGeneration)
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 4000 {
		t.Fatalf("TargetP95MS = %.2f, want 4000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0].Count = %d, want %d", snap.Indicators[0].Count, 2)
	}
}

func TestLatencyWindowWraps(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe(StageStoreSave, 1*time.Millisecond)
	w.Observe(StageStoreSave, 2*time.Millisecond)
	w.Observe(StageStoreSave, 30*time.Millisecond)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 16 {
		t.Fatalf("AvgMS = %.2f, want 16", s.AvgMS)
	}
}

func TestMetricsObserveTurnStage(t *testing.T) {
	m := NewMetrics("test_observe_turn_stage")
	m.ObserveTurnStage(StageTurnTotal, 1500*time.Millisecond)

	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	m.ResetTurnStages()
	if len(m.SnapshotTurnStages().Stages) != 0 {
		t.Fatalf("expected empty snapshot after reset")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTurnStage(StageTurnTotal, time.Second)
	m.ObserveOutboundMessage("heartbeat.ack", "delivered")
	m.ObserveProtocolError("INVALID_MESSAGE")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ResetTurnStages()
	if snap := m.SnapshotTurnStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil Metrics snapshot should be empty, got %+v", snap)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("debug", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logger.Debug("hello", "session_id", "s1")
	if !strings.Contains(buf.String(), `"session_id":"s1"`) {
		t.Fatalf("unexpected log output %q", buf.String())
	}

	if _, err := NewLogger("loud", "text", &buf); err == nil {
		t.Fatalf("NewLogger() expected error for bad level")
	}
	if _, err := NewLogger("info", "xml", &buf); err == nil {
		t.Fatalf("NewLogger() expected error for bad format")
	}
}

func TestLatencyWindowFlagsOverTarget(t *testing.T) {
	w := newLatencyWindow(4)
	w.Observe(StageStoreSave, 10*time.Millisecond)
	w.Observe(StageStoreSave, 80*time.Millisecond)
	w.Observe("custom", time.Hour)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "custom" {
		t.Fatalf("stages should be sorted by name, got %+v", snap.Stages)
	}
	if snap.Stages[0].OverTarget || snap.Stages[0].TargetP95MS != 0 {
		t.Fatalf("stage without a target must not be flagged: %+v", snap.Stages[0])
	}
	if save := snap.Stages[1]; !save.OverTarget || save.P95MS != 80 {
		t.Fatalf("store_save p95 80ms should exceed its 50ms target: %+v", save)
	}
}
