package relay

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/chatrelay/internal/generation"
	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/policy"
	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/session"
)

// Emitter hands outbound messages to the connection writer.
type Emitter interface {
	Emit(ctx context.Context, msg protocol.Outbound) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, msg protocol.Outbound) error

func (f EmitterFunc) Emit(ctx context.Context, msg protocol.Outbound) error { return f(ctx, msg) }

type Config struct {
	HistoryLimit      int
	GenerationTimeout time.Duration
	// Streaming forwards generator deltas as assistant.delta.
	Streaming bool
	// PersistTimeout bounds the save of a user turn after the connection went away.
	PersistTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	NewTurnID      func() string
}

// Relay runs one user turn at a time against the generator and the registry.
type Relay struct {
	registry  *session.Registry
	generator generation.Generator
	cfg       Config
}

func New(registry *session.Registry, generator generation.Generator, cfg Config) *Relay {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = session.DefaultHistoryLimit
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 45 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewTurnID == nil {
		cfg.NewTurnID = uuid.NewString
	}
	return &Relay{registry: registry, generator: generator, cfg: cfg}
}

// HandleTurn relays text for s and returns the session as persisted plus the
// turn id. s itself is never mutated. Any generation or store failure comes
// back as *UpstreamError, after the user turn has been saved where possible.
func (r *Relay) HandleTurn(ctx context.Context, s *session.Session, text string, emit Emitter) (*session.Session, string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, "", &ValidationError{Reason: "text is empty"}
	}

	started := time.Now()
	turnID := r.cfg.NewTurnID()
	log := r.cfg.Logger.With("session_id", s.ID, "turn_id", turnID)

	if err := emit.Emit(ctx, protocol.NewAssistantThinking(s.ID, turnID)); err != nil {
		return nil, turnID, err
	}

	working := s.Clone()
	now := r.registry.Now()
	working.AppendTurn(session.Turn{ID: turnID, Role: session.RoleUser, Text: text, Timestamp: now}, r.cfg.HistoryLimit)
	working.LastActiveAt = now
	log.Debug("turn accepted", "text", policy.Preview(text, 80), "history", len(working.History))

	resp, err := r.generate(ctx, working, turnID, emit, started)
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = generation.ErrEmptyResponse
		r.cfg.Metrics.ObserveTurnIndicator("empty_generation")
	}
	if err != nil {
		r.cfg.Metrics.ObserveProviderError(generation.Describe(r.generator), StageGeneration)
		log.Warn("generation failed", "error", err)
		r.persistUserTurn(ctx, working, log)
		return working, turnID, &UpstreamError{Stage: StageGeneration, Err: err}
	}

	now = r.registry.Now()
	working.AppendTurn(session.Turn{ID: turnID, Role: session.RoleAssistant, Text: resp.Text, Timestamp: now}, r.cfg.HistoryLimit)
	working.Phase = session.PhaseActive
	working.LastActiveAt = now

	saveStarted := time.Now()
	if err := r.registry.Save(ctx, working); err != nil {
		r.cfg.Metrics.ObserveProviderError("store", StageStore)
		log.Error("persist turn failed", "error", err)
		return nil, turnID, &UpstreamError{Stage: StageStore, Err: err}
	}
	r.cfg.Metrics.ObserveTurnStage(observability.StageStoreSave, time.Since(saveStarted))

	reply := protocol.NewAssistantMessage(s.ID, turnID, resp.Text)
	reply.Confidence = resp.Confidence
	reply.Sources = resp.Sources
	if err := emit.Emit(ctx, reply); err != nil {
		return working, turnID, err
	}
	r.cfg.Metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(started))
	return working, turnID, nil
}

func (r *Relay) generate(ctx context.Context, s *session.Session, turnID string, emit Emitter, started time.Time) (generation.Response, error) {
	genCtx, cancel := context.WithTimeout(ctx, r.cfg.GenerationTimeout)
	defer cancel()

	history := make([]session.Turn, len(s.History))
	copy(history, s.History)
	req := generation.Request{
		SessionID:      s.ID,
		TurnID:         turnID,
		Language:       s.Language,
		SubjectContext: s.SubjectContext,
		History:        history,
	}

	firstDelta := true
	onDelta := func(delta string) error {
		if firstDelta {
			firstDelta = false
			r.cfg.Metrics.ObserveTurnStage(observability.StageFirstDelta, time.Since(started))
		}
		if !r.cfg.Streaming {
			return nil
		}
		return emit.Emit(ctx, protocol.NewAssistantDelta(s.ID, turnID, delta))
	}

	genStarted := time.Now()
	resp, err := r.generator.Generate(genCtx, req, onDelta)
	r.cfg.Metrics.ObserveTurnStage(observability.StageGeneration, time.Since(genStarted))
	return resp, err
}

// persistUserTurn saves a turn that produced no reply. When the connection is
// already gone the save runs on a detached context with its own deadline.
func (r *Relay) persistUserTurn(ctx context.Context, s *session.Session, log *slog.Logger) {
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
		defer cancel()
	}
	if err := r.registry.Save(saveCtx, s); err != nil {
		r.cfg.Metrics.ObserveProviderError("store", StageStore)
		log.Error("persist user turn failed", "error", err)
	}
}
