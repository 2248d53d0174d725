package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/chatrelay/internal/observability"
	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
	"github.com/ent0n29/chatrelay/internal/session"
	"github.com/ent0n29/chatrelay/internal/subject"
)

// Stage names for failures raised here rather than in the relay.
const (
	stageStore   = "store"
	stageSubject = "subject"
)

type Config struct {
	Capabilities    protocol.Capabilities
	DefaultLanguage string
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Engine is the per-message protocol state machine. It holds no
// per-connection state; RunConnection gives each connection its own
// sequential loop.
type Engine struct {
	registry *session.Registry
	resolver subject.Resolver
	relay    *relay.Relay
	cfg      Config
}

func NewEngine(registry *session.Registry, resolver subject.Resolver, r *relay.Relay, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Engine{registry: registry, resolver: resolver, relay: r, cfg: cfg}
}

// RunConnection handles inbound frames one at a time until inbound closes or
// ctx ends. A frame is only taken off the queue once every message produced by
// the previous one has been accepted by outbound.
func (e *Engine) RunConnection(ctx context.Context, inbound <-chan []byte, outbound chan<- protocol.Outbound) error {
	emit := relay.EmitterFunc(func(ctx context.Context, msg protocol.Outbound) error {
		select {
		case outbound <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			if err := e.Handle(ctx, raw, emit); err != nil {
				return err
			}
		}
	}
}

// trackingEmitter remembers the first delivery failure so it can be told
// apart from per-message errors.
type trackingEmitter struct {
	next relay.Emitter
	err  error
}

func (t *trackingEmitter) Emit(ctx context.Context, msg protocol.Outbound) error {
	if t.err != nil {
		return t.err
	}
	if err := t.next.Emit(ctx, msg); err != nil {
		t.err = err
		return err
	}
	return nil
}

// Handle processes one raw frame. Per-message failures become exactly one
// protocol.error; the returned error is non-nil only when the connection can
// no longer be written to.
func (e *Engine) Handle(ctx context.Context, raw []byte, emit relay.Emitter) error {
	out := &trackingEmitter{next: emit}

	msg, err := protocol.Decode(raw)
	sessionID := ""
	msgType := "invalid"
	if err == nil {
		hdr := msg.Header()
		sessionID = hdr.SessionID
		msgType = string(hdr.Type)
		err = e.dispatch(ctx, msg, out)
	}

	if out.err != nil {
		return out.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		e.cfg.Metrics.ObserveInboundMessage(msgType, "accepted")
		return nil
	}

	e.cfg.Metrics.ObserveInboundMessage(msgType, "rejected")
	perr := toProtocolError(sessionID, err)
	e.cfg.Metrics.ObserveProtocolError(string(perr.Code))
	e.cfg.Logger.Warn("message rejected",
		"session_id", protocol.SessionIDOf(perr),
		"type", msgType,
		"code", perr.Code,
		"error", err,
	)
	return out.Emit(ctx, perr)
}

func (e *Engine) dispatch(ctx context.Context, msg protocol.Inbound, emit relay.Emitter) error {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		return e.heartbeat(ctx, m, emit)
	case protocol.SessionStart:
		return e.start(ctx, m, emit)
	case protocol.UserMessage:
		return e.userMessage(ctx, m, emit)
	case protocol.Unrecognized:
		return &ProtocolViolation{
			Code:   protocol.CodeInvalidMessage,
			Reason: fmt.Sprintf("unsupported message type %q", m.Type),
		}
	default:
		return &ProtocolViolation{Code: protocol.CodeInvalidMessage, Reason: "unsupported message"}
	}
}

// heartbeat refreshes last_active_at on a known session and never creates one.
// The ack goes out even when the store is unreachable.
func (e *Engine) heartbeat(ctx context.Context, m protocol.Heartbeat, emit relay.Emitter) error {
	if _, err := e.registry.Touch(ctx, m.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		e.cfg.Metrics.ObserveProviderError("store", stageStore)
		e.cfg.Logger.Warn("heartbeat touch failed",
			"session_id", m.SessionID,
			"error", err,
		)
	}
	return emit.Emit(ctx, protocol.NewHeartbeatAck(m.SessionID))
}

func (e *Engine) start(ctx context.Context, m protocol.SessionStart, emit relay.Emitter) error {
	language := m.Language
	if language == "" {
		language = e.cfg.DefaultLanguage
	}

	subjectContext := m.Context
	if len(subjectContext) == 0 && m.SubjectReference != "" && e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, subject.Request{
			SubjectReference: m.SubjectReference,
			Language:         language,
			SessionID:        m.SessionID,
		})
		if err != nil {
			e.cfg.Metrics.ObserveProviderError("subject", stageSubject)
			return &relay.UpstreamError{Stage: stageSubject, Err: err}
		}
		subjectContext = resolved
	}

	s, created, err := e.registry.Start(ctx, m.SessionID, session.Binding{
		Language:         language,
		SubjectReference: m.SubjectReference,
		SubjectContext:   subjectContext,
	})
	if err != nil {
		return &relay.UpstreamError{Stage: stageStore, Err: err}
	}

	event := "session_rebound"
	if created {
		event = "session_created"
	}
	e.cfg.Metrics.ObserveSessionEvent(event)
	e.cfg.Logger.Info(strings.ReplaceAll(event, "_", " "),
		"session_id", s.ID,
		"language", s.Language,
		"phase", s.Phase,
		"history", len(s.History),
	)
	return emit.Emit(ctx, protocol.NewSessionReady(s.ID, e.cfg.Capabilities))
}

func (e *Engine) userMessage(ctx context.Context, m protocol.UserMessage, emit relay.Emitter) error {
	s, err := e.registry.Lookup(ctx, m.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return &ProtocolViolation{Code: protocol.CodeSessionNotReady, Reason: "session.start is required before user.message"}
	}
	if err != nil {
		return &relay.UpstreamError{Stage: stageStore, Err: err}
	}
	if !s.Phase.AcceptsTurns() {
		return &ProtocolViolation{Code: protocol.CodeSessionNotReady, Reason: fmt.Sprintf("session is %s", s.Phase)}
	}

	if _, _, err := e.relay.HandleTurn(ctx, s, m.Text, emit); err != nil {
		return err
	}
	e.cfg.Metrics.ObserveSessionEvent("turn_completed")
	return nil
}
