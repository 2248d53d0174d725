package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/chatrelay/internal/store"
)

var ErrNotFound = errors.New("session not found")

// Registry maps session ids to sessions on top of a TTL store. It is built
// once per process and handed to the components that need it.
type Registry struct {
	store store.Adapter
	ttl   time.Duration
	now   func() time.Time
}

func NewRegistry(st store.Adapter, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Registry{
		store: st,
		ttl:   ttl,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) Now() time.Time { return r.now() }

func (r *Registry) TTL() time.Duration { return r.ttl }

// Lookup loads a session. Absent or expired records yield ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &s, nil
}

// Start creates the session in READY, or rebinds language and subject context
// on an existing one without touching its history or phase. created reports
// which of the two happened.
func (r *Registry) Start(ctx context.Context, sessionID string, b Binding) (s *Session, created bool, err error) {
	now := r.now()
	s, err = r.Lookup(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		s = &Session{
			ID:        sessionID,
			Phase:     PhaseReady,
			History:   []Turn{},
			CreatedAt: now,
		}
		created = true
	case err != nil:
		return nil, false, err
	}

	s.Language = b.Language
	s.SubjectReference = b.SubjectReference
	s.SubjectContext = b.SubjectContext
	s.LastActiveAt = now
	if err := r.Save(ctx, s); err != nil {
		return nil, false, err
	}
	return s, created, nil
}

// Touch refreshes last_active_at, which also re-arms the store TTL.
func (r *Registry) Touch(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.LastActiveAt = r.now()
	if err := r.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save persists s with the registry TTL. Last writer wins.
func (r *Registry) Save(ctx context.Context, s *Session) error {
	if s.History == nil {
		s.History = []Turn{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	if err := r.store.Set(ctx, s.ID, raw, r.ttl); err != nil {
		return fmt.Errorf("save session %s: %w", s.ID, err)
	}
	return nil
}

// Inspect returns the stored record verbatim with its remaining TTL.
func (r *Registry) Inspect(ctx context.Context, sessionID string) (json.RawMessage, time.Duration, error) {
	raw, err := r.store.Get(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	ttl, err := r.store.TTLRemaining(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("session ttl %s: %w", sessionID, err)
	}
	return json.RawMessage(raw), ttl, nil
}
