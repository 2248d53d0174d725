package session

import (
	"encoding/json"
	"time"
)

// Phase is a session's position in the protocol lifecycle.
type Phase string

const (
	// PhaseUninitialized is the phase of a session with no stored record.
	PhaseUninitialized Phase = "UNINITIALIZED"
	PhaseReady         Phase = "READY"
	PhaseActive        Phase = "ACTIVE"
)

// AcceptsTurns reports whether user turns are legal in this phase.
func (p Phase) AcceptsTurns() bool {
	return p == PhaseReady || p == PhaseActive
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultHistoryLimit bounds how many history entries a session keeps.
const DefaultHistoryLimit = 30

// Turn is one history entry. The user entry and the assistant reply of the
// same exchange share an ID.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the persisted record of one conversation.
type Session struct {
	ID               string          `json:"session_id"`
	Phase            Phase           `json:"phase"`
	Language         string          `json:"language"`
	SubjectReference string          `json:"subject_reference,omitempty"`
	SubjectContext   json.RawMessage `json:"subject_context,omitempty"`
	History          []Turn          `json:"history"`
	CreatedAt        time.Time       `json:"created_at"`
	LastActiveAt     time.Time       `json:"last_active_at"`
}

// Binding is what session.start binds onto a session.
type Binding struct {
	Language         string
	SubjectReference string
	SubjectContext   json.RawMessage
}

// AppendTurn adds t to the history, dropping the oldest entries beyond limit.
// A limit <= 0 keeps everything.
func (s *Session) AppendTurn(t Turn, limit int) {
	s.History = append(s.History, t)
	if limit <= 0 || len(s.History) <= limit {
		return
	}
	trimmed := make([]Turn, limit)
	copy(trimmed, s.History[len(s.History)-limit:])
	s.History = trimmed
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.History != nil {
		c.History = make([]Turn, len(s.History))
		copy(c.History, s.History)
	}
	if s.SubjectContext != nil {
		c.SubjectContext = append(json.RawMessage(nil), s.SubjectContext...)
	}
	return &c
}
