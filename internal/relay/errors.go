package relay

import "fmt"

// Stages reported by UpstreamError.
const (
	StageGeneration = "generation"
	StageStore      = "store"
)

// ValidationError rejects a turn before any collaborator is called.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid turn: " + e.Reason
}

// UpstreamError wraps every generation or store failure raised during a turn.
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
