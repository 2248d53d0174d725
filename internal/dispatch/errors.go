package dispatch

import (
	"errors"

	"github.com/ent0n29/chatrelay/internal/protocol"
	"github.com/ent0n29/chatrelay/internal/relay"
)

// ProtocolViolation is a well-formed message that is illegal in the current phase.
type ProtocolViolation struct {
	Code   protocol.ErrorCode
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return string(e.Code) + ": " + e.Reason
}

// toProtocolError maps a per-message failure onto the single protocol.error
// the client receives.
func toProtocolError(sessionID string, err error) *protocol.ProtocolError {
	var (
		decodeErr   *protocol.DecodeError
		violation   *ProtocolViolation
		validation  *relay.ValidationError
		upstreamErr *relay.UpstreamError
	)
	switch {
	case errors.As(err, &decodeErr):
		if sessionID == "" {
			sessionID = decodeErr.SessionID
		}
		return protocol.NewProtocolError(sessionID, decodeErr.Code, decodeErr.Detail)
	case errors.As(err, &violation):
		return protocol.NewProtocolError(sessionID, violation.Code, violation.Reason)
	case errors.As(err, &validation):
		return protocol.NewProtocolError(sessionID, protocol.CodeInvalidMessage, validation.Reason)
	case errors.As(err, &upstreamErr):
		return protocol.NewProtocolError(sessionID, protocol.CodeUpstreamError, upstreamErr.Stage+" unavailable")
	default:
		return protocol.NewProtocolError(sessionID, protocol.CodeUpstreamError, "internal failure")
	}
}
