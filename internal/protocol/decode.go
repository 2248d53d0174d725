package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// DecodeError reports an inbound payload that cannot be turned into a message.
// SessionID is set when the payload was readable enough to carry one.
type DecodeError struct {
	SessionID string
	Code      ErrorCode
	Detail    string
}

func (e *DecodeError) Error() string {
	return "invalid message: " + e.Detail
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Rejects strings that are empty once surrounding whitespace is removed.
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Decode parses one inbound frame. Failures are always *DecodeError.
func Decode(raw []byte) (Inbound, error) {
	if !utf8.Valid(raw) {
		return nil, invalid("", "payload is not valid UTF-8")
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, invalid("", fmt.Sprintf("malformed json: %v", err))
	}
	sessionID := strings.TrimSpace(env.SessionID)
	if err := validate.Struct(env); err != nil {
		return nil, invalid(sessionID, describe(err))
	}
	if strings.TrimSpace(env.ProtocolVersion) != Version {
		return nil, invalid(sessionID, fmt.Sprintf("unsupported protocol_version %q", env.ProtocolVersion))
	}
	env.SessionID = sessionID

	switch env.Type {
	case TypeHeartbeat:
		return Heartbeat{Envelope: env}, nil
	case TypeSessionStart:
		var msg SessionStart
		if err := decodeVariant(raw, &msg); err != nil {
			return nil, invalid(sessionID, err.Error())
		}
		msg.Envelope = env
		msg.Language = strings.TrimSpace(msg.Language)
		msg.SubjectReference = strings.TrimSpace(msg.SubjectReference)
		if isJSONNull(msg.Context) {
			msg.Context = nil
		}
		return msg, nil
	case TypeUserMessage:
		var msg UserMessage
		if err := decodeVariant(raw, &msg); err != nil {
			return nil, invalid(sessionID, err.Error())
		}
		msg.Envelope = env
		return msg, nil
	default:
		return Unrecognized{Envelope: env}, nil
	}
}

func decodeVariant(raw []byte, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return errors.New(describe(err))
	}
	return nil
}

func invalid(sessionID, detail string) *DecodeError {
	return &DecodeError{SessionID: sessionID, Code: CodeInvalidMessage, Detail: detail}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "nonblank":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func isJSONNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
