package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only protocol version this server speaks.
const Version = "1"

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeHeartbeat    MessageType = "heartbeat"
	TypeSessionStart MessageType = "session.start"
	TypeUserMessage  MessageType = "user.message"

	TypeHeartbeatAck      MessageType = "heartbeat.ack"
	TypeSessionReady      MessageType = "session.ready"
	TypeAssistantThinking MessageType = "assistant.thinking"
	TypeAssistantDelta    MessageType = "assistant.delta"
	TypeAssistantMessage  MessageType = "assistant.message"
	TypeProtocolError     MessageType = "protocol.error"
)

// ErrorCode is the stable machine-readable code carried by protocol.error.
type ErrorCode string

const (
	CodeInvalidMessage  ErrorCode = "INVALID_MESSAGE"
	CodeSessionNotReady ErrorCode = "SESSION_NOT_READY"
	CodeUpstreamError   ErrorCode = "UPSTREAM_ERROR"
	CodeForbidden       ErrorCode = "FORBIDDEN"
)

// Envelope is the header shared by every inbound and outbound message.
type Envelope struct {
	ProtocolVersion string      `json:"protocol_version" validate:"nonblank"`
	Type            MessageType `json:"type" validate:"nonblank"`
	SessionID       string      `json:"session_id" validate:"nonblank,max=256"`
	TS              int64       `json:"ts"`
}

// Header returns a copy of the envelope.
func (e Envelope) Header() Envelope { return e }

func (e *Envelope) envelope() *Envelope { return e }

// Inbound is a decoded client message. The set of implementations is closed.
type Inbound interface {
	Header() Envelope
	inbound()
}

type Heartbeat struct {
	Envelope
}

type SessionStart struct {
	Envelope
	Language         string          `json:"language" validate:"max=35"`
	SubjectReference string          `json:"subject_reference" validate:"max=512"`
	Context          json.RawMessage `json:"context,omitempty"`
}

type UserMessage struct {
	Envelope
	Text string `json:"text" validate:"max=8000"`
}

// Unrecognized carries a well-formed message whose type this server does not know.
type Unrecognized struct {
	Envelope
}

func (Heartbeat) inbound()    {}
func (SessionStart) inbound() {}
func (UserMessage) inbound()  {}
func (Unrecognized) inbound() {}

// Outbound is a server message. The set of implementations is closed.
type Outbound interface {
	envelope() *Envelope
	kind() MessageType
}

// Capabilities are the feature flags announced in session.ready.
type Capabilities struct {
	Text      bool `json:"text"`
	Audio     bool `json:"audio"`
	Streaming bool `json:"streaming"`
}

// DefaultCapabilities are announced unless configuration says otherwise.
var DefaultCapabilities = Capabilities{Text: true, Audio: false, Streaming: true}

type HeartbeatAck struct {
	Envelope
}

type SessionReady struct {
	Envelope
	Capabilities Capabilities `json:"capabilities"`
}

type AssistantThinking struct {
	Envelope
	TurnID string `json:"turn_id,omitempty"`
}

type AssistantDelta struct {
	Envelope
	TurnID string `json:"turn_id,omitempty"`
	Delta  string `json:"delta"`
}

type AssistantMessage struct {
	Envelope
	TurnID     string   `json:"turn_id,omitempty"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
}

type ProtocolError struct {
	Envelope
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (*HeartbeatAck) kind() MessageType      { return TypeHeartbeatAck }
func (*SessionReady) kind() MessageType      { return TypeSessionReady }
func (*AssistantThinking) kind() MessageType { return TypeAssistantThinking }
func (*AssistantDelta) kind() MessageType    { return TypeAssistantDelta }
func (*AssistantMessage) kind() MessageType  { return TypeAssistantMessage }
func (*ProtocolError) kind() MessageType     { return TypeProtocolError }

// TypeOf reports the wire type of an outbound message.
func TypeOf(msg Outbound) MessageType {
	if msg == nil {
		return ""
	}
	return msg.kind()
}

// SessionIDOf reports the session an outbound message is addressed to.
func SessionIDOf(msg Outbound) string {
	if msg == nil {
		return ""
	}
	return msg.envelope().SessionID
}

func header(sessionID string, t MessageType) Envelope {
	return Envelope{ProtocolVersion: Version, Type: t, SessionID: sessionID}
}

func NewHeartbeatAck(sessionID string) *HeartbeatAck {
	return &HeartbeatAck{Envelope: header(sessionID, TypeHeartbeatAck)}
}

func NewSessionReady(sessionID string, caps Capabilities) *SessionReady {
	return &SessionReady{Envelope: header(sessionID, TypeSessionReady), Capabilities: caps}
}

func NewAssistantThinking(sessionID, turnID string) *AssistantThinking {
	return &AssistantThinking{Envelope: header(sessionID, TypeAssistantThinking), TurnID: turnID}
}

func NewAssistantDelta(sessionID, turnID, delta string) *AssistantDelta {
	return &AssistantDelta{Envelope: header(sessionID, TypeAssistantDelta), TurnID: turnID, Delta: delta}
}

func NewAssistantMessage(sessionID, turnID, text string) *AssistantMessage {
	return &AssistantMessage{Envelope: header(sessionID, TypeAssistantMessage), TurnID: turnID, Text: text}
}

func NewProtocolError(sessionID string, code ErrorCode, message string) *ProtocolError {
	return &ProtocolError{Envelope: header(sessionID, TypeProtocolError), Code: code, Message: message}
}

// Encoder serializes outbound messages and stamps them at send time.
type Encoder struct {
	now func() time.Time
}

func NewEncoder(now func() time.Time) *Encoder {
	if now == nil {
		now = time.Now
	}
	return &Encoder{now: now}
}

// Encode stamps msg with the protocol version, its wire type and the current
// time, replacing whatever the caller set, and returns the JSON payload.
func (e *Encoder) Encode(msg Outbound) ([]byte, error) {
	env := msg.envelope()
	env.ProtocolVersion = Version
	env.Type = msg.kind()
	env.TS = e.now().UnixMilli()
	return json.Marshal(msg)
}
