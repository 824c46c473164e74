package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// Envelope is the {type, payload} framing shared by both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload under the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: b}, nil
}

// FrameHeader announces the binary message that follows it.
type FrameHeader struct {
	ID       string `json:"id"`
	Seq      uint64 `json:"seq"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	MIME     string `json:"mime"`
	Mirrored bool   `json:"mirrored"`
}

// PromptUpdate carries a submitted prompt pair.
type PromptUpdate struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negativePrompt"`
}

// Outgoing message types.
const (
	TypeFrame    = "frame"
	TypeSettings = "settings"
	TypePrompt   = "prompt"
)

// Incoming message types.
const (
	TypeResult = "result"
	TypeError  = "error"
	TypeStatus = "status"
)

// ServerMessage is one decoded message from the backend: *Result,
// *ServerError, *Status, *SettingsAck or *Unknown.
type ServerMessage interface {
	MessageType() string
}

// Result is a processed image. ID is empty for binary results.
type Result struct {
	ID    string `json:"id"`
	Image []byte `json:"image"`
	MIME  string `json:"mime"`
	Seed  int64  `json:"seed"`
}

// ServerError reports a failure, optionally for a specific frame.
type ServerError struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Status describes the backend's processing state.
type Status struct {
	State string `json:"state"`
	Queue int    `json:"queue"`
	Model string `json:"model"`
}

// SettingsAck echoes the settings the backend applied.
type SettingsAck struct {
	Settings json.RawMessage
}

// Unknown is any message whose type is not recognized.
type Unknown struct {
	Type    string
	Payload json.RawMessage
}

func (*Result) MessageType() string      { return TypeResult }
func (*ServerError) MessageType() string { return TypeError }
func (*Status) MessageType() string      { return TypeStatus }
func (*SettingsAck) MessageType() string { return TypeSettings }
func (u *Unknown) MessageType() string   { return u.Type }

func (e *ServerError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// Decode parses a received message. Binary messages are results holding raw
// image bytes for the frame currently in flight.
func Decode(typ websocket.MessageType, data []byte) (ServerMessage, error) {
	if typ == websocket.MessageBinary {
		return &Result{Image: data}, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var (
		msg    ServerMessage
		target any
	)
	switch env.Type {
	case TypeResult:
		r := &Result{}
		msg, target = r, r
	case TypeError:
		e := &ServerError{}
		msg, target = e, e
	case TypeStatus:
		s := &Status{}
		msg, target = s, s
	case TypeSettings:
		return &SettingsAck{Settings: env.Payload}, nil
	default:
		return &Unknown{Type: env.Type, Payload: env.Payload}, nil
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}
	return msg, nil
}
