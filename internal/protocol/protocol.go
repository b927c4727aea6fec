// Package protocol defines the WebSocket wire protocol between clients and
// the gateway: typed client messages, server frames, close codes, and error
// codes. Client frames arrive as JSON objects with a "type" discriminator
// and are decoded into one typed payload per message kind.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client message types.
const (
	TypeStart      = "start"
	TypeMessage    = "message"
	TypeCancel     = "cancel"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeEnd        = "end"
	TypeChatPrompt = "chat_prompt"
)

// Server frame types.
const (
	FrameAck      = "ack"
	FrameToken    = "token"
	FrameToolcall = "toolcall"
	FrameFinal    = "final"
	FrameDone     = "done"
	FrameError    = "error"
	FrameWarmed   = "warmed"
	FramePong     = "pong"
)

// Error codes carried on error frames.
const (
	ErrBadRequest      = "bad_request"
	ErrUnknownType     = "unknown_type"
	ErrValidation      = "validation"
	ErrUnauthorized    = "unauthorized"
	ErrRateLimited     = "rate_limited"
	ErrCapacity        = "capacity"
	ErrSessionNotFound = "session_not_found"
	ErrInternal        = "internal"
)

// CloseIdleTimeout is the application-defined close code sent when the idle
// watchdog shuts a connection down. Standard codes (normal closure, policy
// violation, try again later) come from the websocket package.
const CloseIdleTimeout = 4408

// HistoryItem is one imported conversation turn on a start message.
type HistoryItem struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Sampling carries optional sampling overrides. Pointer fields distinguish
// "absent" from zero.
type Sampling struct {
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	MaxTokens         *int     `json:"max_tokens,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

// Validate checks sampling overrides against accepted ranges.
func (s *Sampling) Validate() error {
	if s == nil {
		return nil
	}
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("temperature %v out of range [0, 2]", *s.Temperature)
	}
	if s.TopP != nil && (*s.TopP <= 0 || *s.TopP > 1) {
		return fmt.Errorf("top_p %v out of range (0, 1]", *s.TopP)
	}
	if s.MaxTokens != nil && (*s.MaxTokens < 1 || *s.MaxTokens > 8192) {
		return fmt.Errorf("max_tokens %d out of range [1, 8192]", *s.MaxTokens)
	}
	if s.RepetitionPenalty != nil && (*s.RepetitionPenalty < 0.5 || *s.RepetitionPenalty > 2) {
		return fmt.Errorf("repetition_penalty %v out of range [0.5, 2]", *s.RepetitionPenalty)
	}
	return nil
}

// Start initializes or reconfigures a session and begins its first turn.
type Start struct {
	SessionID       string        `json:"session_id"`
	Gender          string        `json:"gender"`
	Personality     string        `json:"personality"`
	SystemPrompt    string        `json:"system_prompt,omitempty"`
	ChatPrompt      string        `json:"chat_prompt,omitempty"`
	UserUtterance   string        `json:"user_utterance"`
	History         []HistoryItem `json:"history,omitempty"`
	Sampling        *Sampling     `json:"sampling,omitempty"`
	ScreenOnPrefix  string        `json:"screen_on_prefix,omitempty"`
	ScreenOffPrefix string        `json:"screen_off_prefix,omitempty"`
}

// UserMessage continues an existing session with a new turn.
type UserMessage struct {
	UserUtterance string    `json:"user_utterance"`
	Sampling      *Sampling `json:"sampling,omitempty"`
}

// Cancel aborts the session's in-flight request(s).
type Cancel struct{}

// Ping requests a pong frame.
type Ping struct{}

// Pong is the client's reply to a server ping; it only refreshes liveness.
type Pong struct{}

// End asks for a clean close.
type End struct{}

// ChatPromptUpdate is a rate-limited partial persona/prompt update. Nil
// fields are left untouched.
type ChatPromptUpdate struct {
	Gender       *string `json:"gender,omitempty"`
	Personality  *string `json:"personality,omitempty"`
	SystemPrompt *string `json:"system_prompt,omitempty"`
	ChatPrompt   *string `json:"chat_prompt,omitempty"`
}

// UnknownTypeError reports a frame whose type discriminator is not part of
// the protocol.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

// FieldError reports a missing or invalid required field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// Parse decodes a raw client frame into one of the typed payloads: *Start,
// *UserMessage, *Cancel, *Ping, *Pong, *End, or *ChatPromptUpdate.
func Parse(data []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}

	switch env.Type {
	case TypeStart:
		var m Start
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing start: %w", err)
		}
		if m.SessionID == "" {
			return nil, &FieldError{Field: "session_id", Reason: "required"}
		}
		if m.UserUtterance == "" {
			return nil, &FieldError{Field: "user_utterance", Reason: "required"}
		}
		if err := m.Sampling.Validate(); err != nil {
			return nil, &FieldError{Field: "sampling", Reason: err.Error()}
		}
		return &m, nil

	case TypeMessage:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing message: %w", err)
		}
		if m.UserUtterance == "" {
			return nil, &FieldError{Field: "user_utterance", Reason: "required"}
		}
		if err := m.Sampling.Validate(); err != nil {
			return nil, &FieldError{Field: "sampling", Reason: err.Error()}
		}
		return &m, nil

	case TypeCancel:
		return &Cancel{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeEnd:
		return &End{}, nil

	case TypeChatPrompt:
		var m ChatPromptUpdate
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing chat_prompt: %w", err)
		}
		return &m, nil

	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}
