package protocol

// Usage carries generation accounting on done frames.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Frame is a server-to-client message. A single struct with omitempty fields
// keeps the wire format flat; the constructors below are the only way frames
// are built.
type Frame struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Status    string            `json:"status,omitempty"`
	Raw       string            `json:"raw,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	Message   string            `json:"message,omitempty"`
	RetryIn   float64           `json:"retry_in,omitempty"`
	Usage     *Usage            `json:"usage,omitempty"`
	Changed   map[string]string `json:"changed,omitempty"`
}

// Ack acknowledges an accepted control message; changed lists the fields a
// chat_prompt update actually modified.
func Ack(changed map[string]string) Frame {
	return Frame{Type: FrameAck, Changed: changed}
}

// Token carries one incremental chunk of generated text.
func Token(text string) Frame {
	return Frame{Type: FrameToken, Text: text}
}

// Toolcall reports the classifier decision ("yes"/"no") plus its raw payload.
func Toolcall(status, raw string) Frame {
	return Frame{Type: FrameToolcall, Status: status, Raw: raw}
}

// Final carries the full normalized assistant text for the turn.
func Final(text string) Frame {
	return Frame{Type: FrameFinal, Text: text}
}

// Done closes a turn with usage metadata.
func Done(usage *Usage) Frame {
	return Frame{Type: FrameDone, Usage: usage}
}

// ErrorFrame reports a rejected or failed operation. retryIn is in seconds;
// zero omits the hint.
func ErrorFrame(code, message string, retryIn float64) Frame {
	return Frame{Type: FrameError, ErrorCode: code, Message: message, RetryIn: retryIn}
}

// Warmed signals that a start message has been applied and the session is
// ready to stream.
func Warmed() Frame {
	return Frame{Type: FrameWarmed}
}

// PongFrame answers a client ping.
func PongFrame() Frame {
	return Frame{Type: FramePong}
}
