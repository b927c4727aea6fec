// Package session owns all per-conversation mutable state: persona metadata,
// turn history, request-id bookkeeping for cooperative cancellation, and the
// handle of the one background worker a session may run at a time. Nothing
// outside this package mutates a Session; every change goes through Store
// methods so eviction and task tracking stay consistent.
package session

import (
	"context"
	"time"

	"github.com/voxalab/voxgate/internal/protocol"
	"github.com/voxalab/voxgate/internal/ratelimit"
)

// CancelledRequestID is the sentinel active-request id meaning "this
// session's current turn has been explicitly cancelled". A request observes
// cancellation by seeing the sentinel, or any active id other than its own.
const CancelledRequestID = "cancelled"

// Meta is the persona configuration of a session. It is set wholesale on
// start and patched via chat_prompt updates.
type Meta struct {
	Gender       string
	Personality  string
	SystemPrompt string
	ChatPrompt   string
	Sampling     *protocol.Sampling

	// Screen-transition prefixes prepended to the user utterance when the
	// tool classifier fires. Token counts are cached when the prefix is set
	// so turns don't re-tokenize them.
	ScreenOnPrefix        string
	ScreenOffPrefix       string
	ScreenOnPrefixTokens  int
	ScreenOffPrefixTokens int
}

// Turn is one user utterance plus the resulting assistant text. Assistant
// may be empty while generation is in flight.
type Turn struct {
	ID        string `json:"turn_id"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// TaskHandle tracks a running background worker: Cancel stops it, Done
// closes when it has fully exited.
type TaskHandle struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// Session is one logical conversation. All fields are guarded by the owning
// Store's mutex.
type Session struct {
	ID              string
	Meta            Meta
	History         []Turn
	ActiveRequestID string
	ToolRequestID   string

	task          *TaskHandle
	createdAt     time.Time
	lastAccess    time.Time
	promptLimiter *ratelimit.Limiter
}
