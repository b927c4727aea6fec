// Package engine defines the boundary to the generative model runtime. The
// gateway treats the runtime as an opaque streaming source: it submits a
// prompt with a request id, consumes a channel of chunks, and can ask for a
// best-effort abort. Two engines exist per deployment: the chat model and
// the (optional) tool-intent classifier.
package engine

import (
	"context"

	"github.com/voxalab/voxgate/internal/protocol"
)

// Chunk is one streamed piece of a generation. Delta carries the incremental
// text. Finished marks the terminal chunk, which may carry usage metadata.
// Err reports a mid-stream failure on the terminal chunk.
type Chunk struct {
	Delta    string
	Finished bool
	Usage    *protocol.Usage
	Err      error
}

// Engine is the opaque model runtime.
type Engine interface {
	// GenerateStream starts a generation and returns a channel of chunks.
	// The channel is closed after the terminal chunk, or when ctx is done.
	GenerateStream(ctx context.Context, prompt string, params SamplingParams, requestID string) (<-chan Chunk, error)

	// Abort cancels an in-flight request. Abort is inherently racy against
	// natural completion, so failures are expected; callers log them at
	// debug level and move on.
	Abort(ctx context.Context, requestID string) error

	// SupportsCacheReset reports whether ResetCaches does anything.
	SupportsCacheReset() bool

	// ResetCaches asks the runtime to drop stale prefix/KV caches.
	ResetCaches(ctx context.Context, reason string) (bool, error)
}

// SamplingParams are the resolved sampling settings for one generation.
type SamplingParams struct {
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	MaxTokens         int      `json:"max_tokens"`
	RepetitionPenalty float64  `json:"repetition_penalty,omitempty"`
	Stop              []string `json:"stop,omitempty"`
}

// DefaultSampling returns the gateway's baseline sampling settings.
func DefaultSampling() SamplingParams {
	return SamplingParams{
		Temperature:       0.8,
		TopP:              0.95,
		MaxTokens:         512,
		RepetitionPenalty: 1.1,
	}
}

// Merge applies non-nil overrides from a client sampling payload.
func (p SamplingParams) Merge(s *protocol.Sampling) SamplingParams {
	if s == nil {
		return p
	}
	if s.Temperature != nil {
		p.Temperature = *s.Temperature
	}
	if s.TopP != nil {
		p.TopP = *s.TopP
	}
	if s.MaxTokens != nil {
		p.MaxTokens = *s.MaxTokens
	}
	if s.RepetitionPenalty != nil {
		p.RepetitionPenalty = *s.RepetitionPenalty
	}
	return p
}
