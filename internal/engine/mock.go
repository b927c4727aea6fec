package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/voxalab/voxgate/internal/protocol"
)

// Mock is a scriptable in-memory engine used by tests and as the fallback
// runtime when no engine URL is configured (it echoes a canned response so
// the gateway stays demo-able without a GPU backend).
type Mock struct {
	// Script is the sequence of deltas emitted per generation. When empty,
	// the prompt's last line is parroted back word by word.
	Script []string

	// Delay is an optional pause before each chunk.
	Delay time.Duration

	// Gate, when non-nil, is received from before each chunk so tests can
	// pace the stream precisely.
	Gate <-chan struct{}

	mu      sync.Mutex
	aborted []string
	resets  []string
	started []string
	prompts []string
}

func (m *Mock) GenerateStream(ctx context.Context, prompt string, params SamplingParams, requestID string) (<-chan Chunk, error) {
	m.mu.Lock()
	m.started = append(m.started, requestID)
	m.prompts = append(m.prompts, prompt)
	script := m.Script
	m.mu.Unlock()

	if len(script) == 0 {
		lines := strings.Split(strings.TrimSpace(prompt), "\n")
		script = strings.Fields(lines[len(lines)-1])
		for i, w := range script {
			if i > 0 {
				script[i] = " " + w
			}
		}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, delta := range script {
			if m.Delay > 0 {
				select {
				case <-time.After(m.Delay):
				case <-ctx.Done():
					return
				}
			}
			if m.Gate != nil {
				select {
				case <-m.Gate:
				case <-ctx.Done():
					return
				}
			}
			if m.isAborted(requestID) {
				return
			}
			select {
			case out <- Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		usage := &protocol.Usage{PromptTokens: len(strings.Fields(prompt)), CompletionTokens: len(script)}
		select {
		case out <- Chunk{Finished: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (m *Mock) Abort(ctx context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, requestID)
	return nil
}

func (m *Mock) SupportsCacheReset() bool { return true }

func (m *Mock) ResetCaches(ctx context.Context, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, reason)
	return true, nil
}

// Aborted returns the request ids aborted so far.
func (m *Mock) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// Resets returns the cache-reset reasons recorded so far.
func (m *Mock) Resets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.resets...)
}

// Prompts returns the prompts submitted so far.
func (m *Mock) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Started returns the request ids submitted so far.
func (m *Mock) Started() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.started...)
}

func (m *Mock) isAborted(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.aborted {
		if id == requestID {
			return true
		}
	}
	return false
}
