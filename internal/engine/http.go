package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxalab/voxgate/internal/protocol"
)

// HTTPEngine talks to an OpenAI-compatible completion server (vLLM style)
// over SSE. Aborts and cache resets use the runtime's admin endpoints; a
// runtime without them still works, it just cannot abort early or drop
// prefix caches.
type HTTPEngine struct {
	baseURL     string
	model       string
	apiKey      string
	client      *http.Client
	cacheResets bool
}

// HTTPOptions configures an HTTPEngine.
type HTTPOptions struct {
	BaseURL     string
	Model       string
	APIKey      string
	CacheResets bool
}

// NewHTTPEngine creates a streaming client for the given runtime.
func NewHTTPEngine(opts HTTPOptions) *HTTPEngine {
	return &HTTPEngine{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		model:       opts.Model,
		apiKey:      opts.APIKey,
		client:      http.DefaultClient,
		cacheResets: opts.CacheResets,
	}
}

func (e *HTTPEngine) GenerateStream(ctx context.Context, prompt string, params SamplingParams, requestID string) (<-chan Chunk, error) {
	body := map[string]any{
		"model":       e.model,
		"prompt":      prompt,
		"stream":      true,
		"temperature": params.Temperature,
		"top_p":       params.TopP,
		"max_tokens":  params.MaxTokens,
	}
	if params.RepetitionPenalty != 0 {
		body["repetition_penalty"] = params.RepetitionPenalty
	}
	if len(params.Stop) > 0 {
		body["stop"] = params.Stop
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/v1/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Request-Id", requestID)
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("completion API error (%d): %s", resp.StatusCode, string(respBody))
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		e.readStream(ctx, resp.Body, out)
	}()
	return out, nil
}

// readStream decodes SSE data lines into chunks until [DONE] or EOF.
func (e *HTTPEngine) readStream(ctx context.Context, r io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage *protocol.Usage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var ev struct {
			Choices []struct {
				Text         string `json:"text"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Usage != nil {
			usage = &protocol.Usage{
				PromptTokens:     ev.Usage.PromptTokens,
				CompletionTokens: ev.Usage.CompletionTokens,
			}
		}
		if len(ev.Choices) == 0 {
			continue
		}
		chunk := Chunk{Delta: ev.Choices[0].Text}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		}
	}

	final := Chunk{Finished: true, Usage: usage}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		final.Err = fmt.Errorf("reading stream: %w", err)
	}
	select {
	case out <- final:
	case <-ctx.Done():
	}
}

func (e *HTTPEngine) Abort(ctx context.Context, requestID string) error {
	body, _ := json.Marshal(map[string]string{"request_id": requestID})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/v1/abort", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("abort API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func (e *HTTPEngine) SupportsCacheReset() bool { return e.cacheResets }

func (e *HTTPEngine) ResetCaches(ctx context.Context, reason string) (bool, error) {
	if !e.cacheResets {
		return false, nil
	}
	body, _ := json.Marshal(map[string]string{"reason": reason})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/v1/reset_caches", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("reset API error (%d): %s", resp.StatusCode, string(respBody))
	}
	return true, nil
}
