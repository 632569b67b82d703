// Package stream writes Server-Sent Events: OpenAI-compatible completion
// chunks for the passthrough endpoint, and named room events for
// conversation subscribers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/realtime"
)

// ErrNoFlusher is returned when the ResponseWriter cannot flush, which
// makes incremental delivery impossible.
var ErrNoFlusher = errors.New("response writer does not support flushing")

// KeepAliveInterval is how often WriteEvents sends a comment line on an
// idle connection so proxies do not time it out.
const KeepAliveInterval = 15 * time.Second

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// sseChunk is the JSON object in each "data:" line, matching the shape the
// OpenAI SDKs parse:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage only appears on the final event.
	Usage *sseUsage `json:"usage,omitempty"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is a pointer so non-final chunks render it as null.
	FinishReason *string `json:"finish_reason"`
}

type sseDelta struct {
	Content string `json:"content,omitempty"`
}

type sseUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type sseError struct {
	Error sseErrorBody `json:"error"`
}

type sseErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// setHeaders marks the response as an event stream. Must run before the
// first body write.
func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeData(w http.ResponseWriter, flusher http.Flusher, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	flusher.Flush()
	return nil
}

// ---------------------------------------------------------------------------
// Completion chunks
// ---------------------------------------------------------------------------

// Write drains chunks into OpenAI-compatible SSE events and finishes with
// "data: [DONE]". id becomes the completion id on every event.
//
// A chunk carrying an error is written as an {"error":{...}} event and the
// stream ends there without [DONE], so clients can tell a failed stream
// from a finished one. The error is also returned.
func Write(w http.ResponseWriter, id string, chunks <-chan provider.Chunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNoFlusher
	}
	setHeaders(w)

	created := time.Now().Unix()
	event := func(model, content string) sseChunk {
		return sseChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []sseChoice{{Delta: sseDelta{Content: content}}},
		}
	}

	for chunk := range chunks {
		if chunk.Err != nil {
			slog.Warn("completion stream failed", "id", id, "error", chunk.Err)
			if chunk.Content != "" {
				if err := writeData(w, flusher, event(chunk.Model, chunk.Content)); err != nil {
					return err
				}
			}
			if err := writeData(w, flusher, sseError{Error: sseErrorBody{
				Message: chunk.Err.Error(),
				Type:    "provider_error",
			}}); err != nil {
				return err
			}
			return chunk.Err
		}

		if !chunk.Done {
			if chunk.Content == "" {
				continue
			}
			if err := writeData(w, flusher, event(chunk.Model, chunk.Content)); err != nil {
				return err
			}
			continue
		}

		// The final chunk may still carry text (non-streaming backends put
		// everything there). Send it as its own event before the finish.
		if chunk.Content != "" {
			if err := writeData(w, flusher, event(chunk.Model, chunk.Content)); err != nil {
				return err
			}
		}

		finish := event(chunk.Model, "")
		reason := "stop"
		finish.Choices[0].FinishReason = &reason
		if chunk.TokensUsed > 0 {
			finish.Usage = &sseUsage{TotalTokens: chunk.TokensUsed}
		}
		if err := writeData(w, flusher, finish); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()
	return nil
}

// ---------------------------------------------------------------------------
// Room events
// ---------------------------------------------------------------------------

// WriteEvents streams room events as named SSE events until the channel is
// closed or ctx ends:
//
//	event: stream_chunk
//	data: {"conversation_id":"...","content":"Hi","done":false}
func WriteEvents(ctx context.Context, w http.ResponseWriter, events <-chan realtime.Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrNoFlusher
	}
	setHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return fmt.Errorf("writing keep-alive: %w", err)
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				return fmt.Errorf("marshaling %s event: %w", ev.Name, err)
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload); err != nil {
				return fmt.Errorf("writing %s event: %w", ev.Name, err)
			}
			flusher.Flush()
		}
	}
}
