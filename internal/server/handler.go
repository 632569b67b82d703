package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/chat"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// handleHealth is a liveness probe. Provider status lives at
// /v1/providers/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"providers": len(s.Registry.IDs()),
	})
}

// completionRequest is the OpenAI-compatible request body. Model is
// "provider/model"; everything after the first slash is the backend's
// model id.
type completionRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   *completionUsage   `json:"usage,omitempty"`
}

type completionChoice struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type completionUsage struct {
	TotalTokens int `json:"total_tokens"`
}

// handleChatCompletions handles POST /v1/chat/completions: a stateless
// passthrough to one provider, streamed as OpenAI SSE chunks or returned
// as a single chat.completion object.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	providerID, model, ok := strings.Cut(req.Model, "/")
	if !ok || providerID == "" || model == "" {
		writeError(w, http.StatusBadRequest, `model must be "provider/model"`)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	entry, err := s.Registry.Get(providerID)
	if err != nil {
		writeErr(w, err)
		return
	}

	temp := chat.DefaultTemperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	chunks := entry.Provider.Complete(r.Context(), provider.CompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
	})

	id := "chatcmpl-" + uuid.NewString()

	if req.Stream {
		// Headers are gone once the first event is written; failures from
		// here on are reported inside the stream.
		if err := stream.Write(w, id, chunks); err != nil {
			slog.Warn("completion stream ended with error", "id", id, "provider", providerID, "error", err)
		}
		return
	}

	agg := provider.Collect(chunks)
	if agg.Err != nil {
		slog.Warn("completion failed", "id", id, "provider", providerID, "error", agg.Err)
		writeError(w, http.StatusBadGateway, agg.Err.Error())
		return
	}
	if agg.Model == "" {
		agg.Model = model
	}

	resp := completionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   agg.Model,
		Choices: []completionChoice{{
			Message:      provider.Message{Role: provider.RoleAssistant, Content: agg.Content},
			FinishReason: "stop",
		}},
	}
	if agg.TokensUsed > 0 {
		resp.Usage = &completionUsage{TotalTokens: agg.TokensUsed}
	}
	writeJSON(w, http.StatusOK, resp)
}
