package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// AnthropicProvider struct + constructor
// ---------------------------------------------------------------------------

// AnthropicProvider adapts Anthropic's Messages API. The unified request is
// translated into Anthropic's format, and the named SSE events it streams
// back are folded into Chunks.
type AnthropicProvider struct {
	apiKey  string
	baseURL string   // e.g. "https://api.anthropic.com/v1"
	models  []string // fallback list when /models is unavailable
	client  *http.Client
}

// NewAnthropic creates an AnthropicProvider.
func NewAnthropic(apiKey, baseURL string, models []string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		models:  models,
		client:  client,
	}
}

// Name returns the adapter type.
func (a *AnthropicProvider) Name() string { return TypeAnthropic }

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body for /v1/messages. Unlike OpenAI, "system" is
// a top-level string and max_tokens is required.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicStreamEvent covers every payload shape of the SSE stream; the
// "type" field says which fields are populated:
//
//	message_start       -> message (model, input tokens)
//	content_block_delta -> delta.text
//	message_delta       -> usage (output tokens)
//	message_stop        -> nothing, end of stream
//	error               -> error.message
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicModelList struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		CreatedAt   string `json:"created_at"`
	} `json:"data"`
}

// anthropicAPIVersion pins the API behaviour; Anthropic versions by header.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is sent when the caller has no limit, since Anthropic
// rejects requests without one.
const defaultMaxTokens = 1024

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest pulls system messages into the top-level system string
// and passes the rest through; the roles already match.
func toAnthropicRequest(req CompletionRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if ar.MaxTokens <= 0 {
		ar.MaxTokens = defaultMaxTokens
	}

	var system []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	ar.System = strings.Join(system, "\n")
	return ar
}

func (a *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// ListModels calls GET /models. If that fails and models were configured,
// the configured list is returned instead.
func (a *AnthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	models, err := a.fetchModels(ctx)
	if err == nil {
		return models, nil
	}
	if len(a.models) == 0 {
		return nil, err
	}

	models = make([]ModelInfo, 0, len(a.models))
	for _, id := range a.models {
		models = append(models, anthropicModelInfo(id, id))
	}
	return models, nil
}

func (a *AnthropicProvider) fetchModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	a.setHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: listing anthropic models: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("anthropic", resp)
	}

	var list anthropicModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding anthropic models: %w", err)
	}
	models := make([]ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, anthropicModelInfo(m.ID, m.DisplayName))
	}
	return models, nil
}

func anthropicModelInfo(id, name string) ModelInfo {
	if name == "" {
		name = id
	}
	return ModelInfo{
		ID:           id,
		Name:         name,
		Provider:     TypeAnthropic,
		Capabilities: []Capability{CapabilityChat},
	}
}

// GetModel looks id up in the model list.
func (a *AnthropicProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	models, err := a.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range models {
		if models[i].ID == id {
			return &models[i], nil
		}
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Streaming completion
// ---------------------------------------------------------------------------

// Complete streams /messages. Metadata arrives spread across events, so the
// model and token counts are accumulated and attached to the final chunk.
func (a *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		if a.apiKey == "" {
			e.fail(fmt.Errorf("%w: anthropic api key", ErrNotConfigured))
			return
		}

		body, err := json.Marshal(toAnthropicRequest(req))
		if err != nil {
			e.fail(fmt.Errorf("marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
		if err != nil {
			e.fail(fmt.Errorf("creating request: %w", err))
			return
		}
		a.setHeaders(httpReq)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			e.fail(fmt.Errorf("%w: sending request to anthropic: %v", ErrUnreachable, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			e.fail(statusError("anthropic", resp))
			return
		}

		var (
			model        string
			inputTokens  int
			outputTokens int
		)

		// The "event:" lines are skipped by readSSE; the JSON payload carries
		// its own type field.
		_, err = readSSE(resp.Body, func(data string) bool {
			var event anthropicStreamEvent
			if json.Unmarshal([]byte(data), &event) != nil {
				return true
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					model = event.Message.Model
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta != nil {
					return e.send(Chunk{Content: event.Delta.Text, Model: model})
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				e.finish(Chunk{Model: model, TokensUsed: inputTokens + outputTokens})
				return false
			case "error":
				msg := "stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				e.fail(fmt.Errorf("anthropic: %s", msg))
				return false
			}
			return true
		})
		if err != nil {
			e.fail(fmt.Errorf("reading anthropic stream: %w", err))
		}
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Validate reports whether a key is configured and /models answers.
func (a *AnthropicProvider) Validate(ctx context.Context) bool {
	if a.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := a.fetchModels(ctx)
	return err == nil || len(a.models) > 0
}

// HealthCheck reports key validity and the model count.
func (a *AnthropicProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, a, healthOptions{name: TypeAnthropic})
}
