package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// GeminiProvider struct + constructor
// ---------------------------------------------------------------------------

// GeminiProvider adapts Google's Gemini API. The API key travels as a
// query parameter rather than a header.
type GeminiProvider struct {
	apiKey  string
	baseURL string // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client
}

// NewGemini creates a GeminiProvider.
func NewGemini(apiKey, baseURL string, client *http.Client) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the adapter type.
func (g *GeminiProvider) Name() string { return TypeGemini }

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses a parts array because it
// accepts multimodal input; text-only messages have a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// geminiResponse is the shape of every streamed SSE event.
type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiModelList struct {
	Models []struct {
		Name                       string   `json:"name"` // "models/gemini-1.5-flash"
		DisplayName                string   `json:"displayName"`
		Description                string   `json:"description"`
		InputTokenLimit            int      `json:"inputTokenLimit"`
		OutputTokenLimit           int      `json:"outputTokenLimit"`
		SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	} `json:"models"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest moves system messages into systemInstruction and maps the
// "assistant" role onto Gemini's "model".
func toGeminiRequest(req CompletionRequest) *geminiRequest {
	gr := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	return gr
}

func (g *GeminiProvider) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", g.apiKey)
	return g.baseURL + path + "?" + query.Encode()
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// ListModels returns the models that support generateContent.
func (g *GeminiProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint("/models", nil), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: listing gemini models: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("gemini", resp)
	}

	var list geminiModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding gemini models: %w", err)
	}

	models := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		if !slices.Contains(m.SupportedGenerationMethods, "generateContent") {
			continue
		}
		id := strings.TrimPrefix(m.Name, "models/")
		caps := []Capability{CapabilityChat, CapabilityCompletion}
		if slices.Contains(m.SupportedGenerationMethods, "embedContent") {
			caps = append(caps, CapabilityEmbeddings)
		}
		models = append(models, ModelInfo{
			ID:            id,
			Name:          m.DisplayName,
			Provider:      TypeGemini,
			Description:   m.Description,
			ContextLength: m.InputTokenLimit,
			MaxTokens:     m.OutputTokenLimit,
			Capabilities:  caps,
		})
	}
	return models, nil
}

// GetModel looks id up in the model list.
func (g *GeminiProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	models, err := g.ListModels(ctx)
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

// Complete posts to streamGenerateContent?alt=sse. Every event has the
// same shape; a non-empty finishReason marks the last one.
func (g *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		if g.apiKey == "" {
			e.fail(fmt.Errorf("%w: gemini api key", ErrNotConfigured))
			return
		}

		body, err := json.Marshal(toGeminiRequest(req))
		if err != nil {
			e.fail(fmt.Errorf("marshaling request: %w", err))
			return
		}

		u := g.endpoint("/models/"+req.Model+":streamGenerateContent", url.Values{"alt": {"sse"}})
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			e.fail(fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			e.fail(fmt.Errorf("%w: sending request to gemini: %v", ErrUnreachable, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			e.fail(statusError("gemini", resp))
			return
		}

		_, err = readSSE(resp.Body, func(data string) bool {
			var gr geminiResponse
			if json.Unmarshal([]byte(data), &gr) != nil || len(gr.Candidates) == 0 {
				return true
			}
			cand := gr.Candidates[0]

			var text strings.Builder
			for _, p := range cand.Content.Parts {
				text.WriteString(p.Text)
			}

			if cand.FinishReason == "" {
				return e.content(text.String())
			}

			final := Chunk{Content: text.String()}
			if gr.UsageMetadata != nil {
				final.TokensUsed = gr.UsageMetadata.TotalTokenCount
			}
			e.finish(final)
			return false
		})
		if err != nil {
			e.fail(fmt.Errorf("reading gemini stream: %w", err))
		}
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Validate reports whether a key is configured and /models answers.
func (g *GeminiProvider) Validate(ctx context.Context) bool {
	if g.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := g.ListModels(ctx)
	return err == nil
}

// HealthCheck reports key validity and the model count.
func (g *GeminiProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, g, healthOptions{name: TypeGemini, supportsEmbeddings: true})
}
