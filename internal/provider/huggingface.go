package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultHFInferenceURL = "https://router.huggingface.co/hf-inference/models"
	defaultHFHubURL       = "https://huggingface.co"
	defaultHFMaxNewTokens = 1024
)

// HuggingFaceOptions configures a HuggingFaceProvider.
type HuggingFaceOptions struct {
	APIKey     string
	BaseURL    string // inference endpoint root, model id is appended
	HubURL     string // Hub API root used for model details and whoami
	HTTPClient *http.Client
}

// HuggingFaceProvider calls the hosted Inference API. The API has no
// discovery endpoint, so ListModels returns a curated list.
type HuggingFaceProvider struct {
	apiKey  string
	baseURL string
	hubURL  string
	client  *http.Client
}

// NewHuggingFace creates a HuggingFaceProvider. Empty URLs fall back to the
// public endpoints.
func NewHuggingFace(opts HuggingFaceOptions) *HuggingFaceProvider {
	h := &HuggingFaceProvider{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		hubURL:  strings.TrimRight(opts.HubURL, "/"),
		client:  opts.HTTPClient,
	}
	if h.baseURL == "" {
		h.baseURL = defaultHFInferenceURL
	}
	if h.hubURL == "" {
		h.hubURL = defaultHFHubURL
	}
	if h.client == nil {
		h.client = http.DefaultClient
	}
	return h
}

// Name returns the adapter type.
func (h *HuggingFaceProvider) Name() string { return TypeHuggingFace }

type hfCuratedModel struct {
	id, name, params, description string
}

var hfCuratedModels = []hfCuratedModel{
	{"meta-llama/Llama-2-7b-chat-hf", "Llama 2 7B Chat", "7B", "Meta's Llama 2 7B optimized for chat"},
	{"meta-llama/Llama-2-13b-chat-hf", "Llama 2 13B Chat", "13B", "Meta's Llama 2 13B optimized for chat"},
	{"mistralai/Mistral-7B-Instruct-v0.2", "Mistral 7B Instruct", "7B", "Mistral AI's 7B instruct model"},
	{"tiiuae/falcon-7b-instruct", "Falcon 7B Instruct", "7B", "TII's Falcon 7B instruct model"},
	{"HuggingFaceH4/zephyr-7b-beta", "Zephyr 7B", "7B", "HuggingFace's Zephyr 7B chat model"},
}

func (h *HuggingFaceProvider) curatedInfo(m hfCuratedModel) ModelInfo {
	return ModelInfo{
		ID:           m.id,
		Name:         m.name,
		Provider:     TypeHuggingFace,
		Description:  m.description,
		Parameters:   m.params,
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion},
		Metadata: map[string]any{
			"hub_url":          defaultHFHubURL + "/" + m.id,
			"requires_api_key": true,
		},
	}
}

// ListModels returns the curated model list.
func (h *HuggingFaceProvider) ListModels(context.Context) ([]ModelInfo, error) {
	models := make([]ModelInfo, 0, len(hfCuratedModels))
	for _, m := range hfCuratedModels {
		models = append(models, h.curatedInfo(m))
	}
	return models, nil
}

// GetModel checks the curated list first, then asks the Hub.
func (h *HuggingFaceProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	for _, m := range hfCuratedModels {
		if m.id == id {
			info := h.curatedInfo(m)
			return &info, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.hubURL+"/api/models/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: huggingface hub: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading hub response: %w", err)
	}
	doc := gjson.ParseBytes(raw)

	name := doc.Get("id").String()
	if name == "" {
		name = id
	}
	tags := []string{}
	doc.Get("tags").ForEach(func(_, v gjson.Result) bool {
		tags = append(tags, v.String())
		return true
	})

	return &ModelInfo{
		ID:           id,
		Name:         name,
		Provider:     TypeHuggingFace,
		Description:  doc.Get("description").String(),
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion},
		Metadata: map[string]any{
			"hub_url":          defaultHFHubURL + "/" + id,
			"requires_api_key": true,
			"downloads":        doc.Get("downloads").Int(),
			"likes":            doc.Get("likes").Int(),
			"tags":             tags,
		},
	}, nil
}

// Complete posts a rendered prompt to the inference endpoint. Streaming
// responses carry either TGI token events or a cumulative generated_text;
// a plain JSON body is emitted as one chunk.
func (h *HuggingFaceProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		if h.apiKey == "" {
			e.fail(fmt.Errorf("%w: huggingface api key is required", ErrNotConfigured))
			return
		}

		maxNew := req.MaxTokens
		if maxNew <= 0 {
			maxNew = defaultHFMaxNewTokens
		}
		params := map[string]any{
			"temperature":      req.Temperature,
			"max_new_tokens":   maxNew,
			"return_full_text": false,
			"stream":           true,
		}
		maps.Copy(params, req.Extra)

		body, err := json.Marshal(map[string]any{
			"inputs":     messagesToPrompt(req.Messages),
			"parameters": params,
			"stream":     true,
		})
		if err != nil {
			e.fail(fmt.Errorf("marshaling request: %w", err))
			return
		}

		endpoint := h.baseURL + "/" + req.Model
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			e.fail(fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		h.authorize(httpReq)

		resp, err := h.client.Do(httpReq)
		if err != nil {
			e.fail(fmt.Errorf("%w: sending request to huggingface: %v", ErrUnreachable, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			e.fail(statusError("huggingface", resp))
			return
		}

		if isPlainJSON(resp.Header.Get("Content-Type")) {
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				e.fail(fmt.Errorf("reading huggingface response: %w", err))
				return
			}
			e.finish(Chunk{Content: generatedText(gjson.ParseBytes(raw))})
			return
		}

		var cumulative string
		err = readLines(resp.Body, func(line []byte) bool {
			data := strings.TrimSpace(strings.TrimPrefix(string(line), "data:"))
			if data == "[DONE]" {
				return false
			}
			if !gjson.Valid(data) {
				return true
			}
			ev := gjson.Parse(data)

			if tok := ev.Get("token"); tok.Exists() {
				if tok.Get("special").Bool() {
					return true
				}
				return e.content(tok.Get("text").String())
			}
			if gt := ev.Get("generated_text"); gt.Exists() {
				text := gt.String()
				delta := strings.TrimPrefix(text, cumulative)
				if !strings.HasPrefix(text, cumulative) {
					delta = text
				}
				cumulative = text
				return e.content(delta)
			}
			return true
		})
		if err != nil {
			e.fail(fmt.Errorf("reading huggingface stream: %w", err))
		}
	})
}

// generatedText reads generated_text from either the list or object form.
func generatedText(doc gjson.Result) string {
	if doc.IsArray() {
		return doc.Get("0.generated_text").String()
	}
	if gt := doc.Get("generated_text"); gt.Exists() {
		return gt.String()
	}
	return doc.Get("content").String()
}

func isPlainJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

// messagesToPrompt renders a chat history as a role-prefixed prompt that
// ends with an open assistant turn.
func messagesToPrompt(messages []Message) string {
	parts := make([]string, 0, len(messages)+1)
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			parts = append(parts, "System: "+m.Content)
		case RoleUser:
			parts = append(parts, "User: "+m.Content)
		case RoleAssistant:
			parts = append(parts, "Assistant: "+m.Content)
		}
	}
	parts = append(parts, "Assistant:")
	return strings.Join(parts, "\n\n")
}

func (h *HuggingFaceProvider) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}

// Validate checks the API key against the Hub's whoami endpoint.
func (h *HuggingFaceProvider) Validate(ctx context.Context) bool {
	if h.apiKey == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u, err := url.JoinPath(h.hubURL, "api", "whoami-v2")
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	h.authorize(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HealthCheck reports key validity and the curated model count.
func (h *HuggingFaceProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, h, healthOptions{name: TypeHuggingFace})
}
