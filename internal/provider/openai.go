package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures an OpenAIProvider. BaseURL may point at any
// OpenAI-compatible server (vLLM, LM Studio, a proxy).
type OpenAIOptions struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
}

// OpenAIProvider adapts an OpenAI-compatible API through the official SDK.
// The SDK client is built on first use.
type OpenAIProvider struct {
	opts OpenAIOptions

	once   sync.Once
	client openai.Client
}

// NewOpenAI creates an OpenAIProvider.
func NewOpenAI(opts OpenAIOptions) *OpenAIProvider {
	return &OpenAIProvider{opts: opts}
}

// Name returns the adapter type.
func (o *OpenAIProvider) Name() string { return TypeOpenAI }

func (o *OpenAIProvider) sdk() *openai.Client {
	o.once.Do(func() {
		var reqOpts []option.RequestOption
		if o.opts.APIKey != "" {
			reqOpts = append(reqOpts, option.WithAPIKey(o.opts.APIKey))
		}
		if o.opts.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(o.opts.BaseURL))
		}
		if o.opts.HTTPClient != nil {
			reqOpts = append(reqOpts, option.WithHTTPClient(o.opts.HTTPClient))
		}
		reqOpts = append(reqOpts, option.WithMaxRetries(1))
		o.client = openai.NewClient(reqOpts...)
	})
	return &o.client
}

func (o *OpenAIProvider) toModelInfo(m openai.Model) ModelInfo {
	return ModelInfo{
		ID:           m.ID,
		Name:         m.ID,
		Provider:     TypeOpenAI,
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion},
		Metadata: map[string]any{
			"owned_by": m.OwnedBy,
			"created":  m.Created,
		},
	}
}

// ListModels lists the server's models. When listing fails and a default
// model is configured, that model is returned on its own so the provider
// stays usable against servers without /models.
func (o *OpenAIProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := o.sdk().Models.List(ctx)
	if err != nil {
		if o.opts.DefaultModel != "" {
			return []ModelInfo{o.defaultModelInfo()}, nil
		}
		return nil, fmt.Errorf("%w: listing openai models: %v", ErrUnreachable, err)
	}

	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, o.toModelInfo(m))
	}
	return models, nil
}

func (o *OpenAIProvider) defaultModelInfo() ModelInfo {
	return ModelInfo{
		ID:           o.opts.DefaultModel,
		Name:         o.opts.DefaultModel,
		Provider:     TypeOpenAI,
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion},
		Metadata:     map[string]any{"configured_default": true},
	}
}

// GetModel retrieves one model. A lookup failure is treated as unknown.
func (o *OpenAIProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	m, err := o.sdk().Models.Get(ctx, id)
	if err != nil {
		if id == o.opts.DefaultModel {
			info := o.defaultModelInfo()
			return &info, nil
		}
		return nil, nil
	}
	info := o.toModelInfo(*m)
	return &info, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// Complete streams a chat completion through the SDK.
func (o *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		model := req.Model
		if model == "" {
			model = o.opts.DefaultModel
		}

		params := openai.ChatCompletionNewParams{
			Model:       openai.ChatModel(model),
			Messages:    toOpenAIMessages(req.Messages),
			Temperature: openai.Float(req.Temperature),
		}
		if req.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}

		var reqOpts []option.RequestOption
		for k, v := range req.Extra {
			reqOpts = append(reqOpts, option.WithJSONSet(k, v))
		}

		stream := o.sdk().Chat.Completions.NewStreaming(ctx, params, reqOpts...)
		defer stream.Close()

		var tokens int
		for stream.Next() {
			evt := stream.Current()
			if evt.Usage.TotalTokens > 0 {
				tokens = int(evt.Usage.TotalTokens)
			}
			if len(evt.Choices) == 0 || evt.Choices[0].Delta.Content == "" {
				continue
			}
			if !e.send(Chunk{Content: evt.Choices[0].Delta.Content, Model: evt.Model}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			e.fail(fmt.Errorf("%w: openai stream: %v", ErrUnreachable, err))
			return
		}
		e.finish(Chunk{TokensUsed: tokens})
	})
}

// Validate lists models with a short timeout. With only a default model
// configured, a configured key is enough.
func (o *OpenAIProvider) Validate(ctx context.Context) bool {
	if o.opts.APIKey == "" && o.opts.BaseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := o.sdk().Models.List(ctx); err != nil {
		return o.opts.DefaultModel != "" && strings.TrimSpace(o.opts.APIKey) != ""
	}
	return true
}

// HealthCheck reports reachability and the listed model count.
func (o *OpenAIProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, o, healthOptions{
		name:               TypeOpenAI,
		defaultModel:       o.opts.DefaultModel,
		supportsEmbeddings: true,
	})
}
