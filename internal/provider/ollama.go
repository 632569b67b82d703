package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama runner over its REST API.
//
// Endpoints used:
//   - GET  /api/tags  model discovery
//   - POST /api/show  model details (context length)
//   - POST /api/chat  NDJSON streaming chat
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

// NewOllama creates an OllamaProvider for the runner at baseURL.
func NewOllama(baseURL string, client *http.Client) *OllamaProvider {
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the adapter type.
func (o *OllamaProvider) Name() string { return TypeOllama }

// --- Ollama API types ---

type ollamaTagsResponse struct {
	Models []ollamaModel `json:"models"`
}

type ollamaModel struct {
	Name       string        `json:"name"`
	Model      string        `json:"model"`
	Size       int64         `json:"size"`
	Digest     string        `json:"digest"`
	ModifiedAt string        `json:"modified_at"`
	Details    ollamaDetails `json:"details"`
}

type ollamaDetails struct {
	Family            string `json:"family"`
	Format            string `json:"format"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

type ollamaShowResponse struct {
	Details   ollamaDetails  `json:"details"`
	ModelInfo map[string]any `json:"model_info"`
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatLine is one NDJSON line of a /api/chat stream.
type ollamaChatLine struct {
	Model   string `json:"model"`
	Message *struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
	Error     string `json:"error"`
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// ListModels maps every entry of /api/tags onto a ModelInfo.
func (o *OllamaProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: listing ollama models: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding ollama tags: %w", err)
	}

	models := make([]ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, o.toModelInfo(m))
	}
	return models, nil
}

func (o *OllamaProvider) toModelInfo(m ollamaModel) ModelInfo {
	params := m.Details.ParameterSize
	if params == "" {
		params = parseParameterCount(m.Name)
	}
	quant := m.Details.QuantizationLevel
	if quant == "" {
		quant = parseQuantization(m.Name)
	}

	info := ModelInfo{
		ID:           m.Name,
		Name:         m.Name,
		Provider:     TypeOllama,
		Parameters:   params,
		Quantization: quant,
		Size:         humanSize(m.Size),
		Capabilities: []Capability{CapabilityChat, CapabilityCompletion},
		Metadata: map[string]any{
			"family":      m.Details.Family,
			"format":      m.Details.Format,
			"digest":      m.Digest,
			"modified_at": m.ModifiedAt,
		},
	}
	if m.Details.Family != "" {
		info.Description = fmt.Sprintf("%s model", m.Details.Family)
	}
	return info
}

// GetModel finds id in /api/tags and enriches it with the context length
// reported by /api/show.
func (o *OllamaProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
	models, err := o.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	var found *ModelInfo
	for i := range models {
		if models[i].ID == id {
			found = &models[i]
			break
		}
	}
	if found == nil {
		return nil, nil
	}

	show, err := o.show(ctx, id)
	if err != nil {
		// Listing succeeded, so the details are still useful without it.
		return found, nil
	}
	for key, v := range show.ModelInfo {
		if !strings.HasSuffix(key, ".context_length") {
			continue
		}
		if n, ok := v.(float64); ok {
			found.ContextLength = int(n)
		}
	}
	return found, nil
}

func (o *OllamaProvider) show(ctx context.Context, id string) (*ollamaShowResponse, error) {
	body, err := json.Marshal(map[string]string{"model": id})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/show", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ollama", resp)
	}

	var show ollamaShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&show); err != nil {
		return nil, err
	}
	return &show, nil
}

// ---------------------------------------------------------------------------
// Completion
// ---------------------------------------------------------------------------

// Complete streams /api/chat. Lines that do not decode are skipped.
func (o *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		opts := map[string]any{"temperature": req.Temperature}
		if req.MaxTokens > 0 {
			opts["num_predict"] = req.MaxTokens
		}
		maps.Copy(opts, req.Extra)

		body, err := json.Marshal(ollamaChatRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Stream:   true,
			Options:  opts,
		})
		if err != nil {
			e.fail(fmt.Errorf("marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			e.fail(fmt.Errorf("creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(httpReq)
		if err != nil {
			e.fail(fmt.Errorf("%w: sending request to ollama: %v", ErrUnreachable, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			e.fail(statusError("ollama", resp))
			return
		}

		err = readLines(resp.Body, func(line []byte) bool {
			var l ollamaChatLine
			if json.Unmarshal(line, &l) != nil {
				return true
			}
			if l.Error != "" {
				e.fail(fmt.Errorf("ollama: %s", l.Error))
				return false
			}
			var text string
			if l.Message != nil {
				text = l.Message.Content
			}
			if l.Done {
				e.finish(Chunk{Content: text, Model: l.Model, TokensUsed: l.EvalCount})
				return false
			}
			return e.send(Chunk{Content: text, Model: l.Model})
		})
		if err != nil {
			e.fail(fmt.Errorf("reading ollama stream: %w", err))
		}
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Validate checks that /api/tags answers.
func (o *OllamaProvider) Validate(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HealthCheck reports reachability and the installed model count.
func (o *OllamaProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, o, healthOptions{name: TypeOllama})
}

// ---------------------------------------------------------------------------
// Name parsing
// ---------------------------------------------------------------------------

var (
	// "llama3:7b", "qwen2.5:1.5b-instruct", "mixtral-8x7B"
	paramCountRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)b\b`)
	// "llama3:8b-instruct-q4_K_M", "mistral:7b-q8_0"
	quantRe = regexp.MustCompile(`(?i)\b(q\d+(?:_[a-z0-9]+)*|f16|fp16)\b`)
)

// parseParameterCount is a best-effort guess at the parameter count from a
// model name. It returns "" when nothing looks like one.
func parseParameterCount(name string) string {
	m := paramCountRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1] + "B")
}

// parseQuantization pulls a quantization tag out of a model name.
func parseQuantization(name string) string {
	m := quantRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// humanSize formats a byte count as "4.1GB" (or MB below one gigabyte).
func humanSize(n int64) string {
	const (
		mb = 1 << 20
		gb = 1 << 30
	)
	switch {
	case n <= 0:
		return ""
	case n >= gb:
		return fmt.Sprintf("%.1fGB", float64(n)/gb)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/mb)
	}
}
