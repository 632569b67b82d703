package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// externalAgentID is the synthetic model used when an agent service exposes
// neither /v1/models nor any discoverable /{name}/invoke routes. It maps to
// the service's root paths (/invoke, /stream, ...).
const externalAgentID = "external-agent"

// defaultAgentContextLength is reported for agents that do not say.
const defaultAgentContextLength = 128000

// AgentOptions configures an AgentProvider.
type AgentOptions struct {
	BaseURL string
	APIKey  string

	// Timeout bounds each discovery and detection probe. Zero means 5s.
	Timeout time.Duration

	HTTPClient *http.Client
}

// AgentProvider proxies to an externally hosted agent service. The service
// speaks either the OpenAI chat protocol or the graph (LangServe) protocol;
// which one is detected per model id and cached for the adapter's life.
type AgentProvider struct {
	baseURL      string
	apiKey       string
	probeTimeout time.Duration
	client       *http.Client

	protocols sync.Map // model id -> protocolEntry
	schemas   sync.Map // model id -> decoded input schema
	detect    singleflight.Group
}

// NewAgent creates an AgentProvider.
func NewAgent(opts AgentOptions) *AgentProvider {
	a := &AgentProvider{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		apiKey:       opts.APIKey,
		probeTimeout: opts.Timeout,
		client:       opts.HTTPClient,
	}
	if a.probeTimeout <= 0 {
		a.probeTimeout = 5 * time.Second
	}
	if a.client == nil {
		a.client = http.DefaultClient
	}
	return a
}

// Name returns the adapter type.
func (a *AgentProvider) Name() string { return TypeAgent }

// agentURL builds the graph-protocol URL for model, e.g. base/{model}/invoke.
// The synthetic external agent uses the root paths.
func (a *AgentProvider) agentURL(model, suffix string) string {
	if model == externalAgentID || model == "" {
		return a.baseURL + "/" + suffix
	}
	return a.baseURL + "/" + model + "/" + suffix
}

func (a *AgentProvider) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return req, nil
}

// getJSON fetches url and returns the raw body when the status is 200.
func (a *AgentProvider) getJSON(ctx context.Context, url string) ([]byte, bool) {
	req, err := a.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil || !gjson.ValidBytes(raw) {
		return nil, false
	}
	return raw, true
}

// ---------------------------------------------------------------------------
// Discovery
// ---------------------------------------------------------------------------

// ListModels discovers the agents the service exposes. OpenAI-style
// /v1/models is tried first, then /openapi.json invoke routes. When
// neither yields anything, the synthetic external agent is returned and its
// protocol is left for call-time detection.
func (a *AgentProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if a.baseURL == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	if models := a.discoverOpenAI(ctx); len(models) > 0 {
		return models, nil
	}
	if models := a.discoverGraph(ctx); len(models) > 0 {
		return models, nil
	}

	slog.Debug("agent discovery found nothing, using external agent", "base_url", a.baseURL)
	a.remember(externalAgentID, ProtocolUnknown, false)
	return []ModelInfo{{
		ID:            externalAgentID,
		Name:          "External Agent",
		Provider:      TypeAgent,
		Description:   "Custom agentic system via remote API",
		ContextLength: defaultAgentContextLength,
		Capabilities:  []Capability{CapabilityChat},
	}}, nil
}

func (a *AgentProvider) discoverOpenAI(ctx context.Context) []ModelInfo {
	raw, ok := a.getJSON(ctx, a.baseURL+"/v1/models")
	if !ok {
		return nil
	}

	var models []ModelInfo
	gjson.GetBytes(raw, "data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		name := m.Get("name").String()
		if name == "" {
			name = id
		}
		ctxLen := int(m.Get("context_length").Int())
		if ctxLen == 0 {
			ctxLen = defaultAgentContextLength
		}
		a.remember(id, ProtocolOpenAI, true)
		models = append(models, ModelInfo{
			ID:            id,
			Name:          name,
			Provider:      TypeAgent,
			Description:   "OpenAI-compatible agent: " + name,
			ContextLength: ctxLen,
			Capabilities:  []Capability{CapabilityChat},
			Metadata:      map[string]any{"protocol": string(ProtocolOpenAI)},
		})
		return true
	})
	return models
}

func (a *AgentProvider) discoverGraph(ctx context.Context) []ModelInfo {
	raw, ok := a.getJSON(ctx, a.baseURL+"/openapi.json")
	if !ok {
		return nil
	}

	var ids []string
	gjson.GetBytes(raw, "paths").ForEach(func(key, _ gjson.Result) bool {
		if id, ok := invokePathID(key.String()); ok {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)

	models := make([]ModelInfo, 0, len(ids))
	for _, id := range ids {
		a.remember(id, ProtocolGraph, true)
		models = append(models, ModelInfo{
			ID:            id,
			Name:          titleCase(id),
			Provider:      TypeAgent,
			Description:   "LangServe agent at /" + id,
			ContextLength: defaultAgentContextLength,
			Capabilities:  []Capability{CapabilityChat},
			Metadata:      map[string]any{"protocol": string(ProtocolGraph)},
		})
	}
	return models
}

// invokePathID turns "/my_agent/invoke" into "my_agent". Parameterised
// paths and the bare root "/invoke" are rejected.
func invokePathID(path string) (string, bool) {
	if !strings.HasSuffix(path, "/invoke") || strings.Contains(path, "{") {
		return "", false
	}
	id := strings.TrimPrefix(strings.TrimSuffix(path, "/invoke"), "/")
	return id, id != ""
}

// titleCase renders "research_agent" as "Research Agent".
func titleCase(id string) string {
	words := strings.Fields(strings.ReplaceAll(id, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// GetModel returns the discovered model with the given id.
func (a *AgentProvider) GetModel(ctx context.Context, id string) (*ModelInfo, error) {
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
// Completion
// ---------------------------------------------------------------------------

// Complete detects the protocol for req.Model and streams the reply.
func (a *AgentProvider) Complete(ctx context.Context, req CompletionRequest) <-chan Chunk {
	return startStream(ctx, req, func(e *emitter) {
		if a.baseURL == "" {
			e.fail(fmt.Errorf("%w: agent base url", ErrNotConfigured))
			return
		}

		proto := a.protocolFor(ctx, req.Model)
		slog.Debug("agent completion", "model", req.Model, "protocol", proto)

		if proto == ProtocolOpenAI {
			a.streamOpenAI(ctx, req, e)
			return
		}
		a.streamGraph(ctx, req, e)
	})
}

// Validate reports whether the service root answers without a 5xx.
func (a *AgentProvider) Validate(ctx context.Context) bool {
	if a.baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	req, err := a.newRequest(ctx, http.MethodGet, a.baseURL, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// HealthCheck reports reachability and the discovered agent count.
func (a *AgentProvider) HealthCheck(ctx context.Context) (Health, error) {
	return checkHealth(ctx, a, healthOptions{name: TypeAgent})
}
