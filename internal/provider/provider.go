// Package provider defines the Provider contract and the backend adapters.
//
// Every backend (Ollama, HuggingFace, an OpenAI-compatible API, Anthropic,
// Gemini, or an externally hosted agent) implements the Provider interface.
// The rest of the gateway works with these unified types, so it never
// needs to know which backend is actually handling a request.
package provider

import (
	"context"
	"errors"
)

// Provider is the capability contract every backend adapter satisfies.
//
// Implementations must be safe for concurrent use: the registry hands the
// same adapter to every turn and health probe that targets its provider id.
type Provider interface {
	// Name returns the adapter type, e.g. "ollama" or "agent".
	Name() string

	// ListModels calls the backend's discovery endpoint (or returns a
	// curated list when the backend has none).
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// GetModel returns details for one model, or nil, nil when the backend
	// does not know the id.
	GetModel(ctx context.Context, id string) (*ModelInfo, error)

	// Complete starts a completion and returns a channel of chunks.
	//
	// Complete never fails up front. Errors are delivered as the final
	// chunk (Done=true, Err set), so whatever partial text was streamed
	// before the failure still reaches the caller. The channel is closed
	// after exactly one Done chunk.
	//
	// With req.Stream=false the channel carries a single aggregate chunk
	// built by Collect.
	Complete(ctx context.Context, req CompletionRequest) <-chan Chunk

	// Validate reports whether the backend is reachable and configured.
	Validate(ctx context.Context) bool

	// HealthCheck combines Validate and ListModels into one status report.
	HealthCheck(ctx context.Context) (Health, error)
}

// Sentinel errors carried on terminal chunks. Callers match them with
// errors.Is; adapters wrap them with the backend-specific detail.
var (
	// ErrUnreachable means the backend could not be reached or returned a
	// non-success status.
	ErrUnreachable = errors.New("provider unreachable")

	// ErrProtocolMismatch means the agent endpoint answered in a shape that
	// does not match the protocol detection picked for it.
	ErrProtocolMismatch = errors.New("agent protocol mismatch")

	// ErrNotConfigured means a required setting (base URL, API key) is missing.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrSchemaNotFound means no configuration schema could be discovered.
	ErrSchemaNotFound = errors.New("configuration schema not found")
)

// ---------------------------------------------------------------------------
// Unified types
// ---------------------------------------------------------------------------

// Role values used in Message.Role.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in the conversation, in the role + content
// shape OpenAI popularised. Adapters translate it to whatever their backend
// expects (Gemini "parts", Anthropic top-level system, HF prompt text).
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// Capability is one thing a model can do.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityCompletion Capability = "completion"
	CapabilityEmbeddings Capability = "embeddings"
)

// ModelInfo is an immutable snapshot of one model as reported by its
// adapter. The catalog caches these and replaces them wholesale on expiry.
type ModelInfo struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Provider      string         `json:"provider"`
	Description   string         `json:"description,omitempty"`
	ContextLength int            `json:"context_length,omitempty"` // 0 = unknown
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Parameters    string         `json:"parameters,omitempty"`   // e.g. "7B", "70B"
	Quantization  string         `json:"quantization,omitempty"` // e.g. "Q4_K_M"
	Size          string         `json:"size,omitempty"`         // e.g. "4.1GB"
	Capabilities  []Capability   `json:"capabilities"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// CompletionRequest is what the orchestrator hands to an adapter.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int // 0 = backend default

	// Extra carries provider-specific pass-through parameters. Adapters
	// merge them into the backend's options object.
	Extra map[string]any
}

// Chunk is one incremental unit of a response. Chunks only live on the
// channel between an adapter and its consumer.
type Chunk struct {
	Content    string
	Done       bool
	Model      string
	TokensUsed int // 0 when the backend does not report usage
	Metadata   map[string]any

	// Err marks a failed stream. A chunk with Err set is always the last
	// one and always has Done=true.
	Err error
}

// Health is the per-provider status snapshot returned by HealthCheck.
type Health struct {
	Provider           string `json:"provider"`
	Status             string `json:"status"` // "healthy", "unhealthy" or "error"
	Available          bool   `json:"available"`
	ModelCount         int    `json:"models_count"`
	SupportsStreaming  bool   `json:"supports_streaming"`
	SupportsEmbeddings bool   `json:"supports_embeddings"`
	DefaultModel       string `json:"default_model,omitempty"`
	Error              string `json:"error,omitempty"`
}

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusError     = "error"
)
