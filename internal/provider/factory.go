package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Config is one configured provider: an id chosen by the operator, the
// adapter type, and the adapter's own settings (base_url, api_key, ...).
type Config struct {
	ID      string
	Type    string
	Enabled bool
	Config  map[string]any
}

// Adapter type names accepted by New.
const (
	TypeOllama      = "ollama"
	TypeHuggingFace = "huggingface"
	TypeOpenAI      = "openai"
	TypeAgent       = "agent"
	TypeAnthropic   = "anthropic"
	TypeGemini      = "gemini"
)

// ErrUnknownType is returned by New for a type it cannot build.
var ErrUnknownType = errors.New("unknown provider type")

// New builds the adapter for cfg. client is shared by every adapter; pass
// nil to get a client with the default timeout.
func New(cfg Config, client *http.Client) (Provider, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	s := settings(cfg.Config)

	switch strings.ToLower(cfg.Type) {
	case TypeOllama:
		return NewOllama(s.str("base_url", "http://localhost:11434"), client), nil
	case TypeHuggingFace:
		return NewHuggingFace(HuggingFaceOptions{
			APIKey:     s.str("api_key", ""),
			BaseURL:    s.str("base_url", ""),
			HubURL:     s.str("hub_url", ""),
			HTTPClient: client,
		}), nil
	case TypeOpenAI:
		return NewOpenAI(OpenAIOptions{
			APIKey:       s.str("api_key", ""),
			BaseURL:      s.str("base_url", ""),
			DefaultModel: s.str("default_model", ""),
			HTTPClient:   client,
		}), nil
	case TypeAgent:
		return NewAgent(AgentOptions{
			BaseURL:    s.str("base_url", ""),
			APIKey:     s.str("api_key", ""),
			Timeout:    s.duration("timeout", 0),
			HTTPClient: client,
		}), nil
	case TypeAnthropic:
		return NewAnthropic(
			s.str("api_key", ""),
			s.str("base_url", "https://api.anthropic.com/v1"),
			s.strings("models"),
			client,
		), nil
	case TypeGemini:
		return NewGemini(
			s.str("api_key", ""),
			s.str("base_url", "https://generativelanguage.googleapis.com/v1beta"),
			client,
		), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, cfg.Type)
	}
}

// DefaultModel returns the configured default_model of cfg, if any.
func DefaultModel(cfg Config) string {
	return settings(cfg.Config).str("default_model", "")
}

// settings reads typed values out of a provider's free-form config map.
// YAML and env layering can produce strings where numbers are expected,
// so every accessor accepts both.
type settings map[string]any

func (s settings) str(key, def string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return def
	}
	str := strings.TrimSpace(fmt.Sprint(v))
	if str == "" {
		return def
	}
	return str
}

func (s settings) duration(key string, def time.Duration) time.Duration {
	switch v := s[key].(type) {
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func (s settings) strings(key string) []string {
	switch v := s[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
