// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// EnvPrefix marks environment variables that override config keys:
// LLMGATEWAY_SERVER_PORT -> server.port.
const EnvPrefix = "LLMGATEWAY_"

// Config is the top-level configuration for the gateway.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Catalog   CatalogConfig    `koanf:"catalog"`
	Chat      ChatConfig       `koanf:"chat"`
	Store     StoreConfig      `koanf:"store"`
	Providers []ProviderConfig `koanf:"providers"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// CatalogConfig selects the model cache backend.
type CatalogConfig struct {
	TTL          time.Duration `koanf:"ttl"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
	Backend      string        `koanf:"backend"` // "memory" or "redis"
	Redis        RedisConfig   `koanf:"redis"`
}

// RedisConfig is used when Catalog.Backend is "redis".
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

// ChatConfig tunes the orchestrator and the realtime bridge.
type ChatConfig struct {
	HistoryLimit       int           `koanf:"history_limit"`
	MemoryLimit        int           `koanf:"memory_limit"`
	FollowUps          bool          `koanf:"followups"`
	MemoryExtraction   bool          `koanf:"memory_extraction"`
	FollowUpTimeout    time.Duration `koanf:"followup_timeout"`
	FinalFlushTimeout  time.Duration `koanf:"final_flush_timeout"`
	MaxConcurrentTurns int64         `koanf:"max_concurrent_turns"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ProviderConfig is one entry of the providers list. Enabled defaults to
// true when omitted.
type ProviderConfig struct {
	ID      string         `koanf:"id"`
	Type    string         `koanf:"type"`
	Enabled *bool          `koanf:"enabled"`
	Config  map[string]any `koanf:"config"`
}

// defaults are applied for keys neither the file nor the environment set.
var defaults = map[string]any{
	"server.port":               8080,
	"server.read_timeout":       "30s",
	"server.write_timeout":      "0s",
	"catalog.ttl":               "300s",
	"catalog.fetch_timeout":     "30s",
	"catalog.backend":           "memory",
	"catalog.redis.addr":        "localhost:6379",
	"catalog.redis.prefix":      "llmgateway:catalog:",
	"chat.history_limit":        50,
	"chat.memory_limit":         5,
	"chat.followups":            true,
	"chat.memory_extraction":    true,
	"chat.followup_timeout":     "20s",
	"chat.final_flush_timeout":  "5s",
	"chat.max_concurrent_turns": 32,
	"store.path":                "llmgateway.db",
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, fills defaults, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// A missing .env is fine; it only seeds the process environment.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// LLMGATEWAY_CATALOG_REDIS_ADDR -> catalog.redis.addr. Keys that
	// contain underscores themselves (history_limit) can only be set from
	// the file.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, EnvPrefix)),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, val); err != nil {
				return nil, fmt.Errorf("setting default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	for i := range cfg.Providers {
		cfg.Providers[i].Config = expandMap(cfg.Providers[i].Config)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Catalog.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("catalog.backend must be memory or redis, got %q", c.Catalog.Backend)
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if p.ID != "" && seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ProviderConfigs converts the providers list for the registry.
func (c *Config) ProviderConfigs() []provider.Config {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		enabled := p.Enabled == nil || *p.Enabled
		out = append(out, provider.Config{
			ID:      p.ID,
			Type:    p.Type,
			Enabled: enabled,
			Config:  p.Config,
		})
	}
	return out
}

// placeholderRe matches ${VAR_NAME}.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandMap resolves ${VAR} placeholders in every string value, including
// nested maps and lists. koanf does not do this itself.
func expandMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = expandValue(v)
	}
	return out
}

func expandValue(v any) any {
	switch t := v.(type) {
	case string:
		return placeholderRe.ReplaceAllStringFunc(t, func(ph string) string {
			return os.Getenv(ph[2 : len(ph)-1])
		})
	case map[string]any:
		return expandMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = expandValue(item)
		}
		return out
	default:
		return v
	}
}

// WatchProviders reloads the file whenever it changes and hands the new
// provider list to fn. Reload errors are logged and the previous providers
// stay in place. Call the returned function to stop watching.
func WatchProviders(path string, fn func([]provider.Config)) (func(), error) {
	f := file.Provider(path)
	err := f.Watch(func(_ any, err error) {
		if err != nil {
			slog.Warn("config watch error", "path", path, "error", err)
			return
		}
		cfg, err := Load(path)
		if err != nil {
			slog.Warn("config reload failed, keeping current providers", "path", path, "error", err)
			return
		}
		slog.Info("config changed, reloading providers", "path", path, "count", len(cfg.Providers))
		fn(cfg.ProviderConfigs())
	})
	if err != nil {
		return nil, fmt.Errorf("watching %s: %w", path, err)
	}
	return func() { _ = f.Unwatch() }, nil
}
