// Package registry keeps the live set of provider adapters keyed by id.
//
// The whole map is published as one immutable snapshot, so a reader either
// sees the providers before a reload or the providers after it, never a
// half-built mix.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ErrProviderNotFound is returned by Get for an id with no live adapter.
var ErrProviderNotFound = errors.New("provider not found")

// DefaultHealthTimeout bounds a single adapter's HealthCheck.
const DefaultHealthTimeout = 15 * time.Second

// Entry pairs a live adapter with the config it was built from.
type Entry struct {
	Provider provider.Provider
	Config   provider.Config
}

// Factory builds an adapter from its config. provider.New is the default.
type Factory func(cfg provider.Config) (provider.Provider, error)

// Registry maps provider id to Entry.
type Registry struct {
	snapshot atomic.Pointer[map[string]Entry]
	factory  Factory

	healthTimeout time.Duration

	mu        sync.Mutex
	listeners []func()
}

// Option customises a Registry.
type Option func(*Registry)

// WithFactory replaces the adapter constructor.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithHTTPClient builds adapters with the given client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		r.factory = func(cfg provider.Config) (provider.Provider, error) {
			return provider.New(cfg, client)
		}
	}
}

// WithHealthTimeout sets the per-adapter health check deadline.
func WithHealthTimeout(d time.Duration) Option {
	return func(r *Registry) { r.healthTimeout = d }
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		healthTimeout: DefaultHealthTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.factory == nil {
		r.factory = func(cfg provider.Config) (provider.Provider, error) {
			return provider.New(cfg, nil)
		}
	}
	empty := map[string]Entry{}
	r.snapshot.Store(&empty)
	return r
}

// Reinitialize builds a fresh adapter for every usable config and publishes
// the result as the new snapshot. Disabled configs, configs without an id
// and unknown types are skipped with a warning. It returns the number of
// providers now live.
func (r *Registry) Reinitialize(configs []provider.Config) int {
	next := make(map[string]Entry, len(configs))

	for _, cfg := range configs {
		if !cfg.Enabled {
			slog.Debug("skipping disabled provider", "id", cfg.ID, "type", cfg.Type)
			continue
		}
		if strings.TrimSpace(cfg.ID) == "" {
			slog.Warn("skipping provider without id", "type", cfg.Type)
			continue
		}
		if _, dup := next[cfg.ID]; dup {
			slog.Warn("duplicate provider id, keeping the first", "id", cfg.ID)
			continue
		}

		p, err := r.factory(cfg)
		if err != nil {
			slog.Warn("skipping provider", "id", cfg.ID, "type", cfg.Type, "error", err)
			continue
		}
		next[cfg.ID] = Entry{Provider: p, Config: cfg}
		slog.Info("provider initialized", "id", cfg.ID, "type", cfg.Type)
	}

	r.Replace(next)
	return len(next)
}

// Replace publishes a prebuilt map and notifies listeners. The registry
// takes ownership of entries; callers must not modify it afterwards.
func (r *Registry) Replace(entries map[string]Entry) {
	if entries == nil {
		entries = map[string]Entry{}
	}
	r.snapshot.Store(&entries)

	r.mu.Lock()
	listeners := slices.Clone(r.listeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Subscribe registers fn to run after every published snapshot.
func (r *Registry) Subscribe(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (Entry, error) {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return e, nil
}

// IDs returns the live provider ids in sorted order.
func (r *Registry) IDs() []string {
	snap := *r.snapshot.Load()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Entries returns a copy of the current snapshot.
func (r *Registry) Entries() map[string]Entry {
	snap := *r.snapshot.Load()
	out := make(map[string]Entry, len(snap))
	for id, e := range snap {
		out[id] = e
	}
	return out
}

// HealthCheckAll runs every adapter's HealthCheck concurrently, one worker
// per provider. A failing or panicking adapter gets an error entry; the
// other results are unaffected.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]provider.Health {
	snap := *r.snapshot.Load()

	var (
		mu  sync.Mutex
		out = make(map[string]provider.Health, len(snap))
	)

	var g errgroup.Group
	g.SetLimit(max(len(snap), 1))

	for id, e := range snap {
		g.Go(func() error {
			h := r.checkOne(ctx, id, e.Provider)
			if h.Available {
				metrics.ProviderHealthy.WithLabelValues(id).Set(1)
			} else {
				metrics.ProviderHealthy.WithLabelValues(id).Set(0)
			}

			mu.Lock()
			out[id] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (r *Registry) checkOne(ctx context.Context, id string, p provider.Provider) (h provider.Health) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("health check panicked", "provider", id, "panic", rec)
			h = errorHealth(id, fmt.Errorf("panic: %v", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()

	h, err := p.HealthCheck(ctx)
	if err != nil {
		slog.Warn("health check failed", "provider", id, "error", err)
		return errorHealth(id, err)
	}
	h.Provider = id
	return h
}

func errorHealth(id string, err error) provider.Health {
	return provider.Health{
		Provider:  id,
		Status:    provider.StatusError,
		Available: false,
		Error:     err.Error(),
	}
}
