// Package catalog caches each provider's model list with a TTL and answers
// cross-provider listing and search over the cached lists.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/registry"
)

// DefaultTTL is how long a provider's model list stays fresh.
const DefaultTTL = 300 * time.Second

// DefaultFetchTimeout bounds one shared ListModels call.
const DefaultFetchTimeout = 30 * time.Second

// Providers is the slice of the registry the catalog reads.
type Providers interface {
	IDs() []string
	Get(id string) (registry.Entry, error)
}

// SearchResult is one match from Search.
type SearchResult struct {
	Provider string             `json:"provider"`
	Model    provider.ModelInfo `json:"model"`
}

// Catalog is the TTL cache in front of every adapter's ListModels.
type Catalog struct {
	providers Providers
	cache     Cache
	ttl       time.Duration
	timeout   time.Duration
	now       func() time.Time

	fetches singleflight.Group
}

// Option customises a Catalog.
type Option func(*Catalog)

// WithCache selects the cache backend. The default is a MemoryCache.
func WithCache(c Cache) Option {
	return func(cat *Catalog) { cat.cache = c }
}

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(cat *Catalog) { cat.ttl = d }
}

// WithFetchTimeout overrides DefaultFetchTimeout. Non-positive values are
// ignored.
func WithFetchTimeout(d time.Duration) Option {
	return func(cat *Catalog) {
		if d > 0 {
			cat.timeout = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(cat *Catalog) { cat.now = now }
}

// New builds a Catalog over providers.
func New(providers Providers, opts ...Option) *Catalog {
	c := &Catalog{
		providers: providers,
		cache:     NewMemoryCache(),
		ttl:       DefaultTTL,
		timeout:   DefaultFetchTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// fresh returns the cached entry for id when it is still within the TTL.
func (c *Catalog) fresh(ctx context.Context, id string) (Entry, bool) {
	e, ok, err := c.cache.Get(ctx, id)
	if err != nil {
		slog.Warn("catalog cache read failed", "provider", id, "error", err)
		return Entry{}, false
	}
	if !ok || c.now().Sub(e.FetchedAt) >= c.ttl {
		return Entry{}, false
	}
	return e, true
}

// fetch calls the adapter and caches a successful result. Concurrent
// fetches for one id share a single ListModels call, which runs detached
// from any one caller and is bounded by the fetch timeout. A caller whose
// ctx ends first gets an empty list while the others keep waiting. A
// failure returns an empty list and leaves whatever was cached untouched.
func (c *Catalog) fetch(ctx context.Context, id string) []provider.ModelInfo {
	shared := context.WithoutCancel(ctx)
	ch := c.fetches.DoChan(id, func() (any, error) {
		fctx, cancel := context.WithTimeout(shared, c.timeout)
		defer cancel()

		entry, err := c.providers.Get(id)
		if err != nil {
			return []provider.ModelInfo(nil), nil
		}

		models, err := entry.Provider.ListModels(fctx)
		if err != nil {
			slog.Warn("listing models failed", "provider", id, "error", err)
			return []provider.ModelInfo(nil), nil
		}

		for i := range models {
			models[i].Provider = id
		}
		if err := c.cache.Set(fctx, id, Entry{Models: models, FetchedAt: c.now()}); err != nil {
			slog.Warn("catalog cache write failed", "provider", id, "error", err)
		}
		return models, nil
	})

	select {
	case r := <-ch:
		return r.Val.([]provider.ModelInfo)
	case <-ctx.Done():
		return nil
	}
}

// ListAll returns every provider's models. Fresh cache entries are served
// as-is; the rest are fetched concurrently. force skips the cache.
func (c *Catalog) ListAll(ctx context.Context, force bool) map[string][]provider.ModelInfo {
	ids := c.providers.IDs()
	out := make(map[string][]provider.ModelInfo, len(ids))

	var stale []string
	for _, id := range ids {
		if !force {
			if e, ok := c.fresh(ctx, id); ok {
				metrics.CatalogLookupsTotal.WithLabelValues("hit").Inc()
				out[id] = e.Models
				continue
			}
		}
		metrics.CatalogLookupsTotal.WithLabelValues("miss").Inc()
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		return out
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(len(stale))
	for _, id := range stale {
		g.Go(func() error {
			models := c.fetch(ctx, id)
			if models == nil {
				models = []provider.ModelInfo{}
			}
			mu.Lock()
			out[id] = models
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

// Models returns one provider's models, fetching when the cache is stale or
// force is set.
func (c *Catalog) Models(ctx context.Context, id string, force bool) ([]provider.ModelInfo, error) {
	if _, err := c.providers.Get(id); err != nil {
		return nil, err
	}
	if !force {
		if e, ok := c.fresh(ctx, id); ok {
			metrics.CatalogLookupsTotal.WithLabelValues("hit").Inc()
			return e.Models, nil
		}
	}
	metrics.CatalogLookupsTotal.WithLabelValues("miss").Inc()

	models := c.fetch(ctx, id)
	if models == nil {
		models = []provider.ModelInfo{}
	}
	return models, nil
}

// Model returns details for one model. The cached list answers first; the
// adapter's GetModel is asked when the id is not there. A nil result with a
// nil error means the provider does not know the model.
func (c *Catalog) Model(ctx context.Context, providerID, modelID string) (*provider.ModelInfo, error) {
	entry, err := c.providers.Get(providerID)
	if err != nil {
		return nil, err
	}

	if e, ok, _ := c.cache.Get(ctx, providerID); ok {
		for _, m := range e.Models {
			if m.ID == modelID {
				return &m, nil
			}
		}
	}

	info, err := entry.Provider.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("getting model %s from %s: %w", modelID, providerID, err)
	}
	if info != nil {
		info.Provider = providerID
	}
	return info, nil
}

// Search matches query case-insensitively against the id, name and
// description of every cached model, stale or not. It never fetches.
func (c *Catalog) Search(ctx context.Context, query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}

	var results []SearchResult
	for _, id := range c.providers.IDs() {
		e, ok, err := c.cache.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		for _, m := range e.Models {
			if strings.Contains(strings.ToLower(m.ID), q) ||
				strings.Contains(strings.ToLower(m.Name), q) ||
				strings.Contains(strings.ToLower(m.Description), q) {
				results = append(results, SearchResult{Provider: id, Model: m})
			}
		}
	}
	return results
}

// Clear drops the cached lists for ids, or all of them when none are given.
func (c *Catalog) Clear(ctx context.Context, ids ...string) {
	if err := c.cache.Delete(ctx, ids...); err != nil {
		slog.Warn("clearing catalog cache failed", "error", err)
	}
}
