package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// Entry is one provider's cached model list.
type Entry struct {
	Models    []provider.ModelInfo `json:"models"`
	FetchedAt time.Time            `json:"fetched_at"`
}

// Cache stores one Entry per provider id. Implementations must be safe for
// concurrent use; writes for different ids must not serialize each other.
type Cache interface {
	Get(ctx context.Context, id string) (Entry, bool, error)
	Set(ctx context.Context, id string, e Entry) error
	// Delete removes the given ids, or every entry when none are given.
	Delete(ctx context.Context, ids ...string) error
}

// MemoryCache is the in-process Cache backed by a sync.Map.
type MemoryCache struct {
	entries sync.Map // id -> Entry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Get(_ context.Context, id string) (Entry, bool, error) {
	v, ok := m.entries.Load(id)
	if !ok {
		return Entry{}, false, nil
	}
	return v.(Entry), true, nil
}

func (m *MemoryCache) Set(_ context.Context, id string, e Entry) error {
	m.entries.Store(id, e)
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		m.entries.Clear()
		return nil
	}
	for _, id := range ids {
		m.entries.Delete(id)
	}
	return nil
}

var _ Cache = (*MemoryCache)(nil)
