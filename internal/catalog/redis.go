package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces catalog keys.
const DefaultRedisPrefix = "llmgateway:catalog:"

// RedisCache stores entries as JSON strings under prefix+id. Keys carry a
// Redis TTL so a shared cache sheds entries for providers nobody asks
// about anymore; freshness itself is still judged from FetchedAt.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps an existing client. A zero ttl stores keys without
// expiry.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) key(id string) string { return r.prefix + id }

func (r *RedisCache) Get(ctx context.Context, id string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", id, err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cached models for %s: %w", id, err)
	}
	return e, true, nil
}

func (r *RedisCache) Set(ctx context.Context, id string, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding models for %s: %w", id, err)
	}
	// Keep the key around a little past the freshness window so a stale
	// entry is still searchable until the next refresh replaces it.
	ttl := r.ttl
	if ttl > 0 {
		ttl *= 2
	}
	if err := r.client.Set(ctx, r.key(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", id, err)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, ids ...string) error {
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = r.key(id)
		}
		return r.client.Del(ctx, keys...).Err()
	}

	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis del: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

var _ Cache = (*RedisCache)(nil)
