package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/updraft-io/updraft/core/infra/logging"
	"github.com/updraft-io/updraft/core/infra/redisutil"
)

// Cache is a read-through byte cache with explicit invalidation. Catalog
// fetches are memoized through it so repeated reads within the TTL hit redis
// instead of the content host.
type Cache interface {
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) ([]byte, error)) ([]byte, error)
	Invalidate(ctx context.Context, keys ...string) error
}

const cacheKeyPrefix = "catalog:"

// RedisCache implements Cache on a redis client.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache builds a cache from a redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	client, err := redisutil.NewClient(redisURL)
	if err != nil {
		return nil, fmt.Errorf("catalog cache: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client, mostly for tests.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// GetOrFetch returns the cached payload for key, running fetch and storing
// the result on a miss. A redis read error degrades to a direct fetch rather
// than failing the caller.
func (c *RedisCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("catalog cache is nil")
	}
	if key == "" {
		return nil, errors.New("cache key is empty")
	}
	full := cacheKeyPrefix + key
	cached, err := c.client.Get(ctx, full).Bytes()
	if err == nil && len(cached) > 0 {
		return cached, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.Error("catalog", "cache read failed", "key", key, "error", err)
	}
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if setErr := c.client.Set(ctx, full, payload, ttl).Err(); setErr != nil {
		logging.Error("catalog", "cache write failed", "key", key, "error", setErr)
	}
	return payload, nil
}

// Invalidate drops cached payloads for the given keys.
func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) error {
	if c == nil || c.client == nil {
		return errors.New("catalog cache is nil")
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = cacheKeyPrefix + key
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("invalidate catalog cache: %w", err)
	}
	return nil
}

// NoopCache fetches every time and never stores. Useful when redis is not
// configured and in tests that want fetch counts.
type NoopCache struct{}

func (NoopCache) GetOrFetch(ctx context.Context, _ string, _ time.Duration, fetch func(context.Context) ([]byte, error)) ([]byte, error) {
	return fetch(ctx)
}

func (NoopCache) Invalidate(context.Context, ...string) error { return nil }
