package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/updraft-io/updraft/core/infra/redisutil"
)

const defaultTTL = 30 * time.Second

// RedisStore implements Store with an exclusive single-owner lock per key.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string) (*RedisStore, error) {
	client, err := redisutil.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire takes the lock when it is free or already held by owner.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)
	now := time.Now().UTC()
	payload, err := encodeLock(resource, owner, now, now.Add(ttl))
	if err != nil {
		return nil, false, err
	}
	res, err := s.client.Eval(ctx, acquireScript, []string{lockKey(resource)},
		owner,
		payload,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	got, _ := res.(string)
	if got == "" {
		return nil, false, nil
	}
	lock, err := parseLock(got, resource)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// Release frees the lock if owner holds it.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	res, err := s.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, owner).Result()
	if err != nil {
		return false, err
	}
	released, _ := res.(int64)
	return released == 1, nil
}

// Renew extends the lock TTL if owner holds it.
func (s *RedisStore) Renew(ctx context.Context, resource, owner string, ttl time.Duration) (*Lock, bool, error) {
	if s == nil || s.client == nil {
		return nil, false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return nil, false, fmt.Errorf("resource and owner required")
	}
	ttl = normalizeTTL(ttl)
	now := time.Now().UTC()
	payload, err := encodeLock(resource, owner, now, now.Add(ttl))
	if err != nil {
		return nil, false, err
	}
	res, err := s.client.Eval(ctx, renewScript, []string{lockKey(resource)},
		owner,
		payload,
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, false, err
	}
	got, _ := res.(string)
	if got == "" {
		return nil, false, nil
	}
	lock, err := parseLock(got, resource)
	if err != nil {
		return nil, false, err
	}
	return lock, true, nil
}

// Get returns the current lock state.
func (s *RedisStore) Get(ctx context.Context, resource string) (*Lock, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" {
		return nil, fmt.Errorf("resource required")
	}
	payload, err := s.client.Get(ctx, lockKey(resource)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return parseLock(payload, resource)
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return defaultTTL
	}
	return ttl
}

type lockPayload struct {
	Owner     string `json:"owner"`
	UpdatedAt int64  `json:"updated_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func encodeLock(resource, owner string, updated, expires time.Time) (string, error) {
	data, err := json.Marshal(lockPayload{
		Owner:     owner,
		UpdatedAt: updated.Unix(),
		ExpiresAt: expires.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode lock %s: %w", resource, err)
	}
	return string(data), nil
}

func parseLock(payload, resource string) (*Lock, error) {
	var decoded lockPayload
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	lock := &Lock{
		Resource: resource,
		Owner:    decoded.Owner,
	}
	if decoded.UpdatedAt > 0 {
		lock.UpdatedAt = time.Unix(decoded.UpdatedAt, 0).UTC()
	}
	if decoded.ExpiresAt > 0 {
		lock.ExpiresAt = time.Unix(decoded.ExpiresAt, 0).UTC()
	}
	return lock, nil
}

func lockKey(resource string) string {
	return "lock:" + resource
}

// acquire succeeds when the key is absent or already owned by the caller.
const acquireScript = `
local key = KEYS[1]
local owner = ARGV[1]
local encoded = ARGV[2]
local ttl = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
local lock = cjson.decode(payload)
if lock["owner"] == owner then
  redis.call("SET", key, encoded, "PX", ttl)
  return encoded
end
return ""
`

const releaseScript = `
local key = KEYS[1]
local owner = ARGV[1]
local payload = redis.call("GET", key)
if not payload then
  return 0
end
local lock = cjson.decode(payload)
if lock["owner"] ~= owner then
  return 0
end
redis.call("DEL", key)
return 1
`

const renewScript = `
local key = KEYS[1]
local owner = ARGV[1]
local encoded = ARGV[2]
local ttl = tonumber(ARGV[3])
local payload = redis.call("GET", key)
if not payload then
  return ""
end
local lock = cjson.decode(payload)
if lock["owner"] ~= owner then
  return ""
end
redis.call("SET", key, encoded, "PX", ttl)
return encoded
`
