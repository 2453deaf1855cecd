// Package kv provides the cache and advisory-lock store shared by the
// pipeline. Production uses Redis; tests use the in-memory implementation.
//
// Locks are advisory single-flight guards (set-if-absent with TTL), not
// mutexes: cache entries and DB uniqueness constraints remain the ground
// truth, the lock just keeps N workers from paying for the same upstream
// call at once.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes, one namespace per use.
const (
	PrefixShopping    = "shopping:"
	PrefixDetail      = "detail:"
	PrefixMerchantURL = "merchant:url:"
	PrefixFxRates     = "fx:rates:"
	PrefixLLMParse    = "llm:parse:"
	PrefixSuggest     = "llm:patterns:suggest:"
	PrefixLock        = "lock:"
)

// Default TTLs.
const (
	TTLShopping = 1 * time.Hour
	TTLDetail   = 7 * 24 * time.Hour
	TTLFxRates  = 1 * time.Hour
	TTLLLMParse = 180 * 24 * time.Hour
	TTLSuggest  = 24 * time.Hour

	TTLLockShort = 60 * time.Second // single LLM call
	TTLLockLong  = 5 * time.Minute  // whole suggester run
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the cache/lock interface the pipeline depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// AcquireLock returns true when this caller now owns the lock.
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)

	Close() error
}

// GetJSON reads a key and unmarshals it into v. Returns ErrNotFound when
// absent; a decode failure is reported as an error so callers can treat
// the entry as a miss and overwrite it.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode cached json for %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key with the given TTL.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json for %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// LockKey namespaces a lock under the shared lock prefix.
func LockKey(name string) string {
	return PrefixLock + name
}

// redisStore backs Store with a Redis connection.
type redisStore struct {
	client *redis.Client
}

// NewRedis connects to the Redis at url (redis://host:port/db) and verifies
// the connection with a ping.
func NewRedis(ctx context.Context, url string) (Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{client: client}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (r *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *redisStore) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, LockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

func (r *redisStore) ReleaseLock(ctx context.Context, key string) error {
	return r.Delete(ctx, LockKey(key))
}

func (r *redisStore) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, LockKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
