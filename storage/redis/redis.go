// Package redis provides a Redis-backed implementation of storage.Store. All
// conditional operations map onto single Redis commands (or one Lua script),
// so their atomicity holds across every process sharing the Redis instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required.
	Client redis.UniversalClient

	// KeyPrefix is prepended to every key. Default: "" (keys are used as-is,
	// so they line up with other consumers of the same Redis database).
	KeyPrefix string
}

// Store implements storage.Store using Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a new Redis-backed store.
func New(config Config) (*Store, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: config.Client, keyPrefix: config.KeyPrefix}, nil
}

func (s *Store) key(k string) string { return s.keyPrefix + k }

func (s *Store) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	// SET key value NX EX ttl
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n == 1, nil
}

// decrScript decrements only keys that still exist; DECR on a missing key
// would create one without a TTL.
var decrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('DECR', KEYS[1])
end
return false
`)

func (s *Store) Decr(ctx context.Context, key string) (int64, error) {
	n, err := decrScript.Run(ctx, s.client, []string{s.key(key)}).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, storage.ErrNotFound
		}
		return 0, s.intErr("decr", key, err)
	}
	return n, nil
}

// incrScript increments a counter and applies the TTL only when the
// increment created the key, in one round trip.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		n, err := s.client.Incr(ctx, s.key(key)).Result()
		if err != nil {
			return 0, s.intErr("incr", key, err)
		}
		return n, nil
	}
	n, err := incrScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, s.intErr("incr", key, err)
	}
	return n, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) intErr(op, key string, err error) error {
	if strings.Contains(err.Error(), "not an integer") {
		return fmt.Errorf("failed to %s key %s: %w", op, key, storage.ErrNotInteger)
	}
	return fmt.Errorf("failed to %s key %s: %w", op, key, err)
}

// Compile-time interface check
var _ storage.Store = (*Store)(nil)
