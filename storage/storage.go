// Package storage defines the shared expiring key-value store that backs the
// rate gate, the session registry and the credential blacklist. Every
// operation that must hold across serving processes is expressed as a single
// atomic store command so that correctness never depends on process-local
// locking.
package storage

import (
	"context"
	"errors"
	"time"
)

// Store is the minimal contract the broker needs from a shared expiring
// key-value store. Implementations must be safe for concurrent use.
type Store interface {
	// SetNX stores value under key with the given TTL only if the key is
	// absent. It reports whether the value was stored. The check and the set
	// happen as one atomic operation.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)

	// Decr decrements the integer stored at an existing key and returns the
	// new value, leaving the key's TTL untouched. A missing key is not
	// created (that would leave a record with no expiry behind); ErrNotFound
	// is returned instead.
	Decr(ctx context.Context, key string) (int64, error)

	// IncrWithTTL increments the integer at key. When the increment creates
	// the key, ttl is applied to it; existing keys keep their TTL.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Del removes key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources held by the store.
	Close() error
}

// ErrNotFound is returned by Decr when the key is absent or expired.
var ErrNotFound = errors.New("storage: key not found")

// ErrNotInteger is returned by Decr and IncrWithTTL when the stored value
// cannot be interpreted as an integer.
var ErrNotInteger = errors.New("storage: value is not an integer")
