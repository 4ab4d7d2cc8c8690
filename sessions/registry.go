package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
)

// KeyPrefix namespaces stream session records in the shared store.
const KeyPrefix = "verify:chat:session:"

// DefaultTTL bounds how long a stream id stays attachable after submission.
const DefaultTTL = 10 * time.Minute

// ErrStoreUnavailable wraps any failure of the backing store. Callers must
// treat it as "cannot authorize" and never as "authorized".
var ErrStoreUnavailable = errors.New("session store unavailable")

// Registry authorizes stream ids against a TTL-bounded record in the shared
// store. It holds no process-local state, so any serving process can answer
// for any stream id.
//
// Record lifecycle: Register creates the record with a fixed TTL; Release
// decrements it but never deletes it. A decremented record still counts as
// present (and may go negative); expiry is the only real cleanup. This avoids
// a delete-then-recreate race on a stream id that is still being attached.
type Registry struct {
	store storage.Store
	ttl   time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// NewRegistry creates a Registry on top of store.
func NewRegistry(store storage.Store, opts ...Option) *Registry {
	r := &Registry{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the record lifetime used by Register.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Register creates the record for id if absent. An existing record is left
// untouched; in particular its TTL is not refreshed.
func (r *Registry) Register(ctx context.Context, id string) error {
	if _, err := r.store.SetNX(ctx, KeyPrefix+id, "1", r.ttl); err != nil {
		return fmt.Errorf("%w: register %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// Exists reports whether a record for id is present. Only presence matters;
// the counter value is never consulted.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.Exists(ctx, KeyPrefix+id)
	if err != nil {
		return false, fmt.Errorf("%w: lookup %s: %v", ErrStoreUnavailable, id, err)
	}
	return ok, nil
}

// Release decrements the record for id. The record disappears only through
// TTL expiry. Releasing an already-expired record is a no-op.
func (r *Registry) Release(ctx context.Context, id string) error {
	if _, err := r.store.Decr(ctx, KeyPrefix+id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: release %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}
