package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
	"github.com/ggoodman/chatstream-go/storage/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.New(memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	return NewRegistry(store), clock
}

func TestRegistry_RegisterExistsRelease(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := t.Context()

	if ok, err := r.Exists(ctx, "42"); err != nil || ok {
		t.Fatalf("unregistered id must not exist: %v %v", ok, err)
	}
	if err := r.Register(ctx, "42"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ok, err := r.Exists(ctx, "42"); err != nil || !ok {
		t.Fatalf("registered id must exist: %v %v", ok, err)
	}

	// Release decrements but does not delete.
	if err := r.Release(ctx, "42"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.Release(ctx, "42"); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if ok, _ := r.Exists(ctx, "42"); !ok {
		t.Fatalf("released id must stay present until expiry")
	}

	clock.Advance(DefaultTTL)
	if ok, _ := r.Exists(ctx, "42"); ok {
		t.Fatalf("id must disappear after TTL")
	}

	// Releasing after expiry must not resurrect the record.
	if err := r.Release(ctx, "42"); err != nil {
		t.Fatalf("release after expiry: %v", err)
	}
	if ok, _ := r.Exists(ctx, "42"); ok {
		t.Fatalf("release after expiry must not recreate the record")
	}
}

func TestRegistry_RegisterDoesNotRefreshTTL(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := t.Context()

	if err := r.Register(ctx, "7"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(DefaultTTL - time.Second)
	if err := r.Register(ctx, "7"); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	clock.Advance(time.Second)
	if ok, _ := r.Exists(ctx, "7"); ok {
		t.Fatalf("re-register must not extend the original TTL")
	}
}

func TestRegistry_WithTTL(t *testing.T) {
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.New(memory.WithClock(clock.Now))
	defer store.Close()
	r := NewRegistry(store, WithTTL(time.Minute))
	ctx := t.Context()

	if err := r.Register(ctx, "1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(time.Minute)
	if ok, _ := r.Exists(ctx, "1"); ok {
		t.Fatalf("expected custom TTL to apply")
	}
}

type brokenStore struct{ storage.Store }

var errDown = errors.New("connection refused")

func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (brokenStore) Exists(context.Context, string) (bool, error) { return false, errDown }
func (brokenStore) Decr(context.Context, string) (int64, error)  { return 0, errDown }

func TestRegistry_StoreFailureFailsClosed(t *testing.T) {
	r := NewRegistry(brokenStore{})
	ctx := t.Context()

	ok, err := r.Exists(ctx, "42")
	if ok {
		t.Fatalf("store failure must never report existence")
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if err := r.Register(ctx, "42"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from register, got %v", err)
	}
	if err := r.Release(ctx, "42"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from release, got %v", err)
	}
}
