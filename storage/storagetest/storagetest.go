// Package storagetest provides a conformance suite for storage.Store
// implementations.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/storage"
)

// StoreFactory creates a new, empty Store for a single test.
type StoreFactory func(t *testing.T) storage.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("SetNX_OnlyFirstWins", func(t *testing.T) { testSetNXOnlyFirstWins(t, factory) })
	t.Run("SetNX_ConcurrentCallersSingleWinner", func(t *testing.T) { testSetNXConcurrent(t, factory) })
	t.Run("SetNX_ExpiresAfterTTL", func(t *testing.T) { testSetNXExpires(t, factory) })
	t.Run("Exists_MissingKey", func(t *testing.T) { testExistsMissing(t, factory) })
	t.Run("Decr_KeepsKeyAndGoesNegative", func(t *testing.T) { testDecr(t, factory) })
	t.Run("Decr_NonInteger", func(t *testing.T) { testDecrNonInteger(t, factory) })
	t.Run("Decr_MissingKeyNotCreated", func(t *testing.T) { testDecrMissing(t, factory) })
	t.Run("IncrWithTTL_AppliesTTLOnCreate", func(t *testing.T) { testIncrWithTTL(t, factory) })
	t.Run("Del_Idempotent", func(t *testing.T) { testDel(t, factory) })
}

func testSetNXOnlyFirstWins(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	ok, err := s.SetNX(ctx, "k1", "1", time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatalf("expected first SetNX to succeed")
	}
	ok, err = s.SetNX(ctx, "k1", "2", time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if ok {
		t.Fatalf("expected second SetNX to fail")
	}
	exists, err := s.Exists(ctx, "k1")
	if err != nil || !exists {
		t.Fatalf("expected key to exist, got %v, %v", exists, err)
	}
}

func testSetNXConcurrent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	const callers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.SetNX(ctx, "contended", "", time.Minute)
			if err != nil {
				t.Errorf("setnx: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func testSetNXExpires(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if ok, err := s.SetNX(ctx, "short", "1", 100*time.Millisecond); err != nil || !ok {
		t.Fatalf("setnx: %v %v", ok, err)
	}
	time.Sleep(300 * time.Millisecond)
	exists, err := s.Exists(ctx, "short")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("expected key to have expired")
	}
	if ok, err := s.SetNX(ctx, "short", "1", time.Minute); err != nil || !ok {
		t.Fatalf("expected SetNX to succeed after expiry, got %v %v", ok, err)
	}
}

func testExistsMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	exists, err := s.Exists(t.Context(), "nope")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatalf("expected missing key")
	}
}

func testDecr(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if _, err := s.SetNX(ctx, "counter", "1", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	for want := int64(0); want >= -1; want-- {
		n, err := s.Decr(ctx, "counter")
		if err != nil {
			t.Fatalf("decr: %v", err)
		}
		if n != want {
			t.Fatalf("expected %d, got %d", want, n)
		}
	}
	exists, err := s.Exists(ctx, "counter")
	if err != nil || !exists {
		t.Fatalf("decrement must not delete the key: %v %v", exists, err)
	}
}

func testDecrNonInteger(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if _, err := s.SetNX(ctx, "text", "abc", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if _, err := s.Decr(ctx, "text"); !errors.Is(err, storage.ErrNotInteger) {
		t.Fatalf("expected ErrNotInteger, got %v", err)
	}
}

func testDecrMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	if _, err := s.Decr(ctx, "absent"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	exists, err := s.Exists(ctx, "absent")
	if err != nil || exists {
		t.Fatalf("Decr must not create a missing key: %v %v", exists, err)
	}
}

func testIncrWithTTL(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := t.Context()

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrWithTTL(ctx, "flow", 150*time.Millisecond)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != want {
			t.Fatalf("expected %d, got %d", want, n)
		}
	}
	time.Sleep(400 * time.Millisecond)
	n, err := s.IncrWithTTL(ctx, "flow", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected counter to restart after TTL, got %d", n)
	}
}

func testDel(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	if _, err := s.SetNX(ctx, "gone", "1", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if err := s.Del(ctx, "gone"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := s.Del(ctx, "gone"); err != nil {
		t.Fatalf("second del: %v", err)
	}
	exists, err := s.Exists(ctx, "gone")
	if err != nil || exists {
		t.Fatalf("expected key to be gone: %v %v", exists, err)
	}
}
