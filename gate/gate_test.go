package gate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/storage/memory"
)

func TestTryOnce_SingleWinnerUnderConcurrency(t *testing.T) {
	store := memory.New()
	defer store.Close()
	g := NewOnce(store)

	const callers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := g.TryOnce(t.Context(), "user-7", time.Minute)
			if err != nil {
				t.Errorf("TryOnce: %v", err)
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
		t.Fatalf("expected exactly 1 winner, got %d", got)
	}
}

func TestTryOnce_ReopensAfterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	store := memory.New(memory.WithClock(clock))
	defer store.Close()
	g := NewOnce(store)
	ctx := t.Context()

	if ok, _ := g.TryOnce(ctx, "k", 3*time.Second); !ok {
		t.Fatalf("first call should pass")
	}
	if ok, _ := g.TryOnce(ctx, "k", 3*time.Second); ok {
		t.Fatalf("second call within window should fail")
	}
	if ok, _ := g.TryOnce(ctx, "other", 3*time.Second); !ok {
		t.Fatalf("distinct keys must not interfere")
	}

	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()

	if ok, _ := g.TryOnce(ctx, "k", 3*time.Second); !ok {
		t.Fatalf("call after window should pass")
	}
}

func TestTryOnce_ZeroWindowAlwaysPasses(t *testing.T) {
	store := memory.New()
	defer store.Close()
	g := NewOnce(store)
	for i := 0; i < 3; i++ {
		if ok, err := g.TryOnce(t.Context(), "k", 0); err != nil || !ok {
			t.Fatalf("expected pass, got %v %v", ok, err)
		}
	}
}

func TestFlowLimiter_BlocksAfterLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	store := memory.New(memory.WithClock(clock))
	defer store.Close()
	f := NewFlowLimiter(store, FlowConfig{Limit: 3, Window: 3 * time.Second, Block: time.Minute})
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		if ok, err := f.Allow(ctx, "10.0.0.1"); err != nil || !ok {
			t.Fatalf("request %d should pass: %v %v", i, ok, err)
		}
	}
	if ok, _ := f.Allow(ctx, "10.0.0.1"); ok {
		t.Fatalf("4th request should be rejected")
	}
	if ok, _ := f.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatalf("other address should not be affected")
	}

	// Counter window elapses but the block is still in force.
	mu.Lock()
	now = now.Add(10 * time.Second)
	mu.Unlock()
	if ok, _ := f.Allow(ctx, "10.0.0.1"); ok {
		t.Fatalf("blocked address should stay blocked")
	}

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	if ok, _ := f.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatalf("block should lift after its TTL")
	}
}
