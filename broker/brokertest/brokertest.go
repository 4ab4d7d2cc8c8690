// Package brokertest provides a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/broker"
)

// BrokerFactory creates a fresh, empty broker for one test. Implementations
// that redeliver on a timer should configure short delays.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishThenConsume", func(t *testing.T) {
		testPublishThenConsume(t, factory)
	})
	t.Run("ConsumeThenPublish", func(t *testing.T) {
		testConsumeThenPublish(t, factory)
	})
	t.Run("FailedHandlerRedelivers", func(t *testing.T) {
		testFailedHandlerRedelivers(t, factory)
	})
	t.Run("CompetingConsumersShareQueue", func(t *testing.T) {
		testCompetingConsumersShareQueue(t, factory)
	})
	t.Run("ConsumeContextCancellation", func(t *testing.T) {
		testConsumeContextCancellation(t, factory)
	})
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Logf("close broker: %v", err)
	}
}

// consumeN runs Consume until n successful deliveries were observed.
func consumeN(t *testing.T, b broker.Broker, n int, handler broker.Handler) []broker.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []broker.Delivery
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, func(ctx context.Context, d broker.Delivery) error {
			if handler != nil {
				if err := handler(ctx, d); err != nil {
					return err
				}
			}
			mu.Lock()
			got = append(got, d)
			if len(got) == n {
				cancel()
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("consume returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("consume did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	return got
}

func testPublishThenConsume(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	var ids []string
	for i := range 3 {
		id, err := b.Publish(ctx, "st.request", fmt.Appendf(nil, `{"n":%d}`, i))
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("expected non-empty delivery id")
		}
		ids = append(ids, id)
	}

	got := consumeN(t, b, 3, nil)
	for i, d := range got {
		if d.ID != ids[i] {
			t.Fatalf("delivery %d: expected id %s, got %s", i, ids[i], d.ID)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i); string(d.Body) != want {
			t.Fatalf("delivery %d: expected body %s, got %s", i, want, d.Body)
		}
		if d.RoutingKey != "st.request" {
			t.Fatalf("delivery %d: expected routing key st.request, got %q", i, d.RoutingKey)
		}
		if d.Attempt != 1 {
			t.Fatalf("delivery %d: expected first attempt, got %d", i, d.Attempt)
		}
	}
}

func testConsumeThenPublish(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	go func() {
		time.Sleep(100 * time.Millisecond)
		if _, err := b.Publish(context.Background(), "st.request", []byte("late")); err != nil {
			t.Errorf("publish: %v", err)
		}
	}()

	got := consumeN(t, b, 1, nil)
	if string(got[0].Body) != "late" {
		t.Fatalf("unexpected body %q", got[0].Body)
	}
}

func testFailedHandlerRedelivers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	id, err := b.Publish(context.Background(), "st.request", []byte("retry-me"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	failed := false
	got := consumeN(t, b, 1, func(ctx context.Context, d broker.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		if !failed {
			failed = true
			return errors.New("transient")
		}
		return nil
	})

	if got[0].ID != id {
		t.Fatalf("redelivery must keep the id: %s != %s", got[0].ID, id)
	}
	if got[0].Attempt < 2 {
		t.Fatalf("expected attempt >= 2 on redelivery, got %d", got[0].Attempt)
	}
}

func testCompetingConsumersShareQueue(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	const n = 20
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]int)
	total := 0

	handler := func(ctx context.Context, d broker.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		seen[string(d.Body)]++
		total++
		if total == n {
			cancel()
		}
		return nil
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Consume(ctx, handler)
		}()
	}

	for i := range n {
		if _, err := b.Publish(context.Background(), "st.request", fmt.Appendf(nil, "m%d", i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	if total != n {
		t.Fatalf("expected %d deliveries, got %d", n, total)
	}
	for body, count := range seen {
		if count != 1 {
			t.Fatalf("payload %s delivered %d times", body, count)
		}
	}
}

func testConsumeContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, func(context.Context, broker.Delivery) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("consume did not observe cancellation")
	}
}
