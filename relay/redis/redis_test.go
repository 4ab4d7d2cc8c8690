package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/chatstream-go/connections"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRelay_PublishToSubscriberRegistry(t *testing.T) {
	client := newClient(t)
	cfg := Config{Client: client, KeyPrefix: "test:relay:" + uuid.NewString() + ":"}

	pub, err := NewPublisher(cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	sub, err := NewSubscriber(cfg)
	if err != nil {
		t.Fatalf("subscriber: %v", err)
	}

	reg := connections.NewRegistry()
	events := make(chan connections.Event, 8)
	h, err := reg.Attach("42", connections.SinkFunc(func(ev connections.Event) error {
		events <- ev
		return nil
	}))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- sub.Run(ctx, reg, ready) }()

	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("subscriber exited: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("subscriber never became ready")
	}

	if !pub.Push("42", "hello") {
		t.Fatalf("push must reach the subscriber")
	}
	pub.Complete("42")

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("handle never completed")
	}
	if h.State() != connections.StateCompleted {
		t.Fatalf("expected completed, got %s", h.State())
	}

	first := <-events
	if first.Kind != connections.EventFragment || first.Data != "hello" {
		t.Fatalf("unexpected first event %v", first)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPublisher_NoSubscriber(t *testing.T) {
	client := newClient(t)
	pub, err := NewPublisher(Config{Client: client, KeyPrefix: "test:relay:" + uuid.NewString() + ":"})
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	if pub.Push("1", "x") {
		t.Fatalf("push with no subscriber must report false")
	}
}
