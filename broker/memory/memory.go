// Package memory provides an in-process implementation of broker.Broker. It
// is suitable for single-node deployments and tests; queued payloads do not
// survive a restart.
package memory

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/chatstream-go/broker"
)

// DefaultRetryDelay is how long a failed delivery waits before it becomes
// visible to consumers again.
const DefaultRetryDelay = 500 * time.Millisecond

// Broker implements broker.Broker with a mutex-guarded FIFO.
type Broker struct {
	mu     sync.Mutex
	queue  []broker.Delivery
	closed bool

	notify  chan struct{}
	done    chan struct{}
	counter atomic.Int64

	retryDelay  time.Duration
	maxAttempts int
	log         *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithRetryDelay sets the redelivery delay for failed handlers.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.retryDelay = d
		}
	}
}

// WithMaxAttempts drops a delivery after n failed attempts. Zero means retry
// forever.
func WithMaxAttempts(n int) Option {
	return func(b *Broker) { b.maxAttempts = n }
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// New creates a new in-memory broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		retryDelay: DefaultRetryDelay,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish implements broker.Broker.Publish.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := strconv.FormatInt(b.counter.Add(1), 10)
	d := broker.Delivery{
		ID:         id,
		RoutingKey: routingKey,
		Body:       append([]byte(nil), body...),
		Attempt:    1,
	}
	if err := b.enqueue(d); err != nil {
		return "", err
	}
	return id, nil
}

// Consume implements broker.Broker.Consume.
func (b *Broker) Consume(ctx context.Context, handler broker.Handler) error {
	for {
		d, ok, err := b.pop()
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return broker.ErrClosed
			case <-b.notify:
			}
			continue
		}

		if herr := handler(ctx, d); herr != nil {
			b.retry(d, herr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Close implements broker.Broker.Close. Pending deliveries are discarded.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.queue = nil
		close(b.done)
	}
	return nil
}

// Len returns the number of deliveries waiting for a consumer.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *Broker) enqueue(d broker.Delivery) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	b.queue = append(b.queue, d)
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *Broker) pop() (broker.Delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.Delivery{}, false, broker.ErrClosed
	}
	if len(b.queue) == 0 {
		return broker.Delivery{}, false, nil
	}
	d := b.queue[0]
	b.queue[0] = broker.Delivery{}
	b.queue = b.queue[1:]
	if len(b.queue) > 0 {
		// Wake another consumer for the remaining backlog.
		b.signal()
	}
	return d, true, nil
}

func (b *Broker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *Broker) retry(d broker.Delivery, cause error) {
	if b.maxAttempts > 0 && d.Attempt >= b.maxAttempts {
		b.log.Error("broker.delivery.drop",
			slog.String("id", d.ID),
			slog.Int("attempt", d.Attempt),
			slog.String("err", cause.Error()))
		return
	}
	b.log.Warn("broker.delivery.retry",
		slog.String("id", d.ID),
		slog.Int("attempt", d.Attempt),
		slog.String("err", cause.Error()))
	d.Attempt++
	if b.retryDelay <= 0 {
		_ = b.enqueue(d)
		return
	}
	time.AfterFunc(b.retryDelay, func() { _ = b.enqueue(d) })
}

// Compile-time interface check
var _ broker.Broker = (*Broker)(nil)
