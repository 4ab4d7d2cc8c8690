// Package redis provides a Redis Streams implementation of broker.Broker.
//
// Each queue is one stream consumed through a consumer group, so every
// delivery goes to exactly one consumer at a time across all processes.
// Unacknowledged deliveries whose consumer went idle for longer than MinIdle
// are reclaimed with XAUTOCLAIM and handed to a live consumer.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/chatstream-go/broker"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldRoutingKey = "routing_key"
	fieldData       = "data"
)

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the broker.
	// Defaults to "chat:broker:" if empty.
	KeyPrefix string
	// Queue names the stream. Defaults to "st.chat".
	Queue string
	// Group names the consumer group. Defaults to "workers".
	Group string
	// Consumer identifies this process within the group. Defaults to the
	// hostname plus a random suffix.
	Consumer string
	// MinIdle is how long a delivery may stay unacknowledged before another
	// consumer may claim it. Defaults to 30s.
	MinIdle time.Duration
	// Block bounds each blocking read so cancellation is observed. Defaults
	// to 1s.
	Block time.Duration
	// MaxLen caps the stream length (approximate trimming). Defaults to 10000.
	MaxLen int64
	// MaxAttempts drops a delivery after that many failed attempts. Zero
	// means retry forever.
	MaxAttempts int
	// Logger receives delivery diagnostics. Optional.
	Logger *slog.Logger
}

// Broker is a Redis Streams-based implementation of the broker.Broker interface.
type Broker struct {
	client      redis.UniversalClient
	stream      string
	group       string
	consumer    string
	minIdle     time.Duration
	block       time.Duration
	maxLen      int64
	maxAttempts int
	log         *slog.Logger
}

// New creates a new Redis-based broker instance.
func New(config Config) (*Broker, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "chat:broker:"
	}
	queue := config.Queue
	if queue == "" {
		queue = "st.chat"
	}
	group := config.Group
	if group == "" {
		group = "workers"
	}
	consumer := config.Consumer
	if consumer == "" {
		host, _ := os.Hostname()
		consumer = host + "-" + uuid.NewString()[:8]
	}
	b := &Broker{
		client:      config.Client,
		stream:      keyPrefix + "queue:" + queue,
		group:       group,
		consumer:    consumer,
		minIdle:     config.MinIdle,
		block:       config.Block,
		maxLen:      config.MaxLen,
		maxAttempts: config.MaxAttempts,
		log:         config.Logger,
	}
	if b.minIdle <= 0 {
		b.minIdle = 30 * time.Second
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	if b.maxLen <= 0 {
		b.maxLen = 10000
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b, nil
}

// Close closes the Redis connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish implements broker.Broker.Publish using XADD.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldRoutingKey: routingKey,
			fieldData:       body,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish message to stream %s: %w", b.stream, err)
	}
	return id, nil
}

// Consume implements broker.Broker.Consume using XREADGROUP, XACK and
// XAUTOCLAIM.
func (b *Broker) Consume(ctx context.Context, handler broker.Handler) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}

	reclaimEvery := b.minIdle / 2
	var lastReclaim time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Since(lastReclaim) >= reclaimEvery {
			lastReclaim = time.Now()
			if err := b.reclaim(ctx, handler); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.log.Warn("broker.reclaim.fail", slog.String("err", err.Error()))
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, ">"},
			Count:    1,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from stream %s: %w", b.stream, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, handler, msg, 1)
			}
		}
	}
}

func (b *Broker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", b.group, b.stream, err)
	}
	return nil
}

// reclaim takes over deliveries another consumer left pending for too long.
func (b *Broker) reclaim(ctx context.Context, handler broker.Handler) error {
	start := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.stream,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.minIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			b.dispatch(ctx, handler, msg, b.attempts(ctx, msg.ID))
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// attempts reads the delivery count Redis tracks for a pending entry.
func (b *Broker) attempts(ctx context.Context, id string) int {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.stream,
		Group:  b.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		return 2
	}
	return int(pending[0].RetryCount)
}

func (b *Broker) dispatch(ctx context.Context, handler broker.Handler, msg redis.XMessage, attempt int) {
	data, ok := msg.Values[fieldData].(string)
	if !ok {
		b.log.Error("broker.delivery.malformed", slog.String("id", msg.ID))
		b.ack(ctx, msg.ID)
		return
	}
	routingKey, _ := msg.Values[fieldRoutingKey].(string)

	d := broker.Delivery{
		ID:         msg.ID,
		RoutingKey: routingKey,
		Body:       []byte(data),
		Attempt:    attempt,
	}
	stop := b.heartbeat(ctx, msg.ID)
	err := handler(ctx, d)
	stop()
	if err != nil {
		if b.maxAttempts > 0 && attempt >= b.maxAttempts {
			b.log.Error("broker.delivery.drop",
				slog.String("id", msg.ID),
				slog.Int("attempt", attempt),
				slog.String("err", err.Error()))
			b.ack(ctx, msg.ID)
			return
		}
		// Left pending; reclaimed after MinIdle.
		b.log.Warn("broker.delivery.retry",
			slog.String("id", msg.ID),
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()))
		return
	}
	b.ack(ctx, msg.ID)
}

// heartbeat keeps a long-running delivery from looking idle, so other
// consumers do not reclaim it while the handler is still working.
func (b *Broker) heartbeat(ctx context.Context, id string) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(b.minIdle / 3)
		defer t.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-t.C:
				err := b.client.XClaimJustID(hctx, &redis.XClaimArgs{
					Stream:   b.stream,
					Group:    b.group,
					Consumer: b.consumer,
					Messages: []string{id},
				}).Err()
				if err != nil && hctx.Err() == nil {
					b.log.Warn("broker.heartbeat.fail", slog.String("id", id), slog.String("err", err.Error()))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (b *Broker) ack(ctx context.Context, id string) {
	// Acknowledge even if the consumer is shutting down; the handler already ran.
	if err := b.client.XAck(context.WithoutCancel(ctx), b.stream, b.group, id).Err(); err != nil {
		b.log.Error("broker.ack.fail", slog.String("id", id), slog.String("err", err.Error()))
	}
}

// Compile-time interface check
var _ broker.Broker = (*Broker)(nil)
