// Package redis relays stream output between processes over Redis Pub/Sub.
//
// Every message for stream S is published on "<prefix>relay:<S>". Each
// serving process runs one Subscriber with a pattern subscription and replays
// what it receives into its local connection registry; processes that do not
// hold the handle for S drop the message as unbound.
package redis

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/chatstream-go/relay"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis relay.
type Config struct {
	// Client is the Redis client to use. Required.
	Client redis.UniversalClient
	// KeyPrefix is prepended to channel names. Defaults to "chat:".
	KeyPrefix string
	// PublishTimeout bounds a single publish. Defaults to 5s.
	PublishTimeout time.Duration
	// Logger receives relay diagnostics. Optional.
	Logger *slog.Logger
}

type base struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	log     *slog.Logger
}

func newBase(config Config) (base, error) {
	if config.Client == nil {
		return base{}, fmt.Errorf("redis client is required")
	}
	b := base{
		client:  config.Client,
		prefix:  config.KeyPrefix,
		timeout: config.PublishTimeout,
		log:     config.Logger,
	}
	if b.prefix == "" {
		b.prefix = "chat:"
	}
	if b.timeout <= 0 {
		b.timeout = 5 * time.Second
	}
	if b.log == nil {
		b.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b, nil
}

func (b base) channel(id string) string { return b.prefix + "relay:" + id }

// Publisher is the worker-side relay.Sink.
type Publisher struct {
	base
}

// NewPublisher creates a Publisher.
func NewPublisher(config Config) (*Publisher, error) {
	b, err := newBase(config)
	if err != nil {
		return nil, err
	}
	return &Publisher{base: b}, nil
}

// Push publishes one fragment. It reports false when the publish failed or
// no process is subscribed. True only means at least one serving process
// received the message; whether any of them has the stream attached is not
// known here.
func (p *Publisher) Push(id string, payload string) bool {
	n, err := p.publish(relay.Message{Kind: relay.KindFragment, StreamID: id, Data: payload})
	return err == nil && n > 0
}

// Complete publishes a normal end of stream.
func (p *Publisher) Complete(id string) {
	_, _ = p.publish(relay.Message{Kind: relay.KindComplete, StreamID: id})
}

// CompleteWithError publishes an abnormal end of stream.
func (p *Publisher) CompleteWithError(id string, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, _ = p.publish(relay.Message{Kind: relay.KindError, StreamID: id, Data: msg})
}

func (p *Publisher) publish(m relay.Message) (int64, error) {
	data, err := m.Encode()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	n, err := p.client.Publish(ctx, p.channel(m.StreamID), data).Result()
	if err != nil {
		p.log.Error("relay.publish.fail",
			slog.String("stream_id", m.StreamID),
			slog.String("kind", string(m.Kind)),
			slog.String("err", err.Error()))
		return 0, err
	}
	return n, nil
}

// Subscriber replays relayed messages into a local sink.
type Subscriber struct {
	base
}

// NewSubscriber creates a Subscriber.
func NewSubscriber(config Config) (*Subscriber, error) {
	b, err := newBase(config)
	if err != nil {
		return nil, err
	}
	return &Subscriber{base: b}, nil
}

// Run subscribes and delivers messages into sink until ctx is cancelled. The
// ready channel, if non-nil, is closed once the subscription is confirmed.
func (s *Subscriber) Run(ctx context.Context, sink relay.Sink, ready chan<- struct{}) error {
	pattern := s.channel("*")
	ps := s.client.PSubscribe(ctx, pattern)
	defer ps.Close()

	// Wait for confirmation so callers know no message will be missed.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	if ready != nil {
		close(ready)
	}
	s.log.Info("relay.subscribe", slog.String("pattern", pattern))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay subscription to %s closed", pattern)
			}
			m, err := relay.Decode([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("relay.message.invalid",
					slog.String("channel", msg.Channel),
					slog.String("err", err.Error()))
				continue
			}
			if want := strings.TrimPrefix(msg.Channel, s.prefix+"relay:"); want != m.StreamID {
				s.log.Warn("relay.message.mismatch",
					slog.String("channel", msg.Channel),
					slog.String("stream_id", m.StreamID))
				continue
			}
			relay.Deliver(sink, m)
		}
	}
}

// Compile-time interface check
var _ relay.Sink = (*Publisher)(nil)
