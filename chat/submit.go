package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/chatstream-go/broker"
	"github.com/ggoodman/chatstream-go/gate"
	"github.com/ggoodman/chatstream-go/internal/keymutex"
	"github.com/ggoodman/chatstream-go/sessions"
	"github.com/ggoodman/chatstream-go/transcripts"
)

// DefaultCooldown is the minimum spacing between two submissions by the same
// caller.
const DefaultCooldown = 3 * time.Second

// DefaultRoutingKey is the routing key jobs are published under.
const DefaultRoutingKey = "st.request"

// SubmitterConfig wires a Submitter.
type SubmitterConfig struct {
	Gate        *gate.Once
	Transcripts transcripts.Store
	Sessions    *sessions.Registry
	Broker      broker.Broker

	// Cooldown defaults to DefaultCooldown. A negative value disables it.
	Cooldown time.Duration
	// RoutingKey defaults to DefaultRoutingKey.
	RoutingKey string
	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Submitter accepts chat requests and queues them for a worker.
type Submitter struct {
	gate        *gate.Once
	transcripts transcripts.Store
	sessions    *sessions.Registry
	broker      broker.Broker
	cooldown    time.Duration
	routingKey  string
	now         func() time.Time
	log         *slog.Logger
	locks       *keymutex.KeyMutex
}

// NewSubmitter validates cfg and returns a Submitter.
func NewSubmitter(cfg SubmitterConfig) (*Submitter, error) {
	if cfg.Gate == nil || cfg.Transcripts == nil || cfg.Sessions == nil || cfg.Broker == nil {
		return nil, errors.New("chat: submitter requires gate, transcripts, sessions and broker")
	}
	s := &Submitter{
		gate:        cfg.Gate,
		transcripts: cfg.Transcripts,
		sessions:    cfg.Sessions,
		broker:      cfg.Broker,
		cooldown:    cfg.Cooldown,
		routingKey:  cfg.RoutingKey,
		now:         cfg.Now,
		log:         cfg.Logger,
		locks:       keymutex.New(0),
	}
	if s.cooldown == 0 {
		s.cooldown = DefaultCooldown
	}
	if s.routingKey == "" {
		s.routingKey = DefaultRoutingKey
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s, nil
}

// Submit gates, persists, registers and enqueues req on behalf of userID and
// returns the stream id. It returns before generation starts.
//
// Submissions by the same userID are serialized in this process; across
// processes the gate's conditional set is what admits a single winner.
func (s *Submitter) Submit(ctx context.Context, userID string, req Request) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	unlock := s.locks.Lock(userID)
	defer unlock()

	ok, err := s.gate.TryOnce(ctx, userID, max(s.cooldown, 0))
	if err != nil {
		return "", fmt.Errorf("%w: %v", sessions.ErrStoreUnavailable, err)
	}
	if !ok {
		s.log.InfoContext(ctx, "submit.throttled", slog.String("user_id", userID))
		return "", ErrThrottled
	}

	id, err := s.transcripts.InsertPending(ctx, transcripts.Pending{
		UserID:      userID,
		ModelID:     req.ModelID,
		CharacterID: req.CharacterID,
		Input:       req.Input(),
		Begin:       s.now(),
	})
	if err != nil {
		return "", fmt.Errorf("chat: persist pending transcript: %w", err)
	}
	streamID := transcripts.FormatID(id)

	if err := s.sessions.Register(ctx, streamID); err != nil {
		return "", err
	}

	payload, err := NewJob(streamID, userID, req).Encode()
	if err != nil {
		return "", fmt.Errorf("chat: encode job: %w", err)
	}
	if _, err := s.broker.Publish(ctx, s.routingKey, payload); err != nil {
		// The session record expires on its own; the pending transcript
		// stays pending and never shows up in history.
		return "", fmt.Errorf("chat: enqueue job %s: %w", streamID, err)
	}

	s.log.InfoContext(ctx, "submit.ok",
		slog.String("stream_id", streamID),
		slog.String("user_id", userID),
		slog.Int("model_id", req.ModelID),
		slog.Int("messages", len(req.Messages)))
	return streamID, nil
}
