// Package worker consumes queued chat jobs, streams the reply from the
// upstream provider into the connection layer and persists the transcript.
//
// Delivery is at least once. A job whose transcript is already finished is
// acknowledged without any side effect, and the transcript write itself is
// conditional on the record still being pending, so a redelivered job never
// overwrites output.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/chatstream-go/broker"
	"github.com/ggoodman/chatstream-go/chat"
	"github.com/ggoodman/chatstream-go/internal/keymutex"
	"github.com/ggoodman/chatstream-go/internal/logctx"
	"github.com/ggoodman/chatstream-go/internal/metrics"
	"github.com/ggoodman/chatstream-go/relay"
	"github.com/ggoodman/chatstream-go/sessions"
	"github.com/ggoodman/chatstream-go/transcripts"
	"github.com/ggoodman/chatstream-go/upstream"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of consumers Run starts.
const DefaultConcurrency = 4

// persistTimeout bounds the final transcript write, which runs even while the
// worker is shutting down.
const persistTimeout = 10 * time.Second

// Provider streams one completion.
type Provider interface {
	Stream(ctx context.Context, req upstream.Request, fragment upstream.FragmentFunc, malformed upstream.MalformedFunc) error
}

// ModelResolver maps a model selector to an upstream model name.
type ModelResolver interface {
	Resolve(modelID int) string
}

// Config wires a Worker.
type Config struct {
	Broker      broker.Broker
	Transcripts transcripts.Store
	Sessions    *sessions.Registry
	// Sink receives fragments and the terminal signal. In a single process
	// this is the connection registry; otherwise a relay publisher.
	Sink     relay.Sink
	Provider Provider
	Models   ModelResolver

	// Concurrency defaults to DefaultConcurrency.
	Concurrency int
	// Now defaults to time.Now.
	Now func() time.Time
	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// Worker drains the job queue.
type Worker struct {
	broker      broker.Broker
	transcripts transcripts.Store
	sessions    *sessions.Registry
	sink        relay.Sink
	provider    Provider
	models      ModelResolver
	concurrency int
	now         func() time.Time
	log         *slog.Logger
	locks       *keymutex.KeyMutex
}

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Broker == nil || cfg.Transcripts == nil || cfg.Sessions == nil || cfg.Sink == nil || cfg.Provider == nil || cfg.Models == nil {
		return nil, errors.New("worker: broker, transcripts, sessions, sink, provider and models are required")
	}
	w := &Worker{
		broker:      cfg.Broker,
		transcripts: cfg.Transcripts,
		sessions:    cfg.Sessions,
		sink:        cfg.Sink,
		provider:    cfg.Provider,
		models:      cfg.Models,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		log:         cfg.Logger,
		locks:       keymutex.New(0),
	}
	if w.concurrency <= 0 {
		w.concurrency = DefaultConcurrency
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.log == nil {
		w.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return w, nil
}

// Run starts the consumers and blocks until ctx is cancelled or a consumer
// fails. Cancellation is not an error.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range w.concurrency {
		g.Go(func() error {
			w.log.DebugContext(gctx, "worker.consumer.start", slog.Int("consumer", i))
			err := w.broker.Consume(gctx, w.Handle)
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Handle is the broker.Handler for one delivery. A returned error leaves the
// delivery for redelivery; undecodable payloads are acknowledged and dropped.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) error {
	ctx = logctx.WithDeliveryData(ctx, &logctx.DeliveryData{DeliveryID: d.ID, Attempt: d.Attempt})

	job, err := chat.DecodeJob(d.Body)
	if err != nil {
		w.log.ErrorContext(ctx, "worker.job.invalid", slog.String("err", err.Error()))
		return nil
	}
	return w.Process(ctx, job)
}

// Process runs one job to completion.
func (w *Worker) Process(ctx context.Context, job chat.Job) error {
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: job.StreamID, UserID: job.UserID})

	id, err := transcripts.ParseID(job.StreamID)
	if err != nil {
		w.log.ErrorContext(ctx, "worker.job.invalid", slog.String("err", err.Error()))
		return nil
	}

	// Duplicate deliveries racing in this process run one after the other,
	// so the second observes the finished record.
	unlock := w.locks.Lock(job.StreamID)
	defer unlock()

	rec, err := w.transcripts.Get(ctx, id)
	if errors.Is(err, transcripts.ErrNotFound) {
		metrics.StreamsFinished.WithLabelValues("missing").Inc()
		w.log.WarnContext(ctx, "worker.record.missing")
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: load transcript %s: %w", job.StreamID, err)
	}
	if rec.Finished() {
		metrics.StreamsFinished.WithLabelValues("duplicate").Inc()
		w.log.InfoContext(ctx, "worker.job.duplicate")
		return nil
	}

	output, streamErr := w.generate(ctx, job)

	persistErr := w.persist(ctx, id, output)

	outcome := "completed"
	if streamErr != nil {
		outcome = "errored"
		w.sink.CompleteWithError(job.StreamID, streamErr)
		w.log.WarnContext(ctx, "worker.stream.fail",
			slog.Int("output_len", len(output)),
			slog.String("err", streamErr.Error()))
	} else {
		w.sink.Complete(job.StreamID)
		w.log.InfoContext(ctx, "worker.stream.complete", slog.Int("output_len", len(output)))
	}
	metrics.StreamsFinished.WithLabelValues(outcome).Inc()

	if err := w.sessions.Release(context.WithoutCancel(ctx), job.StreamID); err != nil {
		// Expiry reclaims the record anyway.
		w.log.WarnContext(ctx, "worker.session.release.fail", slog.String("err", err.Error()))
	}
	return persistErr
}

// generate streams the upstream reply, forwarding each fragment in order
// and accumulating the full text. A panic in the provider is reported as a
// stream error.
func (w *Worker) generate(ctx context.Context, job chat.Job) (output string, err error) {
	var buf strings.Builder
	start := w.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: provider panic: %v", r)
			w.log.ErrorContext(ctx, "worker.panic", slog.Any("panic", r))
		}
		output = buf.String()
		outcome := "completed"
		if err != nil {
			outcome = "errored"
		}
		metrics.StreamDuration.WithLabelValues(outcome).Observe(w.now().Sub(start).Seconds())
	}()

	req := upstream.Request{
		Model:    w.models.Resolve(job.ModelID),
		Messages: toUpstreamMessages(job.Messages),
	}

	// Push keeps being attempted after a false result: a client may attach
	// after the first fragments were dropped.
	fragment := func(text string) {
		buf.WriteString(text)
		if w.sink.Push(job.StreamID, text) {
			metrics.Fragments.WithLabelValues("forwarded").Inc()
			return
		}
		metrics.Fragments.WithLabelValues("dropped").Inc()
	}
	malformed := func(line string, err error) {
		metrics.MalformedLines.Inc()
		w.log.WarnContext(ctx, "worker.chunk.malformed",
			slog.String("line", truncate(line, 256)),
			slog.String("err", err.Error()))
	}

	err = w.provider.Stream(ctx, req, fragment, malformed)
	return buf.String(), err
}

func (w *Worker) persist(ctx context.Context, id int64, output string) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	ok, err := w.transcripts.Finish(pctx, id, output, w.now())
	if err != nil {
		w.log.ErrorContext(ctx, "worker.persist.fail", slog.String("err", err.Error()))
		return fmt.Errorf("worker: persist transcript %d: %w", id, err)
	}
	if !ok {
		w.log.InfoContext(ctx, "worker.persist.duplicate")
	}
	return nil
}

// toUpstreamMessages maps chat messages onto the provider schema.
func toUpstreamMessages(msgs []chat.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
