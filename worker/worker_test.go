package worker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ggoodman/chatstream-go/broker"
	brokermem "github.com/ggoodman/chatstream-go/broker/memory"
	"github.com/ggoodman/chatstream-go/catalog"
	"github.com/ggoodman/chatstream-go/chat"
	"github.com/ggoodman/chatstream-go/connections"
	"github.com/ggoodman/chatstream-go/internal/metrics"
	"github.com/ggoodman/chatstream-go/sessions"
	"github.com/ggoodman/chatstream-go/storage"
	storagemem "github.com/ggoodman/chatstream-go/storage/memory"
	"github.com/ggoodman/chatstream-go/transcripts"
	transcriptsmem "github.com/ggoodman/chatstream-go/transcripts/memory"
	"github.com/ggoodman/chatstream-go/upstream"
)

// scriptedProvider emits fixed fragments and then returns err.
type scriptedProvider struct {
	fragments []string
	err       error
	panicWith any
	calls     atomic.Int32
	lastModel string
}

func (p *scriptedProvider) Stream(ctx context.Context, req upstream.Request, fragment upstream.FragmentFunc, _ upstream.MalformedFunc) error {
	p.calls.Add(1)
	p.lastModel = req.Model
	for _, f := range p.fragments {
		fragment(f)
	}
	if p.panicWith != nil {
		panic(p.panicWith)
	}
	return p.err
}

// countingStore records Decr calls so release can be observed.
type countingStore struct {
	storage.Store
	decrs atomic.Int32
}

func (c *countingStore) Decr(ctx context.Context, key string) (int64, error) {
	c.decrs.Add(1)
	return c.Store.Decr(ctx, key)
}

type fixture struct {
	worker      *Worker
	registry    *connections.Registry
	transcripts *transcriptsmem.Store
	sessions    *sessions.Registry
	store       *countingStore
}

func newFixture(t *testing.T, p Provider) *fixture {
	t.Helper()
	mem := storagemem.New()
	t.Cleanup(func() { _ = mem.Close() })
	store := &countingStore{Store: mem}

	models, err := catalog.New("")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	f := &fixture{
		registry:    connections.NewRegistry(),
		transcripts: transcriptsmem.New(),
		sessions:    sessions.NewRegistry(store),
		store:       store,
	}
	b := brokermem.New()
	t.Cleanup(func() { _ = b.Close() })

	w, err := New(Config{
		Broker:      b,
		Transcripts: f.transcripts,
		Sessions:    f.sessions,
		Sink:        f.registry,
		Provider:    p,
		Models:      models,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	f.worker = w
	return f
}

// submit creates the pending record and session the way the submitter does.
func (f *fixture) submit(t *testing.T) chat.Job {
	t.Helper()
	id, err := f.transcripts.InsertPending(t.Context(), transcripts.Pending{UserID: "7", ModelID: 1, Input: "hi", Begin: time.Now()})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	streamID := transcripts.FormatID(id)
	if err := f.sessions.Register(t.Context(), streamID); err != nil {
		t.Fatalf("register: %v", err)
	}
	return chat.NewJob(streamID, "7", chat.Request{
		ModelID:  1,
		Messages: []chat.Message{{Role: "user", Content: "hi"}},
	})
}

type eventLog struct {
	mu     sync.Mutex
	events []connections.Event
}

func (l *eventLog) Send(ev connections.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) all() []connections.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.events)
}

func (f *fixture) attach(t *testing.T, id string) (*connections.Handle, *eventLog) {
	t.Helper()
	log := &eventLog{}
	h, err := f.registry.Attach(id, log)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return h, log
}

func (f *fixture) record(t *testing.T, streamID string) transcripts.Record {
	t.Helper()
	id, _ := transcripts.ParseID(streamID)
	rec, err := f.transcripts.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec
}

func TestProcess_StreamsAndPersists(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"hello", " there"}}
	f := newFixture(t, p)
	job := f.submit(t)
	h, log := f.attach(t, job.StreamID)

	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-h.Done()

	want := []connections.Event{
		{Kind: connections.EventFragment, Data: "hello"},
		{Kind: connections.EventFragment, Data: " there"},
		{Kind: connections.EventComplete},
	}
	if got := log.all(); !slices.Equal(got, want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	rec := f.record(t, job.StreamID)
	if rec.Output != "hello there" || !rec.Finished() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if f.store.decrs.Load() != 1 {
		t.Fatalf("expected one session release, got %d", f.store.decrs.Load())
	}
	if p.lastModel != catalog.DefaultModel {
		t.Fatalf("expected model %q, got %q", catalog.DefaultModel, p.lastModel)
	}
}

func TestProcess_RedeliveryIsNoop(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"once"}}
	f := newFixture(t, p)
	job := f.submit(t)

	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("first process: %v", err)
	}
	first := f.record(t, job.StreamID)

	// A client attached for the duplicate must see nothing from it.
	_, log := f.attach(t, job.StreamID)
	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("second process: %v", err)
	}

	if p.calls.Load() != 1 {
		t.Fatalf("duplicate delivery must not call upstream again, calls=%d", p.calls.Load())
	}
	second := f.record(t, job.StreamID)
	if second.Output != "once" || !second.Finish.Equal(*first.Finish) {
		t.Fatalf("duplicate delivery mutated the record: %+v", second)
	}
	if len(log.all()) != 0 {
		t.Fatalf("duplicate delivery must not signal the connection, got %v", log.all())
	}
	if f.store.decrs.Load() != 1 {
		t.Fatalf("duplicate delivery must not release again, got %d", f.store.decrs.Load())
	}
}

func TestProcess_UpstreamErrorPersistsPartial(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"par", "tial"}, err: errors.New("connection reset by peer")}
	f := newFixture(t, p)
	job := f.submit(t)
	h, log := f.attach(t, job.StreamID)

	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-h.Done()

	events := log.all()
	if len(events) != 3 || events[2].Kind != connections.EventError {
		t.Fatalf("expected two fragments then an error frame, got %v", events)
	}
	if h.State() != connections.StateErrored {
		t.Fatalf("expected errored handle, got %s", h.State())
	}
	rec := f.record(t, job.StreamID)
	if rec.Output != "partial" || !rec.Finished() {
		t.Fatalf("partial output must be persisted, got %+v", rec)
	}
	if f.store.decrs.Load() != 1 {
		t.Fatalf("session must be released on error")
	}
}

func TestProcess_NoListenerStillPersists(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"nobody ", "listening"}}
	f := newFixture(t, p)
	job := f.submit(t)

	dropped := testutil.ToFloat64(metrics.Fragments.WithLabelValues("dropped"))
	forwarded := testutil.ToFloat64(metrics.Fragments.WithLabelValues("forwarded"))
	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if rec := f.record(t, job.StreamID); rec.Output != "nobody listening" {
		t.Fatalf("unexpected output %q", rec.Output)
	}
	if got := testutil.ToFloat64(metrics.Fragments.WithLabelValues("dropped")) - dropped; got != 2 {
		t.Fatalf("dropped fragments: got %v want 2", got)
	}
	if got := testutil.ToFloat64(metrics.Fragments.WithLabelValues("forwarded")) - forwarded; got != 0 {
		t.Fatalf("forwarded fragments: got %v want 0", got)
	}
}

func TestProcess_ProviderPanicIsContained(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"before"}, panicWith: "boom"}
	f := newFixture(t, p)
	job := f.submit(t)
	h, _ := f.attach(t, job.StreamID)

	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("process: %v", err)
	}
	<-h.Done()
	if h.State() != connections.StateErrored {
		t.Fatalf("expected errored handle, got %s", h.State())
	}
	if rec := f.record(t, job.StreamID); rec.Output != "before" || !rec.Finished() {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestProcess_MissingRecordAcks(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	job := chat.NewJob("999", "7", chat.Request{Messages: []chat.Message{{Role: "user", Content: "hi"}}})
	if err := f.worker.Process(t.Context(), job); err != nil {
		t.Fatalf("missing record must be acknowledged, got %v", err)
	}
}

func TestHandle_InvalidPayloadAcks(t *testing.T) {
	f := newFixture(t, &scriptedProvider{})
	if err := f.worker.Handle(t.Context(), broker.Delivery{ID: "1", Body: []byte("{")}); err != nil {
		t.Fatalf("invalid payload must be acknowledged, got %v", err)
	}
}

// decodingProvider feeds a raw upstream payload through the real decoder,
// split into two transport chunks at split.
type decodingProvider struct {
	payload string
	split   int
}

func (p decodingProvider) Stream(_ context.Context, _ upstream.Request, fragment upstream.FragmentFunc, malformed upstream.MalformedFunc) error {
	dec := upstream.Decoder{Malformed: malformed}
	dec.Feed([]byte(p.payload[:p.split]), fragment)
	dec.Feed([]byte(p.payload[p.split:]), fragment)
	dec.Flush(fragment)
	return nil
}

func TestProcess_ChunkBoundariesDoNotChangeFragments(t *testing.T) {
	payload := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n" +
		"data: {broken\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	want := []connections.Event{
		{Kind: connections.EventFragment, Data: "hel"},
		{Kind: connections.EventFragment, Data: "lo"},
		{Kind: connections.EventFragment, Data: " there"},
		{Kind: connections.EventComplete},
	}

	for split := 0; split <= len(payload); split++ {
		f := newFixture(t, decodingProvider{payload: payload, split: split})
		job := f.submit(t)
		h, log := f.attach(t, job.StreamID)
		if err := f.worker.Process(t.Context(), job); err != nil {
			t.Fatalf("split %d: process: %v", split, err)
		}
		<-h.Done()
		if got := log.all(); !slices.Equal(got, want) {
			t.Fatalf("split %d: got %v want %v", split, got, want)
		}
		if rec := f.record(t, job.StreamID); rec.Output != "hello there" {
			t.Fatalf("split %d: output %q", split, rec.Output)
		}
	}
}

func TestRun_ConsumesQueue(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"queued"}}
	f := newFixture(t, p)
	job := f.submit(t)

	payload, err := job.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := f.worker.broker.Publish(t.Context(), chat.DefaultRoutingKey, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Simulate at-least-once delivery.
	if _, err := f.worker.broker.Publish(t.Context(), chat.DefaultRoutingKey, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && p.calls.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	// Let the duplicate drain too.
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if p.calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", p.calls.Load())
	}
	if rec := f.record(t, job.StreamID); rec.Output != "queued" {
		t.Fatalf("unexpected output %q", rec.Output)
	}
}
