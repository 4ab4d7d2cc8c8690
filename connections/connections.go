// Package connections implements the process-local registry of live reply
// channels keyed by stream id.
//
// Each attached client is represented by a Handle that moves through
//
//	bound -> completed | errored | timed-out
//
// exactly once. Whichever of an explicit completion, a transport failure, a
// full outbound queue, or the lifetime timer fires first performs the
// teardown; later attempts are no-ops. Producers never hold a Handle: they
// reach it through Registry.Push, Registry.Complete and
// Registry.CompleteWithError by stream id, and tolerate the id being unbound
// (fragments for an unbound id are dropped).
//
// Producers never write to the transport. Every handle owns a bounded queue
// drained by its own goroutine, so a client that stops reading only stalls
// its own stream. A handle whose queue overflows is torn down with
// ErrSlowConsumer.
package connections

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrAlreadyBound is returned by Attach when a live handle already exists
	// for the stream id.
	ErrAlreadyBound = errors.New("connections: stream already bound")
	// ErrTimeout is the cause carried by a handle whose lifetime elapsed.
	ErrTimeout = errors.New("connections: stream timed out")
	// ErrClosed is returned when sending on a handle in a terminal state.
	ErrClosed = errors.New("connections: handle closed")
	// ErrShutdown is the cause carried by handles torn down by Registry.Close.
	ErrShutdown = errors.New("connections: registry shut down")
	// ErrSlowConsumer is the cause carried by a handle whose outbound queue
	// overflowed.
	ErrSlowConsumer = errors.New("connections: client not keeping up")
)

const (
	// DefaultTimeout is the maximum lifetime of a handle.
	DefaultTimeout = 10 * time.Minute
	// DefaultQueueSize is the number of frames a handle buffers ahead of its
	// transport.
	DefaultQueueSize = 256
)

// EventKind distinguishes control frames from content.
type EventKind int

const (
	// EventConnect confirms the connection to the client before any content.
	EventConnect EventKind = iota
	// EventFragment carries one piece of generated text.
	EventFragment
	// EventComplete marks a normal end of stream.
	EventComplete
	// EventError marks an abnormal end of stream.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventFragment:
		return "fragment"
	case EventComplete:
		return "complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one frame delivered to an attached client.
type Event struct {
	Kind EventKind
	Data string
}

// Sink is the transport side of a handle. Send must return an error when the
// peer is gone; implementations should bound how long a single Send blocks.
// Send is only ever called from the handle's own goroutine.
type Sink interface {
	Send(ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ev Event) error

func (f SinkFunc) Send(ev Event) error { return f(ev) }

// State is the lifecycle state of a Handle.
type State int

const (
	StateBound State = iota
	StateCompleted
	StateErrored
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool { return s != StateBound }

// TerminateFunc observes handle teardown. It is called exactly once per
// handle, after the handle has been removed from the registry.
type TerminateFunc func(id string, state State, cause error)

// Registry is a table of live handles keyed by stream id. Attach and removal
// are atomic per key; operations on different keys never wait on each other
// beyond the brief table lock.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	timeout     time.Duration
	queueSize   int
	log         *slog.Logger
	onTerminate TerminateFunc
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the maximum lifetime of each handle.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithQueueSize sets how many frames a handle buffers before it is torn down
// as a slow consumer.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTerminateFunc registers an observer for handle teardown.
func WithTerminateFunc(fn TerminateFunc) Option {
	return func(r *Registry) { r.onTerminate = fn }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handles:   make(map[string]*Handle),
		timeout:   DefaultTimeout,
		queueSize: DefaultQueueSize,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Attach binds sink to id. It fails with ErrAlreadyBound if a live handle for
// id exists. The first events are queued before any producer can reach the
// handle. Authorization must already have been checked by the caller.
func (r *Registry) Attach(id string, sink Sink, first ...Event) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShutdown
	}
	if cur, exists := r.handles[id]; exists && !cur.State().Terminal() {
		return nil, ErrAlreadyBound
	}
	if len(first) > r.queueSize {
		return nil, fmt.Errorf("connections: %d initial events exceed queue size %d", len(first), r.queueSize)
	}
	h := &Handle{
		id:    id,
		reg:   r,
		sink:  sink,
		state: StateBound,
		queue: make(chan Event, r.queueSize),
		done:  make(chan struct{}),
	}
	for _, ev := range first {
		h.queue <- ev
	}
	r.handles[id] = h
	// The callback takes h.mu before anything else, so it cannot observe the
	// handle before the timer is stored.
	h.mu.Lock()
	h.timer = time.AfterFunc(r.timeout, func() {
		if h.terminate(StateTimedOut, ErrTimeout, &Event{Kind: EventError, Data: "stream timed out"}) {
			r.log.Info("handle.timeout", slog.String("stream_id", id))
		}
	})
	h.mu.Unlock()
	go h.run()
	r.log.Debug("handle.attach", slog.String("stream_id", id))
	return h, nil
}

// Push queues one fragment for the handle bound to id. It returns false if
// no handle is bound or the handle is already terminal. A fragment that does
// not fit in the queue tears the handle down with ErrSlowConsumer.
func (r *Registry) Push(id string, payload string) bool {
	h := r.lookup(id)
	if h == nil {
		return false
	}
	return h.Send(Event{Kind: EventFragment, Data: payload}) == nil
}

// Complete signals a normal end of stream to the handle bound to id, if any,
// and removes it.
func (r *Registry) Complete(id string) {
	if h := r.lookup(id); h != nil {
		if h.terminate(StateCompleted, nil, &Event{Kind: EventComplete}) {
			r.log.Debug("handle.complete", slog.String("stream_id", id))
		}
	}
}

// CompleteWithError signals an abnormal end of stream to the handle bound to
// id, if any, and removes it.
func (r *Registry) CompleteWithError(id string, cause error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	if h := r.lookup(id); h != nil {
		if h.terminate(StateErrored, cause, &Event{Kind: EventError, Data: cause.Error()}) {
			r.log.Info("handle.error", slog.String("stream_id", id), slog.String("err", cause.Error()))
		}
	}
}

// Bound reports whether a live handle exists for id.
func (r *Registry) Bound(id string) bool {
	h := r.lookup(id)
	return h != nil && !h.State().Terminal()
}

// Len returns the number of registered handles, including terminal ones
// still flushing their queue.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close tears down every live handle with ErrShutdown and rejects further
// attaches.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	hs := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		hs = append(hs, h)
	}
	r.mu.Unlock()
	for _, h := range hs {
		h.terminate(StateErrored, ErrShutdown, &Event{Kind: EventError, Data: "server shutting down"})
	}
}

func (r *Registry) lookup(id string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[id]
}

// remove deletes h from the table only if it is still the entry for its id.
func (r *Registry) remove(h *Handle) {
	r.mu.Lock()
	if cur, ok := r.handles[h.id]; ok && cur == h {
		delete(r.handles, h.id)
	}
	r.mu.Unlock()
}

// Handle is one live, long-lived reply channel bound to a stream id.
type Handle struct {
	id   string
	reg  *Registry
	sink Sink

	// mu guards the state transition and every send on queue, so nothing is
	// queued after the queue is closed.
	mu    sync.Mutex
	state State
	cause error
	final *Event
	timer *time.Timer

	queue chan Event
	done  chan struct{}
}

// ID returns the stream id the handle is bound to.
func (h *Handle) ID() string { return h.id }

// Done is closed once the handle reached a terminal state and its goroutine
// stopped writing to the sink.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the cause of an errored or timed-out handle, nil otherwise.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Send queues ev for the sink without blocking. It returns ErrClosed on a
// terminal handle and ErrSlowConsumer when the queue is full, in which case
// the handle is torn down. Transport failures surface through State and Err.
func (h *Handle) Send(ev Event) error {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return ErrClosed
	}
	select {
	case h.queue <- ev:
		h.mu.Unlock()
		return nil
	default:
	}
	h.closeLocked(StateErrored, ErrSlowConsumer, nil)
	h.mu.Unlock()
	h.reg.log.Info("handle.overflow", slog.String("stream_id", h.id), slog.Int("queue", cap(h.queue)))
	return ErrSlowConsumer
}

// Abort tears the handle down without writing a final frame. Use it when the
// consumer side observed the peer going away.
func (h *Handle) Abort(cause error) bool {
	if cause == nil {
		cause = ErrClosed
	}
	return h.terminate(StateErrored, cause, nil)
}

// terminate moves the handle into state. Frames already queued are written
// before final. It reports whether this call performed the transition.
func (h *Handle) terminate(state State, cause error, final *Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.closeLocked(state, cause, final)
	return true
}

func (h *Handle) closeLocked(state State, cause error, final *Event) {
	h.state = state
	h.cause = cause
	h.final = final
	h.timer.Stop()
	close(h.queue)
}

// run is the only writer to the sink. It drains the queue in order, writes
// the final frame, then tears the handle down.
func (h *Handle) run() {
	var sendErr error
	for ev := range h.queue {
		if sendErr != nil {
			continue
		}
		if sendErr = h.sink.Send(ev); sendErr != nil {
			h.fail(sendErr)
		}
	}

	h.mu.Lock()
	final := h.final
	h.mu.Unlock()
	if final != nil && sendErr == nil {
		if err := h.sink.Send(*final); err != nil {
			h.mu.Lock()
			if h.state == StateCompleted {
				h.state, h.cause = StateErrored, err
			}
			h.mu.Unlock()
		}
	}
	h.finish()
}

// fail records a transport failure. The queue is closed so producers see a
// terminal handle right away; run discards what is still buffered.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.state.Terminal() {
		// Already terminating: skip the final frame on a dead transport.
		h.final = nil
		if h.state == StateCompleted {
			h.state, h.cause = StateErrored, err
		}
		h.mu.Unlock()
		return
	}
	h.closeLocked(StateErrored, err, nil)
	h.mu.Unlock()
	h.reg.log.Info("handle.transport.fail", slog.String("stream_id", h.id), slog.String("err", err.Error()))
}

// finish runs once, on the handle's goroutine, after the last sink write.
func (h *Handle) finish() {
	h.reg.remove(h)
	close(h.done)
	if fn := h.reg.onTerminate; fn != nil {
		h.mu.Lock()
		state, cause := h.state, h.cause
		h.mu.Unlock()
		fn(h.id, state, cause)
	}
}
