package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/chatstream-go/auth"
	"github.com/ggoodman/chatstream-go/chat"
	"github.com/ggoodman/chatstream-go/connections"
	"github.com/ggoodman/chatstream-go/gate"
	"github.com/ggoodman/chatstream-go/internal/logctx"
	"github.com/ggoodman/chatstream-go/internal/metrics"
	"github.com/ggoodman/chatstream-go/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// DefaultPrefix is the path every chat route is mounted under.
	DefaultPrefix = "/api/chat"
	// DefaultWriteTimeout bounds a single SSE frame write.
	DefaultWriteTimeout = 10 * time.Second

	maxBodyBytes = 1 << 20
)

// Client-visible messages.
const (
	msgSuccess          = "Success"
	msgUnauthenticated  = "Invalid token. Please log in again."
	msgThrottled        = "Request limit exceeded. Please try again later."
	msgTooManyRequests  = "Too many requests"
	msgStoreUnavailable = "Service temporarily unavailable"
	msgInternal         = "Internal server error"
	msgInvalidSession   = "Invalid or expired session ID."
)

// envelope is the JSON body of every non-streaming response.
type envelope struct {
	Code    int    `json:"code"`
	Data    any    `json:"data"`
	Message string `json:"message"`
}

// SubmitResponse is the data of a successful submit.
type SubmitResponse struct {
	SessionID string `json:"sessionId"`
}

// writeEnvelope writes an envelope whose code mirrors the HTTP status.
func writeEnvelope(w http.ResponseWriter, status int, data any, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Code: status, Data: data, Message: msg})
}

// writeJSONError emits an envelope with a null data field. Safe to call
// after some headers set but before status written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, nil, msg)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	prefix       string
	flow         *gate.FlowLimiter
	writeTimeout time.Duration
	metricsPath  string
}

// WithLogger sets the slog logger used by the handler. If not provided,
// slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithPrefix mounts the chat routes under prefix instead of DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *newConfig) { c.prefix = strings.TrimRight(prefix, "/") }
}

// WithFlowLimiter applies per-address flow limiting to submit and history.
func WithFlowLimiter(f *gate.FlowLimiter) Option {
	return func(c *newConfig) { c.flow = f }
}

// WithWriteTimeout bounds each SSE frame write. A client that stops reading
// is torn down once a write exceeds it.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithMetricsPath serves Prometheus metrics at path. An empty path disables
// the route. Defaults to "/metrics".
func WithMetricsPath(path string) Option {
	return func(c *newConfig) { c.metricsPath = path }
}

// Handler is the HTTP surface of the broker: submit, attach, history and
// metrics.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	auth         auth.Authenticator
	submitter    *chat.Submitter
	history      *chat.History
	sessions     *sessions.Registry
	conns        *connections.Registry
	flow         *gate.FlowLimiter
	writeTimeout time.Duration
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
//
// Required:
//   - authenticator: resolves the caller of submit and history
//   - submitter, history: the request-side chat operations
//   - sessionRegistry: authorizes attach
//   - conns: the process-local connection registry attach binds into
func New(authenticator auth.Authenticator, submitter *chat.Submitter, history *chat.History, sessionRegistry *sessions.Registry, conns *connections.Registry, opts ...Option) (*Handler, error) {
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if submitter == nil || history == nil {
		return nil, fmt.Errorf("submitter and history are required")
	}
	if sessionRegistry == nil || conns == nil {
		return nil, fmt.Errorf("session registry and connection registry are required")
	}

	cfg := &newConfig{
		logger:       slog.Default(),
		prefix:       DefaultPrefix,
		writeTimeout: DefaultWriteTimeout,
		metricsPath:  "/metrics",
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	h := &Handler{
		log:          slog.New(logctx.Wrap(cfg.logger.Handler())),
		auth:         authenticator,
		submitter:    submitter,
		history:      history,
		sessions:     sessionRegistry,
		conns:        conns,
		flow:         cfg.flow,
		writeTimeout: cfg.writeTimeout,
	}

	mux := http.NewServeMux()
	mux.Handle(fmt.Sprintf("POST %s/request", cfg.prefix), h.limitFlow(http.HandlerFunc(h.handlePostRequest)))
	mux.Handle(fmt.Sprintf("POST %s/history", cfg.prefix), h.limitFlow(http.HandlerFunc(h.handlePostHistory)))
	mux.HandleFunc(fmt.Sprintf("GET %s/stream/{id}", cfg.prefix), h.handleGetStream)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s/", cfg.prefix), handleOptions)
	if cfg.metricsPath != "" {
		mux.Handle(fmt.Sprintf("GET %s", cfg.metricsPath), metrics.Handler())
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w, r)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Add("Vary", "Origin")
}

func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// limitFlow rejects requests from addresses that exceeded the flow limit.
func (h *Handler) limitFlow(next http.Handler) http.Handler {
	if h.flow == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ok, err := h.flow.Allow(ctx, clientAddr(r))
		if err != nil {
			h.log.ErrorContext(ctx, "flow.check.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, msgStoreUnavailable)
			return
		}
		if !ok {
			h.log.InfoContext(ctx, "flow.blocked")
			writeJSONError(w, http.StatusForbidden, msgTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr strips the port from the peer address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handlePostRequest accepts a chat request and answers with the stream id
// the client attaches to.
func (h *Handler) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.submit.start")

	if !h.requireJSON(w, r) {
		return
	}
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		metrics.Submissions.WithLabelValues("unauthenticated").Inc()
		return
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{UserID: userInfo.UserID()})

	var req chat.Request
	if err := decodeBody(w, r, &req); err != nil {
		metrics.Submissions.WithLabelValues("invalid").Inc()
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	streamID, err := h.submitter.Submit(ctx, userInfo.UserID(), req)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidRequest):
			metrics.Submissions.WithLabelValues("invalid").Inc()
			h.log.InfoContext(ctx, "submit.invalid", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), chat.ErrInvalidRequest.Error()+": "))
		case errors.Is(err, chat.ErrThrottled):
			metrics.Submissions.WithLabelValues("throttled").Inc()
			writeJSONError(w, http.StatusForbidden, msgThrottled)
		case errors.Is(err, chat.ErrUnauthenticated):
			metrics.Submissions.WithLabelValues("unauthenticated").Inc()
			writeJSONError(w, http.StatusUnauthorized, msgUnauthenticated)
		case errors.Is(err, sessions.ErrStoreUnavailable):
			metrics.Submissions.WithLabelValues("error").Inc()
			h.log.ErrorContext(ctx, "submit.store.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, msgStoreUnavailable)
		default:
			metrics.Submissions.WithLabelValues("error").Inc()
			h.log.ErrorContext(ctx, "submit.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, msgInternal)
		}
		return
	}

	metrics.Submissions.WithLabelValues("accepted").Inc()
	writeEnvelope(w, http.StatusOK, SubmitResponse{SessionID: streamID}, msgSuccess)
	h.log.InfoContext(ctx, "http.submit.ok", slog.String("stream_id", streamID), slog.Duration("dur", time.Since(start)))
}

// handlePostHistory returns the caller's recent finished exchanges.
func (h *Handler) handlePostHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.requireJSON(w, r) {
		return
	}
	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{UserID: userInfo.UserID()})

	var req chat.HistoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	items, err := h.history.Recent(ctx, userInfo.UserID(), req.Limit)
	if err != nil {
		h.log.ErrorContext(ctx, "history.load.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	h.log.InfoContext(ctx, "history.ok", slog.Int("limit", req.Limit), slog.Int("items", len(items)))
	writeEnvelope(w, http.StatusOK, items, msgSuccess)
}

// handleGetStream attaches the caller to a stream id and holds the
// connection open until the stream reaches a terminal state. Possession of a
// live stream id is the authorization; no credential is required.
func (h *Handler) handleGetStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	streamID := r.PathValue("id")
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID})

	if r.Header.Get("Accept") != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "http.get.unsupported_media_type")
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	rc := http.NewResponseController(w)

	exists, err := h.sessions.Exists(ctx, streamID)
	if err != nil {
		metrics.Attaches.WithLabelValues("error").Inc()
		h.log.ErrorContext(ctx, "session.lookup.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusServiceUnavailable, msgStoreUnavailable)
		return
	}

	writeSSEHeaders(w)
	if !exists {
		metrics.Attaches.WithLabelValues("unauthorized").Inc()
		h.log.InfoContext(ctx, "attach.session.miss")
		h.rejectStream(wf, rc, msgInvalidSession)
		return
	}

	sink := &sseSink{wf: wf, rc: rc, timeout: h.writeTimeout}
	handle, err := h.conns.Attach(streamID, sink, connections.Event{
		Kind: connections.EventConnect,
		Data: fmt.Sprintf("Stream established for %s", streamID),
	})
	if err != nil {
		if errors.Is(err, connections.ErrAlreadyBound) {
			metrics.Attaches.WithLabelValues("conflict").Inc()
			h.log.InfoContext(ctx, "attach.conflict")
			h.rejectStream(wf, rc, fmt.Sprintf("Stream already attached for %s.", streamID))
			return
		}
		metrics.Attaches.WithLabelValues("error").Inc()
		h.log.ErrorContext(ctx, "attach.fail", slog.String("err", err.Error()))
		h.rejectStream(wf, rc, err.Error())
		return
	}
	metrics.Attaches.WithLabelValues("attached").Inc()
	metrics.LiveHandles.Inc()
	h.log.InfoContext(ctx, "sse.stream.start")

	select {
	case <-handle.Done():
	case <-ctx.Done():
		handle.Abort(ctx.Err())
		<-handle.Done()
	}
	metrics.LiveHandles.Dec()
	metrics.HandleTeardowns.WithLabelValues(handle.State().String()).Inc()

	attrs := []any{slog.String("state", handle.State().String()), slog.Duration("dur", time.Since(start))}
	if cause := handle.Err(); cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	h.log.InfoContext(ctx, "sse.stream.end", attrs...)
}

// rejectStream writes a single ERROR frame on an already-started event stream.
func (h *Handler) rejectStream(wf *lockedWriteFlusher, rc *http.ResponseController, msg string) {
	_ = rc.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := writeSSEEvent(wf, "ERROR", msg); err != nil {
		h.log.WarnContext(wf.ctx, "sse.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(r.Context(), "content_type.unsupported")
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

// checkAuthentication resolves the caller. On failure it writes the response
// and returns nil.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	tok, err := auth.BearerToken(r)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no bearer authorization header"))
		writeJSONError(w, http.StatusUnauthorized, msgUnauthenticated)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusUnauthorized, msgUnauthenticated)
		case auth.IsStoreFailure(err):
			h.log.ErrorContext(ctx, "auth.check.store_fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusServiceUnavailable, msgStoreUnavailable)
		default:
			h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, msgInternal)
		}
		return nil
	}
	if userInfo.UserID() == "" {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", "empty identity"))
		writeJSONError(w, http.StatusUnauthorized, msgUnauthenticated)
		return nil
	}
	h.log.InfoContext(ctx, "auth.ok")
	return userInfo
}
