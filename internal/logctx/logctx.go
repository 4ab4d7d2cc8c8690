package logctx

import (
	"context"
	"log/slog"
)

// Handler appends request, stream and delivery groups carried in the
// context to every record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("id", sd.StreamID),
			slog.String("user_id", sd.UserID),
		))
	}

	if dd, ok := ctx.Value(deliveryDataKey{}).(*DeliveryData); ok {
		r.AddAttrs(slog.Group("delivery",
			slog.String("id", dd.DeliveryID),
			slog.Int("attempt", dd.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns h wrapped in a Handler unless it already is one.
func Wrap(h slog.Handler) slog.Handler {
	if _, ok := h.(Handler); ok {
		return h
	}
	return Handler{Handler: h}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	StreamID string
	UserID   string
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}

type deliveryDataKey struct{}

type DeliveryData struct {
	DeliveryID string
	Attempt    int
}

func WithDeliveryData(ctx context.Context, data *DeliveryData) context.Context {
	return context.WithValue(ctx, deliveryDataKey{}, data)
}
