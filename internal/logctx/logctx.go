// Package logctx carries per-request and per-session log attributes in the
// context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request and session data carried by the
// record's context, as the "req" and "sess" groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Any("req", rd))
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Any("sess", sd))
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

// RequestData describes the HTTP request a connection was upgraded from.
type RequestData struct {
	RequestID  string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func (rd *RequestData) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("id", rd.RequestID)}
	attrs = appendNonEmpty(attrs, "user_agent", rd.UserAgent)
	attrs = appendNonEmpty(attrs, "remote_addr", rd.RemoteAddr)
	attrs = appendNonEmpty(attrs, "path", rd.Path)
	return slog.GroupValue(attrs...)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData describes the gateway session a log line belongs to. The
// session updates it in place as it progresses.
type SessionData struct {
	SessionID string
	UserID    string
	State     string
}

func (sd *SessionData) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("id", sd.SessionID)}
	attrs = appendNonEmpty(attrs, "user_id", sd.UserID)
	attrs = appendNonEmpty(attrs, "state", sd.State)
	return slog.GroupValue(attrs...)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

func appendNonEmpty(attrs []slog.Attr, key, val string) []slog.Attr {
	if val == "" {
		return attrs
	}
	return append(attrs, slog.String(key, val))
}
