// Package logctx enriches slog records with request, identity, and session
// attributes carried on the context, so call sites log once and correlation
// fields come along for free.
package logctx

import (
	"context"
	"log/slog"

	"github.com/canopyops/toolgate/authn"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	if id, ok := authn.FromContext(ctx); ok {
		if id.StaticKey {
			r.AddAttrs(slog.Group("ident", slog.Bool("static_key", true)))
		} else {
			r.AddAttrs(slog.Group("ident",
				slog.String("user_id", id.UserID),
				slog.String("company_id", id.CompanyID),
				slog.String("client_id", id.ClientID),
			))
		}
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("kind", sd.Kind),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs re-wraps so loggers derived via With keep context enrichment.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup re-wraps so loggers derived via WithGroup keep context enrichment.
func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

// RequestIDFrom returns the correlation id for the current request, if any.
func RequestIDFrom(ctx context.Context) string {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		return rd.RequestID
	}
	return ""
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID string
	Kind      string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}
