package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

type sessionKey struct{}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx retrieves the logger from the context.
// If no logger is found, the global logger is returned.
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

// WithSession returns a context whose logger carries the session id. A
// context already scoped to sessionID is returned unchanged, so callers can
// scope defensively without repeating the field.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if SessionID(ctx) == sessionID {
		return ctx
	}
	l := Ctx(ctx)
	ctx = context.WithValue(ctx, sessionKey{}, sessionID)
	return WithLogger(ctx, l.With().Str(FieldSessionID, sessionID).Logger())
}

// SessionID returns the session id the context logger is scoped to, if any.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
