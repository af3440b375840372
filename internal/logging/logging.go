// Package logging wraps zerolog with correlation-ID aware helpers. Every
// request gets a correlation ID at ingress; the ID travels in the request
// context and is stamped onto each record emitted for that request.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	userIDKey
)

// NewCorrelationID returns a fresh correlation ID.
func NewCorrelationID() string {
	return uuid.NewString()
}

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID extracts the correlation ID from ctx, or "".
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying the authenticated user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the authenticated user ID from ctx, or "".
func UserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// Logger emits structured records for one gateway component.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger writing to w at the given level.
func New(component string, w io.Writer, level zerolog.Level) *Logger {
	zl := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl}
}

// NewDefault creates a logger writing to stderr. The level is taken from the
// LOG_LEVEL environment variable and defaults to info.
func NewDefault(component string) *Logger {
	return New(component, os.Stderr, levelFromEnv())
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger for a sub-component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) decorate(ctx context.Context, ev *zerolog.Event) *zerolog.Event {
	if ctx == nil {
		return ev
	}
	if id := CorrelationID(ctx); id != "" {
		ev = ev.Str("correlation_id", id)
	}
	if uid := UserID(ctx); uid != "" {
		ev = ev.Str("user_id", uid)
	}
	return ev
}

// Debug starts a debug record enriched with context fields.
func (l *Logger) Debug(ctx context.Context) *zerolog.Event {
	return l.decorate(ctx, l.zl.Debug())
}

// Info starts an info record enriched with context fields.
func (l *Logger) Info(ctx context.Context) *zerolog.Event {
	return l.decorate(ctx, l.zl.Info())
}

// Warn starts a warn record enriched with context fields.
func (l *Logger) Warn(ctx context.Context) *zerolog.Event {
	return l.decorate(ctx, l.zl.Warn())
}

// Error starts an error record enriched with context fields.
func (l *Logger) Error(ctx context.Context) *zerolog.Event {
	return l.decorate(ctx, l.zl.Error())
}
