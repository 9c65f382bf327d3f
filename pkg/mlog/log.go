// Package mlog defines the pluggable structured logger contract used
// throughout the messaging core. Concrete backends (pkg/mzap) and the
// no-op default live beside this interface; callers never depend on a
// specific backend directly.
package mlog

import (
	"context"
)

// Logger is the common interface every log implementation must satisfy.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)
	Infoln(args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)
	Errorln(args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)
	Warnln(args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)
	Debugln(args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)
	Fatalln(args ...any)

	// WithFields returns a new logger carrying the given structured fields.
	// Implementations must leave the receiver unchanged.
	WithFields(fields ...any) Logger

	Sync() error
}

// Fields is the fixed minimal schema used by all event logs emitted by
// this library: source, event_id, event, trace_id, error, error_class,
// duration_ms, reason, handler, extra.
type Fields struct {
	Source     string
	EventID    string
	Event      string
	TraceID    []string
	Error      string
	ErrorClass string
	DurationMs int64
	Reason     string
	Handler    string
	Extra      map[string]any
}

// KeyValues flattens Fields into an alternating key/value slice suitable
// for Logger.WithFields.
func (f Fields) KeyValues() []any {
	kv := make([]any, 0, 20)

	kv = append(kv,
		"source", f.Source,
		"event_id", f.EventID,
		"event", f.Event,
		"trace_id", f.TraceID,
	)

	if f.Error != "" {
		kv = append(kv, "error", f.Error)
	}

	if f.ErrorClass != "" {
		kv = append(kv, "error_class", f.ErrorClass)
	}

	if f.DurationMs > 0 {
		kv = append(kv, "duration_ms", f.DurationMs)
	}

	if f.Reason != "" {
		kv = append(kv, "reason", f.Reason)
	}

	if f.Handler != "" {
		kv = append(kv, "handler", f.Handler)
	}

	for k, v := range f.Extra {
		kv = append(kv, k, v)
	}

	return kv
}

type loggerContextKey string

const contextKey loggerContextKey = "logger"

// ContextWithLogger returns a context carrying the given Logger.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, contextKey, logger)
}

// NewLoggerFromContext extracts the Logger stored in ctx, falling back to
// a NoneLogger if absent.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextKey).(Logger); ok && logger != nil {
		return logger
	}

	return &NoneLogger{}
}
