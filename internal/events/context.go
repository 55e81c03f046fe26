package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const loggerKey contextKey = iota

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	return FromContextOr(ctx, defaultLogger)
}

// FromContextOr extracts logger from context, or returns fallback when none
// is attached.
func FromContextOr(ctx context.Context, fallback *Logger) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return fallback
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithSessionID tags the context logger with a sync session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("session_id", id))
}

// WithRunID tags the context logger with the run being processed.
func WithRunID(ctx context.Context, id string) context.Context {
	return WithLogger(ctx, FromContext(ctx).WithField("run_id", id))
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  InfoLevel,
	format: "text",
	output: os.Stderr,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
