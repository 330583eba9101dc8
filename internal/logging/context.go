package logging

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// FromContext extracts the logger from ctx, or returns fallback when none
// is stored.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
			return logger
		}
	}
	return fallback
}

// WithContext stores a logger in the context.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// WithCorrelationID returns a context whose logger carries correlation_id.
func WithCorrelationID(ctx context.Context, fallback *slog.Logger, id string) (context.Context, *slog.Logger) {
	logger := FromContext(ctx, fallback).With(slog.String("correlation_id", id))
	return WithContext(ctx, logger), logger
}
