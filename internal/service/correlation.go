package service

import (
	"context"
	"log/slog"

	"github.com/roach88/pricer/internal/logging"
)

type correlationKey struct{}

// WithCorrelationID returns a context carrying id. Operations started with
// it reuse id instead of generating one.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// begin assigns the operation a correlation id, unless ctx already has
// one, and returns the logger bound to it.
func (s *Service) begin(ctx context.Context, op string) (context.Context, *slog.Logger) {
	id := correlationID(ctx)
	if id == "" {
		id = s.ids.Generate()
		ctx = WithCorrelationID(ctx, id)
	}
	ctx, logger := logging.WithCorrelationID(ctx, s.logger, id)
	return ctx, logger.With("operation", op)
}
