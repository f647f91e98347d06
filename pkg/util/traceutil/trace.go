package traceutil

import (
	"context"

	"go.uber.org/zap"
)

type traceIDKey struct{}

// WithTraceID returns a copy of ctx carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context, or "".
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// Logger returns logger annotated with the traceID carried by ctx, if any.
func Logger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if traceID := TraceID(ctx); traceID != "" {
		return logger.With(zap.String("trace-id", traceID))
	}
	return logger
}
