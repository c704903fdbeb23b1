package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type deliveryTagKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace_id,
// otherwise a child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

// WithDeliveryTag attaches the broker delivery tag being processed.
func WithDeliveryTag(ctx context.Context, tag uint64) context.Context {
	return context.WithValue(ctx, deliveryTagKey{}, tag)
}

// DeliveryTag extracts the broker delivery tag (0 if absent).
func DeliveryTag(ctx context.Context) uint64 {
	if v, ok := ctx.Value(deliveryTagKey{}).(uint64); ok {
		return v
	}
	return 0
}
