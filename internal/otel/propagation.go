package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Propagator carries W3C trace context and baggage across the broker.
var Propagator propagation.TextMapPropagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// HeaderCarrier adapts AMQP message headers to a TextMapCarrier. Non-string
// values are rendered with %v on read.
type HeaderCarrier map[string]any

func (c HeaderCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectHeaders returns message headers holding the span context of ctx, or
// nil when there is nothing to propagate.
func InjectHeaders(ctx context.Context) map[string]any {
	c := HeaderCarrier{}
	Propagator.Inject(ctx, c)
	if len(c) == 0 {
		return nil
	}
	return c
}

// ExtractHeaders returns ctx with the remote span context found in headers.
func ExtractHeaders(ctx context.Context, headers map[string]any) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return Propagator.Extract(ctx, HeaderCarrier(headers))
}

func installPropagator() {
	otel.SetTextMapPropagator(Propagator)
}
