package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	first := TraceID(ctx)
	if first == "-" || first == "" {
		t.Fatalf("expected generated trace id, got %q", first)
	}
	// Already carrying one: keep it.
	if got := TraceID(EnsureTraceID(ctx)); got != first {
		t.Fatalf("trace id changed: %q -> %q", first, got)
	}
}

func TestDeliveryTag_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := DeliveryTag(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithDeliveryTag(ctx, 17)
	if got := DeliveryTag(ctx); got != 17 {
		t.Fatalf("expected 17, got %d", got)
	}
}
