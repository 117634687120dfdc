package requestctx

import (
	"context"
	"testing"
)

func TestActorIDRoundTrip(t *testing.T) {
	ctx := WithActorID(context.Background(), "user-42")
	if got := ActorIDFromContext(ctx); got != "user-42" {
		t.Fatalf("ActorIDFromContext = %q, want %q", got, "user-42")
	}
}

func TestValuesAreIndependent(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithCorrelationID(ctx, "corr-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("RequestIDFromContext = %q, want req-1", got)
	}
	if got := CorrelationIDFromContext(ctx); got != "corr-1" {
		t.Fatalf("CorrelationIDFromContext = %q, want corr-1", got)
	}
	if got := ActorIDFromContext(ctx); got != "" {
		t.Fatalf("ActorIDFromContext = %q, want empty", got)
	}
}

func TestNilContext(t *testing.T) {
	if got := ActorIDFromContext(nil); got != "" {
		t.Fatalf("expected empty actor for nil context, got %q", got)
	}
	ctx := WithRequestID(nil, "req-9")
	if got := RequestIDFromContext(ctx); got != "req-9" {
		t.Fatalf("RequestIDFromContext = %q, want req-9", got)
	}
}
