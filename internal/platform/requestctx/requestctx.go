// Package requestctx carries caller metadata that commands record on the
// events they produce.
package requestctx

import "context"

type actorKey struct{}
type requestIDKey struct{}
type correlationIDKey struct{}

// WithActorID stores the acting user id in context.
func WithActorID(ctx context.Context, actorID string) context.Context {
	return with(ctx, actorKey{}, actorID)
}

// ActorIDFromContext returns the acting user id, or "".
func ActorIDFromContext(ctx context.Context) string {
	return from(ctx, actorKey{})
}

// WithRequestID stores the request id in context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return with(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	return from(ctx, requestIDKey{})
}

// WithCorrelationID stores the correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return with(ctx, correlationIDKey{}, correlationID)
}

// CorrelationIDFromContext returns the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	return from(ctx, correlationIDKey{})
}

func with(ctx context.Context, key any, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func from(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}
