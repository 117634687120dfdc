package projection

import (
	"context"
	"encoding/json"

	"github.com/clinprecision/clinops/internal/services/study/domain/event"
)

// Router dispatches events to typed handlers by event type.
type Router struct {
	handlers map[event.Type]func(Applier, context.Context, event.Event) error
	types    []event.Type
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{handlers: make(map[event.Type]func(Applier, context.Context, event.Event) error)}
}

// Route dispatches evt to its handler. Unhandled types are permanent errors.
func (r *Router) Route(a Applier, ctx context.Context, evt event.Event) error {
	h, ok := r.handlers[evt.Type]
	if !ok {
		return permanent("unhandled projection event type: %s", evt.Type)
	}
	return h(a, ctx, evt)
}

// HandledTypes returns the registered types in registration order.
func (r *Router) HandledTypes() []event.Type {
	return append([]event.Type(nil), r.types...)
}

// HandleProjection registers a handler that receives the decoded payload.
func HandleProjection[P any](r *Router, t event.Type, fn func(Applier, context.Context, event.Event, P) error) {
	r.handlers[t] = func(a Applier, ctx context.Context, evt event.Event) error {
		var payload P
		if err := json.Unmarshal(evt.PayloadJSON, &payload); err != nil {
			return permanent("decode %s payload: %w", t, err)
		}
		return fn(a, ctx, evt, payload)
	}
	r.types = append(r.types, t)
}
