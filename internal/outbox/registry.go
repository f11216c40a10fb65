package outbox

import (
	"context"
	"encoding/json"

	"github.com/ElixirTrials/medgemma-hackathon-sub001/internal/models"
)

// Handler consumes the payload of a dispatched outbox event. Handlers must
// be idempotent: delivery is at-least-once, and a record whose handlers
// partially failed is re-dispatched to all of them.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry maps event types to ordered lists of handlers. Handlers are
// registered at startup, before the processor is started; the registry is
// not safe for concurrent registration and dispatch.
type Registry struct {
	handlers map[string][]Handler
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]Handler),
	}
}

// Register appends a handler for the given event kind. Handlers for one
// kind are invoked in registration order.
func (r *Registry) Register(kind models.EventKind, handler Handler) {
	r.handlers[kind.String()] = append(r.handlers[kind.String()], handler)
}

// HandlersFor returns the handlers registered for an event type
func (r *Registry) HandlersFor(eventType string) []Handler {
	return r.handlers[eventType]
}

// EventTypes returns all event types with at least one handler
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
