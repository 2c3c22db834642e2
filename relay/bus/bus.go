package bus

import (
	"context"
	"sync"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// Handler consumes one envelope. Name must be stable across restarts: it is
// the idempotency key component and the consumer identity on dead-letter
// entries.
type Handler interface {
	Name() string
	Handle(ctx context.Context, env event.Envelope) error
}

type handlerFunc struct {
	name string
	fn   func(ctx context.Context, env event.Envelope) error
}

func (h handlerFunc) Name() string { return h.name }

func (h handlerFunc) Handle(ctx context.Context, env event.Envelope) error {
	return h.fn(ctx, env)
}

// HandlerFunc adapts a function to a named Handler.
func HandlerFunc(name string, fn func(ctx context.Context, env event.Envelope) error) Handler {
	return handlerFunc{name: name, fn: fn}
}

// Bus is the delivery engine. Two implementations exist: InProcess for tests
// and single-instance deployments, and Stream (Redis Streams) for production.
type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
	Subscribe(eventType string, h Handler)
	SubscribeAll(eventTypes []string, h Handler)
}

// Registry maps event types to their handlers. It is constructed at startup
// and injected into a bus; registration happens before the consume loop
// starts, but the registry is safe for concurrent use anyway.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]Handler
}

func NewRegistry() *Registry {
	return &Registry{byType: map[string][]Handler{}}
}

func (r *Registry) Subscribe(eventType string, h Handler) {
	if eventType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[eventType] = append(r.byType[eventType], h)
}

func (r *Registry) SubscribeAll(eventTypes []string, h Handler) {
	for _, t := range eventTypes {
		r.Subscribe(t, h)
	}
}

// HandlersFor returns the handlers for an event type in registration order.
func (r *Registry) HandlersFor(eventType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handlers := r.byType[eventType]
	if len(handlers) == 0 {
		return nil
	}
	out := make([]Handler, len(handlers))
	copy(out, handlers)
	return out
}
