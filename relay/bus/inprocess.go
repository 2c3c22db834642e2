package bus

import (
	"context"
	"log/slog"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// InProcess dispatches synchronously on the publishing goroutine, in
// registration order. A handler failure is logged and does not stop the
// remaining handlers, and is never retried: durability comes from the outbox,
// not from this bus. Not the production delivery path.
type InProcess struct {
	registry *Registry
	logger   *slog.Logger
}

func NewInProcess(registry *Registry, logger *slog.Logger) *InProcess {
	if registry == nil {
		registry = NewRegistry()
	}
	return &InProcess{registry: registry, logger: logger}
}

func (b *InProcess) Subscribe(eventType string, h Handler) {
	b.registry.Subscribe(eventType, h)
}

func (b *InProcess) SubscribeAll(eventTypes []string, h Handler) {
	b.registry.SubscribeAll(eventTypes, h)
}

func (b *InProcess) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, h := range b.registry.HandlersFor(env.EventType) {
		if err := h.Handle(ctx, env); err != nil && b.logger != nil {
			b.logger.Error("handler failed",
				append([]any{"handler", h.Name(), "err", err}, env.LogFields()...)...)
		}
	}
	return nil
}
