package idempotency

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/eventrelay/relay/bus"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// Guard makes redelivery safe for any handler. Every source of duplicates
// (publisher retries, stream redelivery, idle-entry claiming) funnels through
// here, so business handlers never need their own duplicate handling.
type Guard struct {
	store  MarkerStore
	next   bus.Handler
	logger *slog.Logger
}

// Wrap returns a handler with the same name that invokes next at most once
// per event id: a present marker short-circuits to success, and the marker is
// written only after next succeeds.
func Wrap(store MarkerStore, next bus.Handler, logger *slog.Logger) bus.Handler {
	return &Guard{store: store, next: next, logger: logger}
}

func (g *Guard) Name() string { return g.next.Name() }

func (g *Guard) Handle(ctx context.Context, env event.Envelope) error {
	seen, err := g.store.Seen(ctx, env.EventID, g.next.Name())
	if err != nil {
		return err
	}
	if seen {
		if g.logger != nil {
			g.logger.Info("duplicate delivery suppressed",
				append([]any{"handler", g.next.Name()}, env.LogFields()...)...)
		}
		return nil
	}

	if err := g.next.Handle(ctx, env); err != nil {
		// No marker on failure: the bus's retry logic applies.
		return fmt.Errorf("%w: %s: %v", event.ErrHandlerFailed, g.next.Name(), err)
	}

	return g.store.Record(ctx, env.EventID, g.next.Name())
}
