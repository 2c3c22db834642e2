package outbox

import (
	"context"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// Store is the pending-record side of the outbox used by the publisher.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]Record, error)
	MarkProcessed(ctx context.Context, eventIDs []string) error
}

// Bus is the publish half of the event bus.
type Bus interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// Publisher drains pending outbox records into the event bus. A record is
// marked processed only after the bus confirms the handoff; anything else
// stays pending and is retried on the next poll, so delivery is at-least-once
// from here on and duplicates are absorbed by the idempotency guard.
type Publisher struct {
	store          Store
	bus            Bus
	logger         *slog.Logger
	pollEvery      time.Duration
	batchSize      int
	publishTimeout time.Duration
}

type PublisherConfig struct {
	PollEvery      time.Duration
	BatchSize      int
	PublishTimeout time.Duration
}

func NewPublisher(store Store, bus Bus, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 1 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Publisher{
		store:          store,
		bus:            bus,
		logger:         logger,
		pollEvery:      cfg.PollEvery,
		batchSize:      cfg.BatchSize,
		publishTimeout: cfg.PublishTimeout,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.PublishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// PublishBatch claims one batch in created_at order and publishes it. When a
// publish fails, later records of the same aggregate are skipped for this
// batch so per-aggregate order survives; unrelated aggregates proceed.
func (p *Publisher) PublishBatch(ctx context.Context) error {
	records, err := p.store.ClaimPending(ctx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	failedAggregates := map[string]bool{}
	var published []string
	for _, rcd := range records {
		// Aggregate IDs are only unique within a type, so the skip key
		// carries both.
		key := rcd.Envelope.AggregateType + "/" + rcd.Envelope.AggregateID
		if failedAggregates[key] {
			continue
		}

		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		pubCtx, cancel := context.WithTimeout(msgCtx, p.publishTimeout)
		err := p.bus.Publish(pubCtx, rcd.Envelope)
		cancel()
		if err != nil {
			failedAggregates[key] = true
			p.logger.Error("publish failed, record stays pending",
				append([]any{"err", err}, rcd.Envelope.LogFields()...)...)
			continue
		}
		published = append(published, rcd.Envelope.EventID)
	}

	return p.store.MarkProcessed(ctx, published)
}
