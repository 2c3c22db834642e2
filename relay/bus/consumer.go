package bus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
)

// ConsumerConfig configures one member of a consumer group.
type ConsumerConfig struct {
	// Group is the consumer-group name; each group reads the full log.
	Group string
	// Consumer identifies this instance inside the group.
	Consumer string
	// BatchSize caps how many entries one read or sweep handles.
	BatchSize int64
	// Block is the XREADGROUP block timeout.
	Block time.Duration
	// MaxRetries is the delivery budget before an entry is dead-lettered.
	MaxRetries int64
	// ClaimIdleAfter is how long an unacknowledged entry may sit with a
	// consumer before the sweep reassigns it.
	ClaimIdleAfter time.Duration
	// SweepEvery is the idle-claim sweep interval.
	SweepEvery time.Duration
}

// Consumer reads entries assigned to this instance, dispatches them to the
// registered handlers, and acknowledges on success. Entries are processed
// sequentially; the group protocol, not application locking, decides which
// instance owns which entry. A background sweep reclaims entries stranded by
// dead consumers and dead-letters entries past their retry budget.
type Consumer struct {
	bus    *Stream
	dlq    *DeadLetters
	logger *slog.Logger
	cfg    ConsumerConfig
}

func NewConsumer(bus *Stream, dlq *DeadLetters, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Group == "" {
		cfg.Group = "eventrelay"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "consumer-1"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ClaimIdleAfter <= 0 {
		cfg.ClaimIdleAfter = 30 * time.Second
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = 10 * time.Second
	}
	return &Consumer{bus: bus, dlq: dlq, logger: logger, cfg: cfg}
}

func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.ensureGroup(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		// The group must exist before reads; a dead consumer next to a live
		// publisher silently strands every event, so keep trying.
		c.logger.Error("consumer group create failed", "group", c.cfg.Group, "err", err)
		time.Sleep(1 * time.Second)
	}

	go c.sweepLoop(ctx)

	for {
		res, err := c.bus.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{c.bus.cfg.Stream, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if isNoGroup(err) {
				// The group vanished (Redis flush/restore); recreate it
				// instead of spinning on read errors.
				if err := c.ensureGroup(ctx); err != nil {
					c.logger.Error("consumer group recreate failed", "group", c.cfg.Group, "err", err)
				}
				time.Sleep(1 * time.Second)
				continue
			}
			c.logger.Error("stream read error", "stream", c.bus.cfg.Stream, "err", err)
			time.Sleep(1 * time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.process(ctx, msg)
			}
		}
	}
}

// groupStartID makes a new group read the log from the beginning. Starting at
// the tail ("$") would skip every entry published before the group existed —
// entries the outbox publisher has already marked processed.
const groupStartID = "0"

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.bus.rdb.XGroupCreateMkStream(ctx, c.bus.cfg.Stream, c.cfg.Group, groupStartID).Err()
	if isBusyGroup(err) {
		return nil
	}
	return err
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

// process runs every registered handler for one entry. The entry is acked
// only when all handlers succeed; otherwise it stays pending and the sweep
// redelivers it. A fully successful re-run after a partial failure is safe
// because handlers are wrapped in the idempotency guard.
func (c *Consumer) process(ctx context.Context, msg redis.XMessage) {
	env, err := decodeValues(msg.Values)
	if err != nil {
		// Redelivery cannot fix a malformed entry; dead-letter it without
		// spending the retry budget.
		c.logger.Error("undecodable entry dead-lettered", "entry_id", msg.ID, "err", err)
		c.deadLetter(ctx, msg, err.Error(), c.cfg.Consumer)
		return
	}

	msgCtx := otelx.ContextWithTraceContext(ctx,
		stringValue(msg.Values, fieldTraceparent),
		stringValue(msg.Values, fieldTracestate))
	spanCtx, span := otel.Tracer("eventrelay").Start(msgCtx, "stream.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "redis-stream"),
			attribute.String("messaging.destination", c.bus.cfg.Stream),
			attribute.String("messaging.consumer_group", c.cfg.Group),
			attribute.String("event.type", env.EventType),
		),
	)
	defer span.End()

	for _, h := range c.bus.registry.HandlersFor(env.EventType) {
		if err := h.Handle(spanCtx, env); err != nil {
			span.RecordError(err)
			c.logger.Error("handler failed",
				append([]any{"handler", h.Name(), "entry_id", msg.ID, "err", err}, env.LogFields()...)...)
			return
		}
	}

	if err := c.bus.rdb.XAck(ctx, c.bus.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		// The ack retries via the sweep; handlers re-run idempotently.
		span.RecordError(err)
		c.logger.Error("ack failed", "entry_id", msg.ID, "err", err)
	}
}

func (c *Consumer) deadLetter(ctx context.Context, msg redis.XMessage, reason, handler string) {
	if err := c.dlq.Add(ctx, msg.Values, reason, handler); err != nil {
		// Keep the entry pending so the sweep tries again.
		c.logger.Error("dead-letter append failed", "entry_id", msg.ID, "err", err)
		return
	}
	if err := c.bus.rdb.XAck(ctx, c.bus.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		c.logger.Error("ack after dead-letter failed", "entry_id", msg.ID, "err", err)
	}
}

func (c *Consumer) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("idle sweep failed", "err", err)
			}
		}
	}
}

// sweep reassigns entries whose owning consumer went quiet. Redis tracks a
// monotonic per-entry delivery count on the pending-entries list; entries at
// or past the retry budget are dead-lettered, the rest are claimed by this
// consumer and re-processed (the claim itself counts as a delivery).
func (c *Consumer) sweep(ctx context.Context) error {
	pending, err := c.bus.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.bus.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ClaimIdleAfter,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil || len(pending) == 0 {
		return err
	}

	retry, dead := splitPending(pending, c.cfg.MaxRetries)
	lastOwner := make(map[string]string, len(pending))
	for _, p := range pending {
		lastOwner[p.ID] = p.Consumer
	}

	if len(dead) > 0 {
		msgs, err := c.claim(ctx, dead)
		if err != nil {
			return err
		}
		claimed := make(map[string]bool, len(msgs))
		for _, msg := range msgs {
			claimed[msg.ID] = true
			c.logger.Warn("retry budget exhausted, dead-lettering", "entry_id", msg.ID,
				"event_id", stringValue(msg.Values, fieldEventID),
				"event_type", stringValue(msg.Values, fieldEventType))
			c.deadLetter(ctx, msg, "retry budget exhausted", lastOwner[msg.ID])
		}
		// Entries trimmed out of the log have no body left to dead-letter;
		// ack them so they stop occupying the pending list.
		for _, id := range dead {
			if !claimed[id] {
				c.logger.Warn("pending entry no longer in log, acking", "entry_id", id)
				_ = c.bus.rdb.XAck(ctx, c.bus.cfg.Stream, c.cfg.Group, id).Err()
			}
		}
	}

	if len(retry) > 0 {
		msgs, err := c.claim(ctx, retry)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
	return nil
}

func (c *Consumer) claim(ctx context.Context, ids []string) ([]redis.XMessage, error) {
	return c.bus.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.bus.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ClaimIdleAfter,
		Messages: ids,
	}).Result()
}

// splitPending partitions idle entries into ones with retry budget left and
// ones to dead-letter. RetryCount is the number of deliveries so far.
func splitPending(pending []redis.XPendingExt, maxRetries int64) (retry, dead []string) {
	for _, p := range pending {
		if p.RetryCount >= maxRetries {
			dead = append(dead, p.ID)
		} else {
			retry = append(retry, p.ID)
		}
	}
	return retry, dead
}
