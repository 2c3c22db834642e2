package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// StreamConfig configures the production bus backed by a Redis stream.
type StreamConfig struct {
	// Stream is the key of the live event log.
	Stream string
	// MaxLen bounds the log; XADD trims approximately past it.
	MaxLen int64
}

// Stream is the durable bus implementation. Publishing appends to a bounded
// Redis stream; delivery happens through consumer groups (see Consumer), so
// multiple instances split the workload and crashed consumers are reclaimed.
type Stream struct {
	rdb      *redis.Client
	registry *Registry
	logger   *slog.Logger
	cfg      StreamConfig
}

func NewStream(rdb *redis.Client, registry *Registry, logger *slog.Logger, cfg StreamConfig) *Stream {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.Stream == "" {
		cfg.Stream = "events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 100_000
	}
	return &Stream{rdb: rdb, registry: registry, logger: logger, cfg: cfg}
}

func (b *Stream) Subscribe(eventType string, h Handler) {
	b.registry.Subscribe(eventType, h)
}

func (b *Stream) SubscribeAll(eventTypes []string, h Handler) {
	b.registry.SubscribeAll(eventTypes, h)
}

// Publish appends the envelope to the log. The stream ID assigned by Redis is
// the ordering key; wall-clock time on the envelope is informational.
func (b *Stream) Publish(ctx context.Context, env event.Envelope) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: encodeValues(env, traceparent, tracestate),
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: xadd %s: %v", event.ErrPublishFailed, env.EventID, err)
	}
	return nil
}
