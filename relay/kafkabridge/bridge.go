// Package kafkabridge forwards delivered envelopes to Kafka so systems
// outside the delivery subsystem can tail the event firehose. The bridge is
// an ordinary named handler registered on the bus like any other consumer; it
// is not a bus implementation.
package kafkabridge

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

const handlerName = "kafka-bridge"

type Bridge struct {
	writer *kafka.Writer
}

// New builds a bridge publishing to one topic per event type, keyed by
// aggregate id so per-aggregate order survives partitioning.
func New(brokers []string) *Bridge {
	return &Bridge{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.Hash{},
		}),
	}
}

func (b *Bridge) Name() string { return handlerName }

func (b *Bridge) Handle(ctx context.Context, env event.Envelope) error {
	msg := buildMessage(env)
	msg.Headers = injectTraceHeaders(ctx, msg.Headers)
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) Close() error {
	return b.writer.Close()
}

func buildMessage(env event.Envelope) kafka.Message {
	return kafka.Message{
		Topic: env.EventType,
		Key:   []byte(env.AggregateID),
		Value: env.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.EventID)},
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "aggregate_type", Value: []byte(env.AggregateType)},
			{Key: "correlation_id", Value: []byte(env.Metadata.CorrelationID)},
			{Key: "schema_version", Value: []byte(strconv.Itoa(env.Metadata.SchemaVersion))},
		},
	}
}

// SplitBrokers parses a comma-separated broker list from configuration.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// ReadyCheck dials the first broker so /readyz reflects bridge health.
func ReadyCheck(brokers string) func(context.Context) error {
	return func(ctx context.Context) error {
		list := SplitBrokers(brokers)
		if len(list) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", list[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}
