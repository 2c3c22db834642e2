package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata carries the cross-cutting fields attached to every envelope.
// It must never contain payload data: metadata is logged freely while
// payloads may be confidential.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	SchemaVersion int    `json:"schema_version"`
}

// Envelope is the immutable unit of transport. It is created once by a
// producer and read-only thereafter; corrections are expressed as new events.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Metadata      Metadata        `json:"metadata"`
}

// New builds an envelope with a fresh event id and an occurred-at timestamp
// of now. The payload is marshalled once here and never touched again.
func New(eventType, aggregateType, aggregateID string, payload any, meta Metadata) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, fmt.Errorf("event type is required")
	}
	if aggregateType == "" || aggregateID == "" {
		return Envelope{}, fmt.Errorf("aggregate identity is required for %s", eventType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload for %s: %w", eventType, err)
	}
	if meta.SchemaVersion <= 0 {
		meta.SchemaVersion = 1
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       raw,
		OccurredAt:    time.Now().UTC(),
		Metadata:      meta,
	}, nil
}

// LogFields returns the envelope attributes safe to log. Payloads are
// deliberately excluded.
func (e Envelope) LogFields() []any {
	return []any{
		"event_id", e.EventID,
		"event_type", e.EventType,
		"aggregate_type", e.AggregateType,
		"aggregate_id", e.AggregateID,
		"correlation_id", e.Metadata.CorrelationID,
	}
}
