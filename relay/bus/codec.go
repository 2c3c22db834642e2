package bus

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// Field names carried on every stream entry. Payload stays opaque JSON; the
// rest are flat strings so they can be read without deserializing the payload.
const (
	fieldEventID       = "event_id"
	fieldEventType     = "event_type"
	fieldAggregateType = "aggregate_type"
	fieldAggregateID   = "aggregate_id"
	fieldPayload       = "payload"
	fieldOccurredAt    = "occurred_at"
	fieldCorrelationID = "correlation_id"
	fieldCausationID   = "causation_id"
	fieldSchemaVersion = "schema_version"
	fieldTraceparent   = "traceparent"
	fieldTracestate    = "tracestate"

	fieldFailureReason = "failure_reason"
	fieldFailedHandler = "failed_handler"
	fieldFailedAt      = "failed_at"
)

func encodeValues(env event.Envelope, traceparent, tracestate string) map[string]any {
	return map[string]any{
		fieldEventID:       env.EventID,
		fieldEventType:     env.EventType,
		fieldAggregateType: env.AggregateType,
		fieldAggregateID:   env.AggregateID,
		fieldPayload:       string(env.Payload),
		fieldOccurredAt:    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		fieldCorrelationID: env.Metadata.CorrelationID,
		fieldCausationID:   env.Metadata.CausationID,
		fieldSchemaVersion: strconv.Itoa(env.Metadata.SchemaVersion),
		fieldTraceparent:   traceparent,
		fieldTracestate:    tracestate,
	}
}

func decodeValues(values map[string]any) (event.Envelope, error) {
	env := event.Envelope{
		EventID:       stringValue(values, fieldEventID),
		EventType:     stringValue(values, fieldEventType),
		AggregateType: stringValue(values, fieldAggregateType),
		AggregateID:   stringValue(values, fieldAggregateID),
		Metadata: event.Metadata{
			CorrelationID: stringValue(values, fieldCorrelationID),
			CausationID:   stringValue(values, fieldCausationID),
		},
	}
	if env.EventID == "" || env.EventType == "" {
		return event.Envelope{}, fmt.Errorf("%w: missing event identity", event.ErrDecodeFailed)
	}

	payload := stringValue(values, fieldPayload)
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return event.Envelope{}, fmt.Errorf("%w: payload is not valid JSON for %s", event.ErrDecodeFailed, env.EventID)
		}
		env.Payload = json.RawMessage(payload)
	}

	if raw := stringValue(values, fieldOccurredAt); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return event.Envelope{}, fmt.Errorf("%w: bad occurred_at for %s: %v", event.ErrDecodeFailed, env.EventID, err)
		}
		env.OccurredAt = ts
	}

	if raw := stringValue(values, fieldSchemaVersion); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return event.Envelope{}, fmt.Errorf("%w: bad schema_version for %s: %v", event.ErrDecodeFailed, env.EventID, err)
		}
		env.Metadata.SchemaVersion = v
	}
	if env.Metadata.SchemaVersion <= 0 {
		env.Metadata.SchemaVersion = 1
	}
	return env, nil
}

func stringValue(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
