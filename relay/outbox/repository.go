package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
	otelx "github.com/md-rashed-zaman/eventrelay/libs/otel"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// Record is one staged event. A record with a null processed_at is pending;
// setting processed_at after confirmed handoff to the bus is the only
// mutation a record ever sees. Cleanup of processed rows is an external
// retention job, never the publisher.
type Record struct {
	ID          int64
	Envelope    event.Envelope
	Traceparent string
	Tracestate  string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Repository is the durable staging area for outgoing events, co-transacted
// with the producer's own writes so a crash after commit cannot lose events.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append stages envelopes on the caller's transaction. The event write
// commits atomically with the business write it describes.
func (r *Repository) Append(ctx context.Context, tx pgx.Tx, envelopes ...event.Envelope) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	for _, env := range envelopes {
		_, err := tx.Exec(ctx, `
			INSERT INTO outbox_events (
				event_id, event_type, aggregate_type, aggregate_id, payload,
				occurred_at, correlation_id, causation_id, schema_version,
				traceparent, tracestate
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, env.EventID, env.EventType, env.AggregateType, env.AggregateID, env.Payload,
			env.OccurredAt, env.Metadata.CorrelationID, env.Metadata.CausationID,
			env.Metadata.SchemaVersion, traceparent, tracestate)
		if err != nil {
			return fmt.Errorf("%w: outbox append %s: %v", event.ErrStoreUnavailable, env.EventID, err)
		}
	}
	return nil
}

// ClaimPending returns up to limit pending records, oldest first. It does not
// mark them processed; competing publishers may occasionally publish the same
// record twice, which downstream idempotency absorbs.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox claim: %v", event.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, payload,
		       occurred_at, correlation_id, causation_id, schema_version,
		       traceparent, tracestate, created_at, processed_at
		FROM outbox_events
		WHERE processed_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: outbox claim: %v", event.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.ID, &rcd.Envelope.EventID, &rcd.Envelope.EventType,
			&rcd.Envelope.AggregateType, &rcd.Envelope.AggregateID, &rcd.Envelope.Payload,
			&rcd.Envelope.OccurredAt, &rcd.Envelope.Metadata.CorrelationID,
			&rcd.Envelope.Metadata.CausationID, &rcd.Envelope.Metadata.SchemaVersion,
			&rcd.Traceparent, &rcd.Tracestate, &rcd.CreatedAt, &rcd.ProcessedAt); err != nil {
			return nil, fmt.Errorf("%w: outbox scan: %v", event.ErrStoreUnavailable, err)
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%w: outbox claim: %v", event.ErrStoreUnavailable, rows.Err())
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: outbox claim: %v", event.ErrStoreUnavailable, err)
	}
	return records, nil
}

// MarkProcessed stamps processed_at on the given events. Marking an already
// processed record again is a no-op, not an error.
func (r *Repository) MarkProcessed(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET processed_at = now()
		WHERE event_id = ANY($1) AND processed_at IS NULL
	`, eventIDs)
	if err != nil {
		return fmt.Errorf("%w: outbox mark processed: %v", event.ErrStoreUnavailable, err)
	}
	return nil
}
