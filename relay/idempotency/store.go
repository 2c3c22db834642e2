package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// MarkerStore persists which (event, handler) pairs have completed. The
// check-then-write race across concurrent deliveries is settled by the
// store's unique key, not by in-process locking, so it holds across
// processes.
type MarkerStore interface {
	// Seen reports whether the handler already completed the event.
	Seen(ctx context.Context, eventID, handlerName string) (bool, error)
	// Record writes the marker. A concurrent duplicate write is success.
	Record(ctx context.Context, eventID, handlerName string) error
}

// Store is the Postgres marker store. processed_events carries a unique
// constraint on (event_id, handler_name).
type Store struct {
	pool *db.Pool
}

func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Seen(ctx context.Context, eventID, handlerName string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_events
			WHERE event_id = $1 AND handler_name = $2
		)
	`, eventID, handlerName).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("%w: marker lookup %s/%s: %v", event.ErrStoreUnavailable, eventID, handlerName, err)
	}
	return seen, nil
}

func (s *Store) Record(ctx context.Context, eventID, handlerName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, handler_name)
		VALUES ($1, $2)
	`, eventID, handlerName)
	if err == nil {
		return nil
	}

	// Unique violation means another delivery won the race; already handled.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil
	}
	return fmt.Errorf("%w: marker write %s/%s: %v", event.ErrStoreUnavailable, eventID, handlerName, err)
}
