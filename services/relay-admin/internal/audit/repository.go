package audit

import (
	"context"
	"encoding/json"

	"github.com/md-rashed-zaman/eventrelay/libs/db"
)

// Repository persists operator actions against dead-lettered events. Metadata
// carries event identity only (event_id, event_type, correlation_id); payloads
// may be confidential and are never written here.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Record(ctx context.Context, action string, operatorID string, metadata map[string]any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO admin_audit_events (action, operator_id, metadata)
		VALUES ($1, NULLIF($2, ''), $3)
	`, action, operatorID, raw)
	return err
}
