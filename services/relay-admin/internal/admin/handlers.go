package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/md-rashed-zaman/eventrelay/relay/bus"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// DeadLetterStore is the slice of the dead-letter stream the API exposes.
type DeadLetterStore interface {
	List(ctx context.Context, q bus.ListQuery) ([]bus.DeadLetterEntry, string, error)
	Replay(ctx context.Context, id string) (*event.Envelope, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// Auditor records every replay and purge with the operator identity.
type Auditor interface {
	Record(ctx context.Context, action string, operatorID string, metadata map[string]any) error
}

type Handler struct {
	store  DeadLetterStore
	audit  Auditor
	logger *slog.Logger
}

func NewHandler(store DeadLetterStore, audit Auditor, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: audit, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/dead-letters", h.list)
	mux.HandleFunc("/v1/dead-letters/replay", h.replay)
	mux.HandleFunc("/v1/dead-letters/purge", h.purge)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := bus.ListQuery{
		Cursor:    r.URL.Query().Get("cursor"),
		EventType: r.URL.Query().Get("event_type"),
	}
	if raw := r.URL.Query().Get("count"); raw != "" {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || count <= 0 {
			http.Error(w, "invalid count", http.StatusBadRequest)
			return
		}
		q.Count = count
	}
	var err error
	if q.Before, err = parseTimeParam(r, "before"); err != nil {
		http.Error(w, "invalid before timestamp", http.StatusBadRequest)
		return
	}
	if q.After, err = parseTimeParam(r, "after"); err != nil {
		http.Error(w, "invalid after timestamp", http.StatusBadRequest)
		return
	}

	entries, next, err := h.store.List(r.Context(), q)
	if err != nil {
		h.logger.Error("dead-letter list failed", "err", err)
		http.Error(w, "dead-letter store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":     entries,
		"next_cursor": next,
	})
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "entry id is required", http.StatusBadRequest)
		return
	}

	env, err := h.store.Replay(r.Context(), req.ID)
	if errors.Is(err, bus.ErrDeadLetterNotFound) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, event.ErrDecodeFailed) {
		// Permanent: the stored body cannot be turned back into an envelope,
		// so retrying the replay cannot help.
		http.Error(w, "entry envelope is not decodable", http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		h.logger.Error("replay failed", "entry_id", req.ID, "err", err)
		http.Error(w, "replay failed", http.StatusServiceUnavailable)
		return
	}

	operator := OperatorFromContext(r.Context())
	meta := map[string]any{
		"entry_id":       req.ID,
		"event_id":       env.EventID,
		"event_type":     env.EventType,
		"correlation_id": env.Metadata.CorrelationID,
	}
	if err := h.audit.Record(r.Context(), "dead_letter.replay", operator, meta); err != nil {
		h.logger.Error("audit write failed", "action", "dead_letter.replay", "err", err)
	}
	h.logger.Info("dead-letter replayed",
		"operator", operator, "entry_id", req.ID,
		"event_id", env.EventID, "event_type", env.EventType,
		"correlation_id", env.Metadata.CorrelationID)

	writeJSON(w, http.StatusOK, map[string]any{
		"replayed":   true,
		"event_id":   env.EventID,
		"event_type": env.EventType,
	})
}

func (h *Handler) purge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		OlderThan string `json:"older_than"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OlderThan == "" {
		http.Error(w, "older_than timestamp is required", http.StatusBadRequest)
		return
	}
	olderThan, err := time.Parse(time.RFC3339, req.OlderThan)
	if err != nil {
		http.Error(w, "invalid older_than timestamp", http.StatusBadRequest)
		return
	}

	purged, err := h.store.Purge(r.Context(), olderThan)
	if err != nil {
		h.logger.Error("purge failed", "older_than", req.OlderThan, "err", err)
		http.Error(w, "purge failed", http.StatusServiceUnavailable)
		return
	}

	operator := OperatorFromContext(r.Context())
	meta := map[string]any{
		"older_than": olderThan.UTC().Format(time.RFC3339),
		"purged":     purged,
	}
	if err := h.audit.Record(r.Context(), "dead_letter.purge", operator, meta); err != nil {
		h.logger.Error("audit write failed", "action", "dead_letter.purge", "err", err)
	}
	h.logger.Info("dead-letters purged", "operator", operator, "older_than", req.OlderThan, "purged", purged)

	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
