package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

// ErrDeadLetterNotFound is returned when a replay targets an entry that was
// already replayed or purged.
var ErrDeadLetterNotFound = errors.New("dead-letter entry not found")

// DeadLetterEntry is a terminally failed event. Envelope is nil when the
// original entry could not be deserialized.
type DeadLetterEntry struct {
	ID       string          `json:"id"`
	Envelope *event.Envelope `json:"envelope,omitempty"`
	Reason   string          `json:"reason"`
	Handler  string          `json:"handler,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetters is the terminal store for exhausted or undecodable entries,
// kept as a second stream next to the live log. Entries are never retried
// automatically; they leave only through Replay or Purge.
type DeadLetters struct {
	rdb    *redis.Client
	live   string
	stream string
}

func NewDeadLetters(rdb *redis.Client, liveStream, dlqStream string) *DeadLetters {
	if liveStream == "" {
		liveStream = "events"
	}
	if dlqStream == "" {
		dlqStream = liveStream + ".dlq"
	}
	return &DeadLetters{rdb: rdb, live: liveStream, stream: dlqStream}
}

// Add copies the original entry's fields into the dead-letter stream together
// with the failure reason, the consumer identity that last held it, and the
// time of final failure.
func (d *DeadLetters) Add(ctx context.Context, values map[string]any, reason, handler string) error {
	entry := make(map[string]any, len(values)+3)
	for k, v := range values {
		entry[k] = v
	}
	entry[fieldFailureReason] = reason
	entry[fieldFailedHandler] = handler
	entry[fieldFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)

	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{Stream: d.stream, Values: entry}).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter append: %v", event.ErrStoreUnavailable, err)
	}
	return nil
}

// ListQuery pages newest-first through the dead-letter stream. Cursor is the
// opaque position returned by a previous call; EventType and the time bounds
// filter the page after it is fetched.
type ListQuery struct {
	Cursor    string
	Count     int64
	EventType string
	Before    time.Time
	After     time.Time
}

// List returns one page of entries and the cursor for the next page. An empty
// next cursor means the stream is exhausted.
func (d *DeadLetters) List(ctx context.Context, q ListQuery) ([]DeadLetterEntry, string, error) {
	start := q.Cursor
	if start == "" {
		start = "+"
	}
	count := q.Count
	if count <= 0 || count > 200 {
		count = 50
	}

	msgs, err := d.rdb.XRevRangeN(ctx, d.stream, start, "-", count).Result()
	if err != nil {
		return nil, "", fmt.Errorf("%w: dead-letter list: %v", event.ErrStoreUnavailable, err)
	}

	var entries []DeadLetterEntry
	for _, msg := range msgs {
		e := entryFromMessage(msg)
		if q.EventType != "" && (e.Envelope == nil || e.Envelope.EventType != q.EventType) {
			continue
		}
		if !q.Before.IsZero() && !e.FailedAt.Before(q.Before) {
			continue
		}
		if !q.After.IsZero() && !e.FailedAt.After(q.After) {
			continue
		}
		entries = append(entries, e)
	}

	next := ""
	if int64(len(msgs)) == count {
		// Exclusive range so the next page starts past the last entry seen.
		next = "(" + msgs[len(msgs)-1].ID
	}
	return entries, next, nil
}

// Replay re-appends the original envelope to the live log so it flows through
// the normal consume path again, then removes the dead-letter entry.
func (d *DeadLetters) Replay(ctx context.Context, id string) (*event.Envelope, error) {
	msgs, err := d.rdb.XRange(ctx, d.stream, id, id).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dead-letter read: %v", event.ErrStoreUnavailable, err)
	}
	if len(msgs) == 0 {
		return nil, ErrDeadLetterNotFound
	}

	values := make(map[string]any, len(msgs[0].Values))
	for k, v := range msgs[0].Values {
		switch k {
		case fieldFailureReason, fieldFailedHandler, fieldFailedAt:
			continue
		}
		values[k] = v
	}

	env, err := decodeValues(values)
	if err != nil {
		return nil, err
	}

	if err := d.rdb.XAdd(ctx, &redis.XAddArgs{Stream: d.live, Values: values}).Err(); err != nil {
		return nil, fmt.Errorf("%w: replay append: %v", event.ErrPublishFailed, err)
	}
	if err := d.rdb.XDel(ctx, d.stream, id).Err(); err != nil {
		return nil, fmt.Errorf("%w: dead-letter delete: %v", event.ErrStoreUnavailable, err)
	}
	return &env, nil
}

// Purge deletes entries older than the given time and reports how many were
// removed. Stream IDs encode a millisecond timestamp, so the bound translates
// to an ID range without reading entry bodies.
func (d *DeadLetters) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	end := strconv.FormatInt(olderThan.UnixMilli()-1, 10)
	var purged int64
	for {
		msgs, err := d.rdb.XRangeN(ctx, d.stream, "-", end, 100).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: purge scan: %v", event.ErrStoreUnavailable, err)
		}
		if len(msgs) == 0 {
			return purged, nil
		}
		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		n, err := d.rdb.XDel(ctx, d.stream, ids...).Result()
		purged += n
		if err != nil {
			return purged, fmt.Errorf("%w: purge delete: %v", event.ErrStoreUnavailable, err)
		}
		if int64(len(msgs)) < 100 {
			return purged, nil
		}
	}
}

func entryFromMessage(msg redis.XMessage) DeadLetterEntry {
	entry := DeadLetterEntry{
		ID:      msg.ID,
		Reason:  stringValue(msg.Values, fieldFailureReason),
		Handler: stringValue(msg.Values, fieldFailedHandler),
	}
	if raw := stringValue(msg.Values, fieldFailedAt); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			entry.FailedAt = ts
		}
	}
	if env, err := decodeValues(msg.Values); err == nil {
		entry.Envelope = &env
	}
	return entry
}
