package outbox

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

type memoryStore struct {
	records []Record
}

func (s *memoryStore) add(t *testing.T, eventType, aggregateID string) event.Envelope {
	t.Helper()
	return s.addTyped(t, eventType, "session", aggregateID)
}

func (s *memoryStore) addTyped(t *testing.T, eventType, aggregateType, aggregateID string) event.Envelope {
	t.Helper()
	env, err := event.New(eventType, aggregateType, aggregateID, map[string]string{"k": "v"}, event.Metadata{})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	s.records = append(s.records, Record{
		ID:        int64(len(s.records) + 1),
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	})
	return env
}

func (s *memoryStore) ClaimPending(_ context.Context, limit int) ([]Record, error) {
	var pending []Record
	for _, r := range s.records {
		if r.ProcessedAt == nil {
			pending = append(pending, r)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, eventIDs []string) error {
	for _, id := range eventIDs {
		for i := range s.records {
			if s.records[i].Envelope.EventID == id && s.records[i].ProcessedAt == nil {
				now := time.Now().UTC()
				s.records[i].ProcessedAt = &now
			}
		}
	}
	return nil
}

func (s *memoryStore) pendingCount() int {
	n := 0
	for _, r := range s.records {
		if r.ProcessedAt == nil {
			n++
		}
	}
	return n
}

type fakeBus struct {
	published []event.Envelope
	failIDs   map[string]bool
	block     bool
}

func (b *fakeBus) Publish(ctx context.Context, env event.Envelope) error {
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if b.failIDs[env.EventID] {
		return errors.New("bus unreachable")
	}
	b.published = append(b.published, env)
	return nil
}

func newTestPublisher(store Store, b Bus) *Publisher {
	return NewPublisher(store, b, slog.New(slog.DiscardHandler), PublisherConfig{
		PollEvery:      time.Hour, // batches are driven directly in tests
		BatchSize:      50,
		PublishTimeout: 50 * time.Millisecond,
	})
}

func TestPublishBatchHappyPathOrder(t *testing.T) {
	store := &memoryStore{}
	first := store.add(t, "session.created", "sess-1")
	second := store.add(t, "session.renamed", "sess-1")
	third := store.add(t, "session.closed", "sess-1")

	b := &fakeBus{}
	p := newTestPublisher(store, b)

	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if len(b.published) != 3 {
		t.Fatalf("expected 3 published events, got %d", len(b.published))
	}
	want := []string{first.EventID, second.EventID, third.EventID}
	for i, env := range b.published {
		if env.EventID != want[i] {
			t.Fatalf("order broken at %d: got %s want %s", i, env.EventID, want[i])
		}
	}
	if store.pendingCount() != 0 {
		t.Fatalf("expected all records processed, %d still pending", store.pendingCount())
	}
}

func TestPublishBatchFailureKeepsPendingAndAggregateOrder(t *testing.T) {
	store := &memoryStore{}
	a1 := store.add(t, "session.created", "sess-a")
	a2 := store.add(t, "session.renamed", "sess-a")
	a3 := store.add(t, "session.closed", "sess-a")
	b1 := store.add(t, "session.created", "sess-b")

	b := &fakeBus{failIDs: map[string]bool{a2.EventID: true}}
	p := newTestPublisher(store, b)

	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	// a1 and b1 go through; a2 fails; a3 must be held back behind a2.
	if len(b.published) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(b.published))
	}
	if b.published[0].EventID != a1.EventID || b.published[1].EventID != b1.EventID {
		t.Fatalf("unexpected publish set: %v", b.published)
	}
	if store.pendingCount() != 2 {
		t.Fatalf("expected a2 and a3 pending, got %d pending", store.pendingCount())
	}

	// Next poll retries the failed aggregate and drains it in order.
	b.failIDs = nil
	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("retry PublishBatch failed: %v", err)
	}
	if len(b.published) != 4 {
		t.Fatalf("expected 4 published events after retry, got %d", len(b.published))
	}
	if b.published[2].EventID != a2.EventID || b.published[3].EventID != a3.EventID {
		t.Fatal("retry broke per-aggregate order")
	}
	if store.pendingCount() != 0 {
		t.Fatalf("expected no pending records, got %d", store.pendingCount())
	}
}

func TestPublishBatchFailureScopedToAggregateType(t *testing.T) {
	store := &memoryStore{}
	s1 := store.addTyped(t, "session.created", "session", "shared-1")
	s2 := store.addTyped(t, "session.renamed", "session", "shared-1")
	d1 := store.addTyped(t, "document.created", "document", "shared-1")

	// Same aggregate id under two types: a failed session publish must not
	// hold back the document aggregate.
	b := &fakeBus{failIDs: map[string]bool{s1.EventID: true}}
	p := newTestPublisher(store, b)

	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if len(b.published) != 1 || b.published[0].EventID != d1.EventID {
		t.Fatalf("expected only the document event published, got %v", b.published)
	}
	if store.pendingCount() != 2 {
		t.Fatalf("expected %s and %s pending, got %d pending", s1.EventID, s2.EventID, store.pendingCount())
	}
}

func TestPublishBatchDeadlineTreatedAsFailure(t *testing.T) {
	store := &memoryStore{}
	store.add(t, "session.created", "sess-1")

	p := newTestPublisher(store, &fakeBus{block: true})
	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}
	if store.pendingCount() != 1 {
		t.Fatal("expected record to stay pending after publish deadline")
	}
}

func TestPublishBatchEmpty(t *testing.T) {
	p := newTestPublisher(&memoryStore{}, &fakeBus{})
	if err := p.PublishBatch(context.Background()); err != nil {
		t.Fatalf("PublishBatch on empty outbox failed: %v", err)
	}
}
