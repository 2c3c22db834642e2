package idempotency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/md-rashed-zaman/eventrelay/relay/bus"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

type memoryMarkers struct {
	mu      sync.Mutex
	markers map[string]bool
	seenErr error
}

func newMemoryMarkers() *memoryMarkers {
	return &memoryMarkers{markers: map[string]bool{}}
}

func (m *memoryMarkers) Seen(_ context.Context, eventID, handler string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seenErr != nil {
		return false, m.seenErr
	}
	return m.markers[eventID+"|"+handler], nil
}

func (m *memoryMarkers) Record(_ context.Context, eventID, handler string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A pre-existing marker is the concurrent-success case, not an error.
	m.markers[eventID+"|"+handler] = true
	return nil
}

func testEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New("session.created", "session", "sess-1", nil, event.Metadata{})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	return env
}

func TestGuardSuppressesRedelivery(t *testing.T) {
	store := newMemoryMarkers()
	calls := 0
	guarded := Wrap(store, bus.HandlerFunc("projector", func(context.Context, event.Envelope) error {
		calls++
		return nil
	}), slog.New(slog.DiscardHandler))

	env := testEnvelope(t)
	for i := 0; i < 5; i++ {
		if err := guarded.Handle(context.Background(), env); err != nil {
			t.Fatalf("delivery %d failed: %v", i+1, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected exactly one handler invocation across 5 deliveries, got %d", calls)
	}
}

func TestGuardWritesNoMarkerOnFailure(t *testing.T) {
	store := newMemoryMarkers()
	calls := 0
	guarded := Wrap(store, bus.HandlerFunc("flaky", func(context.Context, event.Envelope) error {
		calls++
		if calls == 1 {
			return errors.New("downstream down")
		}
		return nil
	}), nil)

	env := testEnvelope(t)
	err := guarded.Handle(context.Background(), env)
	if !errors.Is(err, event.ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if len(store.markers) != 0 {
		t.Fatal("marker must not be written on handler failure")
	}

	// The retry goes through and is recorded.
	if err := guarded.Handle(context.Background(), env); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if err := guarded.Handle(context.Background(), env); err != nil {
		t.Fatalf("redelivery after success failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 invocations (failure + success), got %d", calls)
	}
}

func TestGuardPropagatesStoreErrors(t *testing.T) {
	store := newMemoryMarkers()
	store.seenErr = event.ErrStoreUnavailable
	guarded := Wrap(store, bus.HandlerFunc("projector", func(context.Context, event.Envelope) error {
		t.Fatal("handler must not run when the marker store is unavailable")
		return nil
	}), nil)

	if err := guarded.Handle(context.Background(), testEnvelope(t)); !errors.Is(err, event.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGuardKeepsHandlerName(t *testing.T) {
	guarded := Wrap(newMemoryMarkers(), bus.HandlerFunc("projector", func(context.Context, event.Envelope) error {
		return nil
	}), nil)
	if guarded.Name() != "projector" {
		t.Fatalf("guard must keep the wrapped handler's name, got %q", guarded.Name())
	}
}
