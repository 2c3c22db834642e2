package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/auth"
	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
	"github.com/md-rashed-zaman/eventrelay/relay/bus"
	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

type fakeDLQ struct {
	entries     []bus.DeadLetterEntry
	undecodable map[string]bool
	replayed    []string
	purged      time.Time
	lastList    bus.ListQuery
}

func (f *fakeDLQ) List(_ context.Context, q bus.ListQuery) ([]bus.DeadLetterEntry, string, error) {
	f.lastList = q
	return f.entries, "", nil
}

func (f *fakeDLQ) Replay(_ context.Context, id string) (*event.Envelope, error) {
	if f.undecodable[id] {
		return nil, fmt.Errorf("%w: missing event identity", event.ErrDecodeFailed)
	}
	for _, e := range f.entries {
		if e.ID == id {
			f.replayed = append(f.replayed, id)
			return e.Envelope, nil
		}
	}
	return nil, bus.ErrDeadLetterNotFound
}

func (f *fakeDLQ) Purge(_ context.Context, olderThan time.Time) (int64, error) {
	f.purged = olderThan
	return 2, nil
}

type fakeAuditor struct {
	actions   []string
	operators []string
	metadata  []map[string]any
}

func (f *fakeAuditor) Record(_ context.Context, action, operator string, metadata map[string]any) error {
	f.actions = append(f.actions, action)
	f.operators = append(f.operators, operator)
	f.metadata = append(f.metadata, metadata)
	return nil
}

func newTestServer(t *testing.T, dlq *fakeDLQ, auditor *fakeAuditor) (*httptest.Server, string) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	mux := http.NewServeMux()
	NewHandler(dlq, auditor, logger).Register(mux)

	authn := &Authenticator{Secret: "admin-secret"}
	srv := httptest.NewServer(httpx.Chain(mux, authn.Middleware(logger)))
	t.Cleanup(srv.Close)

	token, err := auth.SignHS256(auth.Claims{
		Sub:  "op-1",
		Role: "operator",
		Iat:  time.Now().Unix(),
		Exp:  time.Now().Add(time.Hour).Unix(),
	}, "admin-secret")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	return srv, token
}

func dlqEntry(t *testing.T, id, eventType string) bus.DeadLetterEntry {
	t.Helper()
	env, err := event.New(eventType, "session", "sess-1", nil, event.Metadata{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}
	return bus.DeadLetterEntry{
		ID:       id,
		Envelope: &env,
		Reason:   "retry budget exhausted",
		Handler:  "projector",
		FailedAt: time.Now().UTC(),
	}
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestAdminRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDLQ{}, &fakeAuditor{})

	if resp := do(t, http.MethodGet, srv.URL+"/v1/dead-letters", "", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// A valid token without the operator role is still rejected.
	token, err := auth.SignHS256(auth.Claims{
		Sub:  "user-1",
		Role: "member",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}, "admin-secret")
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/dead-letters", token, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for non-operator role, got %d", resp.StatusCode)
	}
}

func TestListDeadLetters(t *testing.T) {
	dlq := &fakeDLQ{entries: []bus.DeadLetterEntry{dlqEntry(t, "1-0", "x.fails")}}
	srv, token := newTestServer(t, dlq, &fakeAuditor{})

	resp := do(t, http.MethodGet, srv.URL+"/v1/dead-letters?event_type=x.fails&count=10", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if dlq.lastList.EventType != "x.fails" || dlq.lastList.Count != 10 {
		t.Fatalf("query not forwarded: %+v", dlq.lastList)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/dead-letters?before=not-a-time", token, ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d", resp.StatusCode)
	}
}

func TestReplayAuditsOperator(t *testing.T) {
	dlq := &fakeDLQ{entries: []bus.DeadLetterEntry{dlqEntry(t, "1-0", "x.fails")}}
	auditor := &fakeAuditor{}
	srv, token := newTestServer(t, dlq, auditor)

	resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters/replay", token, `{"id":"1-0"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(dlq.replayed) != 1 || dlq.replayed[0] != "1-0" {
		t.Fatalf("expected replay of 1-0, got %v", dlq.replayed)
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != "dead_letter.replay" {
		t.Fatalf("expected replay audit entry, got %v", auditor.actions)
	}
	if auditor.operators[0] != "op-1" {
		t.Fatalf("expected operator identity in audit, got %q", auditor.operators[0])
	}
	if _, ok := auditor.metadata[0]["payload"]; ok {
		t.Fatal("payload must not reach the audit log")
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters/replay", token, `{"id":"9-9"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown entry, got %d", resp.StatusCode)
	}
}

func TestReplayUndecodableEntryIsPermanent(t *testing.T) {
	dlq := &fakeDLQ{undecodable: map[string]bool{"2-0": true}}
	auditor := &fakeAuditor{}
	srv, token := newTestServer(t, dlq, auditor)

	// A body that no longer decodes cannot be replayed no matter how often
	// the operator retries; the response must not suggest a transient fault.
	resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters/replay", token, `{"id":"2-0"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for undecodable entry, got %d", resp.StatusCode)
	}
	if len(auditor.actions) != 0 {
		t.Fatalf("no audit entry expected for a rejected replay, got %v", auditor.actions)
	}
}

func TestPurge(t *testing.T) {
	dlq := &fakeDLQ{}
	auditor := &fakeAuditor{}
	srv, token := newTestServer(t, dlq, auditor)

	cutoff := time.Now().Add(-24 * time.Hour).UTC().Truncate(time.Second)
	resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters/purge", token,
		`{"older_than":"`+cutoff.Format(time.RFC3339)+`"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !dlq.purged.Equal(cutoff) {
		t.Fatalf("expected purge cutoff %s, got %s", cutoff, dlq.purged)
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != "dead_letter.purge" {
		t.Fatalf("expected purge audit entry, got %v", auditor.actions)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters/purge", token, `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing older_than, got %d", resp.StatusCode)
	}
}

func TestMethodEnforcement(t *testing.T) {
	srv, token := newTestServer(t, &fakeDLQ{}, &fakeAuditor{})
	if resp := do(t, http.MethodPost, srv.URL+"/v1/dead-letters", token, ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/dead-letters/replay", token, ""); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
