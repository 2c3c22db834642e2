package kafkabridge

import (
	"testing"

	"github.com/md-rashed-zaman/eventrelay/relay/event"
)

func TestBuildMessage(t *testing.T) {
	env, err := event.New("session.created", "session", "sess-1",
		map[string]string{"user": "u-1"}, event.Metadata{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatalf("event.New failed: %v", err)
	}

	msg := buildMessage(env)
	if msg.Topic != "session.created" {
		t.Fatalf("expected topic per event type, got %q", msg.Topic)
	}
	if string(msg.Key) != "sess-1" {
		t.Fatalf("expected aggregate id key, got %q", msg.Key)
	}
	if string(msg.Value) != string(env.Payload) {
		t.Fatalf("expected raw payload value, got %s", msg.Value)
	}

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event_id"] != env.EventID || headers["correlation_id"] != "corr-1" {
		t.Fatalf("unexpected headers: %v", headers)
	}
	if headers["schema_version"] != "1" {
		t.Fatalf("expected schema_version header, got %q", headers["schema_version"])
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if SplitBrokers("") != nil {
		t.Fatal("expected nil for empty broker list")
	}
}
