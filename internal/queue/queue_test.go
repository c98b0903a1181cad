package queue

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPublishDeclaresQueueNamedByPrefixAndJob(t *testing.T) {
	dialer, ch := NewMockDialer()
	p, err := NewPublisherWithDialer("amqp://unused", "orchestrator:", dialer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(Job{Name: "trigger_auto_auth", Payload: json.RawMessage(`{"project":"P-1"}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if ch.LastQueue != "orchestrator:trigger_auto_auth" {
		t.Fatalf("got queue name %q", ch.LastQueue)
	}
	if len(ch.Published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(ch.Published))
	}
	var job Job
	if err := json.Unmarshal(ch.Published[0].Body, &job); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if job.Name != "trigger_auto_auth" {
		t.Fatalf("got job name %q", job.Name)
	}
}

func TestPublishSurfacesDeclareError(t *testing.T) {
	dialer, ch := NewMockDialer()
	ch.DeclareErr = errors.New("declare failed")
	p, err := NewPublisherWithDialer("amqp://unused", "orchestrator:", dialer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Publish(Job{Name: "refresh_affinity"}); err == nil {
		t.Fatal("expected declare error to propagate")
	}
}
