package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/obs"
)

type fakeGateway struct {
	intent Intent
}

func (f *fakeGateway) ClassifySmall(ctx context.Context, prompt string, schema json.RawMessage) (*llmgateway.Result, error) {
	data, _ := json.Marshal(f.intent)
	return &llmgateway.Result{Value: data}, nil
}

type fakeAgent struct {
	name  string
	caps  map[string]Capability
	calls int
}

func (a *fakeAgent) Name() string                       { return a.name }
func (a *fakeAgent) Capabilities() map[string]Capability { return a.caps }
func (a *fakeAgent) Persona(text string) string          { return "[" + a.name + "] " + text }

type fakePoster struct {
	posts []string
}

func (p *fakePoster) PostMessage(ctx context.Context, channel, authorAgent, content string) error {
	p.posts = append(p.posts, content)
	return nil
}

func testLog() *obs.Log { return obs.NewLog(nil, nil) }

func TestDispatchFunctionCallInvokesCapability(t *testing.T) {
	called := false
	agent := &fakeAgent{name: "receipts", caps: map[string]Capability{
		"process_receipt": func(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
			called = true
			return "processing started", nil
		},
	}}
	gw := &fakeGateway{intent: Intent{Action: ActionFunctionCall, Function: "process_receipt", AckMessage: "ok"}}
	poster := &fakePoster{}
	d := New(gw, []Agent{agent}, poster, testLog())

	if err := d.Dispatch(context.Background(), Event{ID: "ev1", UserID: "u1", Channel: "c1", AgentName: "receipts"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected capability to be invoked")
	}
	if len(poster.posts) != 1 {
		t.Fatalf("expected one post, got %d", len(poster.posts))
	}
}

func TestDispatchFreeChatPostsAckThroughPersona(t *testing.T) {
	agent := &fakeAgent{name: "chat", caps: map[string]Capability{}}
	gw := &fakeGateway{intent: Intent{Action: ActionFreeChat, AckMessage: "hello there"}}
	poster := &fakePoster{}
	d := New(gw, []Agent{agent}, poster, testLog())

	if err := d.Dispatch(context.Background(), Event{ID: "ev1", UserID: "u1", Channel: "c1", AgentName: "chat"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(poster.posts) != 1 || poster.posts[0] != "[chat] hello there" {
		t.Fatalf("got %v", poster.posts)
	}
}

func TestDispatchCooldownSuppressesBurst(t *testing.T) {
	agent := &fakeAgent{name: "chat", caps: map[string]Capability{}}
	gw := &fakeGateway{intent: Intent{Action: ActionFreeChat, AckMessage: "hi"}}
	poster := &fakePoster{}
	d := New(gw, []Agent{agent}, poster, testLog())

	ev := Event{ID: "ev1", UserID: "u1", Channel: "c1", AgentName: "chat"}
	_ = d.Dispatch(context.Background(), ev)
	_ = d.Dispatch(context.Background(), Event{ID: "ev2", UserID: "u1", Channel: "c1", AgentName: "chat"})
	if len(poster.posts) != 1 {
		t.Fatalf("expected cooldown to suppress second dispatch, got %d posts", len(poster.posts))
	}
}

func TestDispatchCrossAgentForwardsOncePerEvent(t *testing.T) {
	authCalled := 0
	authAgent := &fakeAgent{name: "auth", caps: map[string]Capability{
		"run_auto_auth": func(ctx context.Context, userID string, args map[string]interface{}) (string, error) {
			authCalled++
			return "ran", nil
		},
	}}
	chatGW := &fakeGateway{intent: Intent{Action: ActionCrossAgent, TargetAgent: "auth", AckMessage: "routing to auth"}}
	poster := &fakePoster{}
	chatAgent := &fakeAgent{name: "chat", caps: map[string]Capability{}}
	d := New(chatGW, []Agent{chatAgent, authAgent}, poster, testLog())

	// First dispatch forwards to auth, whose classification (same fake
	// gateway) will itself say cross_agent again; the loop guard must stop
	// it from forwarding a second time for the same event id.
	ev := Event{ID: "ev1", UserID: "u1", Channel: "c1", AgentName: "chat"}
	if err := d.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
