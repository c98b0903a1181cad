// Package dispatcher implements the Agent Dispatcher (spec §4.11): the sole
// entry point for chat-driven actions. It resolves the speaking user and
// channel, applies a cooldown to suppress burst duplication, asks the LLM
// gateway's small model to classify the inbound message, then routes the
// result to a function call, free chat, or another agent.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/example/expense-core/internal/apperr"
	"github.com/example/expense-core/internal/llmgateway"
	"github.com/example/expense-core/internal/obs"
	"github.com/example/expense-core/internal/ttlcache"
)

// Action is the classification the small model returns for an inbound event.
type Action string

const (
	ActionFunctionCall Action = "function_call"
	ActionFreeChat     Action = "free_chat"
	ActionCrossAgent   Action = "cross_agent"
)

// cooldownCap bounds the per-(user,channel,agent) cooldown map at 200
// entries. Once full, each insert of a new key evicts the single
// oldest-last-used entry (ttlcache.Set); the map is never halved at once.
const cooldownCap = 200

// defaultCooldown is the burst-suppression window (spec: "default 5s").
const defaultCooldown = 5 * time.Second

// forwardGuardCap bounds the cross-agent loop-guard set; one event forwards
// to at most one other agent, so this only ever needs to hold entries for
// events currently in flight.
const forwardGuardCap = 500

// Intent is the small model's classification of an inbound message.
type Intent struct {
	Action      Action                 `json:"action"`
	Function    string                 `json:"function,omitempty"`
	Arguments   map[string]interface{} `json:"arguments,omitempty"`
	AckMessage  string                 `json:"ack_message"`
	TargetAgent string                 `json:"target_agent,omitempty"`
}

// Event is one inbound chat message to route.
type Event struct {
	ID             string
	UserID         string
	Channel        string
	AgentName      string
	Text           string
	RecentMessages []string
}

// Capability is one function an agent exposes to the dispatcher's
// function_call action.
type Capability func(ctx context.Context, userID string, args map[string]interface{}) (string, error)

// Agent is a thin adapter over core components (spec §4.12).
type Agent interface {
	Name() string
	Capabilities() map[string]Capability
	Persona(text string) string
}

// Poster publishes the dispatcher's result to the Messaging Substrate.
type Poster interface {
	PostMessage(ctx context.Context, channel, authorAgent, content string) error
}

// gateway is the subset of the LLM Gateway the dispatcher calls.
type gateway interface {
	ClassifySmall(ctx context.Context, prompt string, schema json.RawMessage) (*llmgateway.Result, error)
}

var intentSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["function_call", "free_chat", "cross_agent"]},
    "function": {"type": "string"},
    "arguments": {"type": "object"},
    "ack_message": {"type": "string"},
    "target_agent": {"type": "string"}
  },
  "required": ["action", "ack_message"]
}`)

// Dispatcher routes inbound chat events to agent capabilities.
type Dispatcher struct {
	gateway        gateway
	agents         map[string]Agent
	poster         Poster
	cooldown       *ttlcache.Cache[time.Time]
	cooldownWindow time.Duration
	forwarded      *ttlcache.Cache[bool]
	log            *obs.Log
}

// New builds a Dispatcher over the given agents, keyed by Agent.Name().
func New(gw gateway, agents []Agent, poster Poster, log *obs.Log) *Dispatcher {
	byName := make(map[string]Agent, len(agents))
	for _, a := range agents {
		byName[a.Name()] = a
	}
	return &Dispatcher{
		gateway:        gw,
		agents:         byName,
		poster:         poster,
		cooldown:       ttlcache.New[time.Time](cooldownCap, defaultCooldown),
		cooldownWindow: defaultCooldown,
		forwarded:      ttlcache.New[bool](forwardGuardCap, time.Hour),
		log:            log,
	}
}

// Dispatch resolves, classifies, and routes ev.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	agent, ok := d.agents[ev.AgentName]
	if !ok {
		return apperr.Newf(apperr.NotFound, "agent %q is not registered", ev.AgentName)
	}

	key := cooldownKey(ev.UserID, ev.Channel, ev.AgentName)
	if _, active := d.cooldown.Get(key); active {
		return nil // burst suppression: silent no-op, per spec
	}
	d.cooldown.Set(key, time.Now())

	intent, err := d.classify(ctx, ev)
	if err != nil {
		return err
	}

	switch intent.Action {
	case ActionFunctionCall:
		return d.runFunctionCall(ctx, agent, ev, intent)
	case ActionCrossAgent:
		return d.forwardCrossAgent(ctx, ev, intent)
	case ActionFreeChat:
		return d.poster.PostMessage(ctx, ev.Channel, agent.Name(), agent.Persona(intent.AckMessage))
	default:
		return apperr.Newf(apperr.UpstreamInvalid, "unrecognized dispatcher action %q", intent.Action)
	}
}

func (d *Dispatcher) classify(ctx context.Context, ev Event) (Intent, error) {
	prompt := buildClassifyPrompt(ev)
	result, err := d.gateway.ClassifySmall(ctx, prompt, intentSchema)
	if err != nil {
		return Intent{}, apperr.Wrap(apperr.UpstreamUnavailable, "dispatcher classification failed", err)
	}
	var intent Intent
	if err := json.Unmarshal(result.Value, &intent); err != nil {
		return Intent{}, apperr.Wrap(apperr.UpstreamInvalid, "dispatcher classification was not valid JSON", err)
	}
	return intent, nil
}

func (d *Dispatcher) runFunctionCall(ctx context.Context, agent Agent, ev Event, intent Intent) error {
	fn, ok := agent.Capabilities()[intent.Function]
	if !ok {
		return apperr.Newf(apperr.Validation, "agent %q has no capability %q", agent.Name(), intent.Function)
	}
	out, err := fn(ctx, ev.UserID, intent.Arguments)
	if err != nil {
		d.log.WithError(err).Warn("capability call failed")
		return d.poster.PostMessage(ctx, ev.Channel, agent.Name(), agent.Persona("that didn't work: "+err.Error()))
	}
	return d.poster.PostMessage(ctx, ev.Channel, agent.Name(), agent.Persona(out))
}

func (d *Dispatcher) forwardCrossAgent(ctx context.Context, ev Event, intent Intent) error {
	guardKey := ev.ID + ":" + intent.TargetAgent
	if _, already := d.forwarded.Get(guardKey); already {
		return nil // already forwarded once for this event: loop guard
	}
	d.forwarded.Set(guardKey, true)

	target, ok := d.agents[intent.TargetAgent]
	if !ok {
		return apperr.Newf(apperr.NotFound, "cross-agent target %q is not registered", intent.TargetAgent)
	}
	forwarded := Event{
		ID: ev.ID, UserID: ev.UserID, Channel: ev.Channel, AgentName: target.Name(),
		Text: ev.Text, RecentMessages: ev.RecentMessages,
	}
	return d.Dispatch(ctx, forwarded)
}

func buildClassifyPrompt(ev Event) string {
	prompt := "Message: " + ev.Text + "\n\nRecent context:\n"
	for _, m := range ev.RecentMessages {
		prompt += "- " + m + "\n"
	}
	return prompt
}

// cooldownKey hashes (userID, channel, agent) so PII never lives in the
// cooldown map's keys (spec §4.11).
func cooldownKey(userID, channel, agent string) string {
	sum := sha256.Sum256([]byte(userID + "|" + channel + "|" + agent))
	return hex.EncodeToString(sum[:])
}
