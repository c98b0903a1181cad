package identity

// Module names the mutating components capability checks are scoped to.
type Module string

const (
	ModuleExpenses     Module = "expenses"
	ModuleIntake       Module = "intake"
	ModuleAutoAuth     Module = "autoauth"
	ModuleMessaging    Module = "messaging"
	ModuleReconciler   Module = "reconciler"
	ModuleJobs         Module = "jobs"
)

// Action names the capability-gated operation within a module.
type Action string

const (
	ActionRead          Action = "read"
	ActionCreate        Action = "create"
	ActionUpdate        Action = "update"
	ActionSetStatus     Action = "set_status"
	ActionDelete        Action = "delete"
	ActionRun           Action = "run"
	ActionApplyCorrection Action = "apply_correction"
)

// Capability is a single (module, action) grant.
type Capability struct {
	Module Module
	Action Action
}

// User is the acting identity resolved from a bearer token. The pipeline
// holds only a weak reference (id + display name) — full user records are
// owned by the external identity system (spec §3 "weak references ...
// never cached beyond a short-lived name lookup").
type User struct {
	ID          string
	DisplayName string
	Role        string
	Capabilities []Capability
}

// Has reports whether the user's role grants (module, action).
func (u *User) Has(module Module, action Action) bool {
	for _, c := range u.Capabilities {
		if c.Module == module && c.Action == action {
			return true
		}
	}
	return false
}

// BotID is the fixed identity the Auto-Authorization Engine and chat agents
// act as (spec §8: "the engine's bot identity"). Systems compare authorizer
// references against this id to detect machine- vs human-issued decisions.
const BotID = "system-bot"

// SystemBotUser is the bot identity's full capability set: it may read,
// create, update, and set_status on expenses; read, create, and update
// intake; run auto-auth; post messages; and read reconciler suggestions.
func SystemBotUser() *User {
	return &User{
		ID:          BotID,
		DisplayName: "Auto-Authorization Bot",
		Role:        "system-bot",
		Capabilities: []Capability{
			{ModuleExpenses, ActionRead}, {ModuleExpenses, ActionCreate},
			{ModuleExpenses, ActionUpdate}, {ModuleExpenses, ActionSetStatus},
			{ModuleIntake, ActionRead}, {ModuleIntake, ActionCreate}, {ModuleIntake, ActionUpdate},
			{ModuleAutoAuth, ActionRun},
			{ModuleMessaging, ActionCreate},
			{ModuleReconciler, ActionRead},
		},
	}
}
