// Package autoauth implements the Auto-Authorization Engine (spec §4.9):
// the R1-R6 rule cascade that decides, per pending expense, among
// {authorize, flag duplicate, escalate, request missing info}.
package autoauth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/expense-core/internal/cache"
	"github.com/example/expense-core/internal/fuzzy"
	"github.com/example/expense-core/internal/money"
	"github.com/example/expense-core/internal/obs"
)

// Rule is a stable identifier recorded on every DecisionRecord.
type Rule string

const (
	RuleExactDup          Rule = "R1_EXACT_DUP"
	RuleBillHint          Rule = "R2_BILL_HINT"
	RuleReceiptSufficient Rule = "R3_RECEIPT_SUFFICIENT"
	RuleMissingInfo       Rule = "R4_MISSING_INFO"
	RulePolicyEscalate    Rule = "R5_POLICY_ESCALATE"
	RuleHealth            Rule = "R6_HEALTH"
)

// Decision is the outcome a rule produces.
type Decision string

const (
	DecisionAuthorized  Decision = "authorized"
	DecisionDuplicate   Decision = "duplicate"
	DecisionMissingInfo Decision = "missing_info"
	DecisionEscalated   Decision = "escalated"
)

// Candidate is the minimal view of a pending expense the engine reasons
// over. Kept narrow so this package never depends on expensestore directly;
// StoreAdapter bridges the two (same narrow-interface pattern affinity and
// intake use against the store).
type Candidate struct {
	ID          string
	Project     string
	Vendor      string
	AmountCents int64
	Date        time.Time
	Description string
	Account     string
	Status      string
}

// Bill is a read-only bill-master-data row (spec §1: "project/vendor/account
// master data: read-only lookups").
type Bill struct {
	ExpenseRef  string
	Vendor      string
	AmountCents int64
	Date        time.Time
}

// ledger is the subset of the Expense Store the engine needs.
type ledger interface {
	PendingCandidates(ctx context.Context, project string, since *time.Time) ([]Candidate, error)
	AuthorizedCandidates(ctx context.Context, project string) ([]Candidate, error)
	ConditionalAuthorize(ctx context.Context, expenseID, authorizer string) (bool, error)
	OlderThan(ctx context.Context, project string, days int) ([]Candidate, error)
}

// intakeLookup is the subset of the Receipt Intake Queue the engine needs
// for R3_RECEIPT_SUFFICIENT.
type intakeLookup interface {
	LinkedIntakeFor(ctx context.Context, expenseID string) (bool, error)
}

// billLookup is the read-only bill master-data collaborator for R2_BILL_HINT.
type billLookup interface {
	FindForExpense(ctx context.Context, expenseID string) (*Bill, bool, error)
	FindByVendorAmountDate(ctx context.Context, vendor string, amountCents int64, date time.Time) (*Bill, bool, error)
}

// Config parameterizes the rule cascade.
type Config struct {
	BillHintEnabled       bool
	PolicyEscalationCents int64
	EscalationAccounts    map[string]bool
	HealthSweepAgeDays    int
	FuzzyThreshold        int
	AmountTolAbs          money.Amount
	AmountTolRel          float64
}

// DecisionRecord is one expense's outcome within an AuthReport.
type DecisionRecord struct {
	ExpenseID string
	Rule      Rule
	Decision  Decision
	Reason    string
	Amount    money.Amount
	Note      string // e.g. "skipped_race"
	CreatedAt time.Time
}

// AuthReport aggregates one engine run over a project.
type AuthReport struct {
	ID        string `gorm:"primaryKey"`
	Project   string
	Decisions []byte `gorm:"type:jsonb"` // append-only JSON array of DecisionRecord
	CreatedAt time.Time
}

func (AuthReport) TableName() string { return "auth_reports" }

// Engine runs the rule cascade.
type Engine struct {
	db     *gorm.DB
	ledger ledger
	intake intakeLookup
	bills  billLookup
	cfg    Config
	log    *obs.Log
}

// New builds an Engine.
func New(db *gorm.DB, ledger ledger, intake intakeLookup, bills billLookup, cfg Config, log *obs.Log) (*Engine, error) {
	if err := db.AutoMigrate(&AuthReport{}); err != nil {
		return nil, err
	}
	return &Engine{db: db, ledger: ledger, intake: intake, bills: bills, cfg: cfg, log: log}, nil
}

// Run scans pending candidates for project and applies R1-R6 in order,
// first match wins, writing a single AuthReport for the run.
func (e *Engine) Run(ctx context.Context, project string, since *time.Time) (*AuthReport, error) {
	candidates, err := e.ledger.PendingCandidates(ctx, project, since)
	if err != nil {
		return nil, err
	}
	// R1_EXACT_DUP must also catch a pending expense duplicating one already
	// authorized (spec §4.9), not only another member of this batch.
	authorized, err := e.ledger.AuthorizedCandidates(ctx, project)
	if err != nil {
		return nil, err
	}

	var records []DecisionRecord
	for _, c := range candidates {
		records = append(records, e.decide(ctx, c, candidates, authorized))
	}

	report := &AuthReport{ID: uuid.NewString(), Project: project, Decisions: marshalDecisions(records)}
	if err := e.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

// HealthSweep applies R6_HEALTH to every pending expense older than the
// configured age (spec: "periodic maintenance sweep"). It does not check
// whether another rule has already matched the expense.
func (e *Engine) HealthSweep(ctx context.Context, project string) (*AuthReport, error) {
	candidates, err := e.ledger.OlderThan(ctx, project, e.cfg.HealthSweepAgeDays)
	if err != nil {
		return nil, err
	}
	var records []DecisionRecord
	for _, c := range candidates {
		records = append(records, DecisionRecord{
			ExpenseID: c.ID, Rule: RuleHealth, Decision: DecisionEscalated,
			Reason: "pending beyond health sweep age threshold", Amount: money.FromCents(c.AmountCents), CreatedAt: time.Now(),
		})
	}
	report := &AuthReport{ID: uuid.NewString(), Project: project, Decisions: marshalDecisions(records)}
	if err := e.db.WithContext(ctx).Create(report).Error; err != nil {
		return nil, err
	}
	return report, nil
}

// ExplainDecision scans the most recent auth reports for project, newest
// first, returning the last recorded DecisionRecord for expenseID. Used by
// the authorization agent's explain_decision capability.
func (e *Engine) ExplainDecision(ctx context.Context, project, expenseID string) (*DecisionRecord, bool, error) {
	var reports []AuthReport
	err := e.db.WithContext(ctx).Where("project = ?", project).Order("created_at DESC").Limit(50).Find(&reports).Error
	if err != nil {
		return nil, false, err
	}
	for _, report := range reports {
		var records []DecisionRecord
		if err := json.Unmarshal(report.Decisions, &records); err != nil {
			continue
		}
		for _, r := range records {
			if r.ExpenseID == expenseID {
				rec := r
				return &rec, true, nil
			}
		}
	}
	return nil, false, nil
}

func (e *Engine) decide(ctx context.Context, c Candidate, batch, authorized []Candidate) DecisionRecord {
	base := DecisionRecord{ExpenseID: c.ID, Amount: money.FromCents(c.AmountCents), CreatedAt: time.Now()}

	// R1: exact duplicate within the same project, against the rest of this
	// batch or against already-authorized history.
	if e.isExactDuplicate(c, batch, authorized) {
		base.Rule, base.Decision, base.Reason = RuleExactDup, DecisionDuplicate, "matches another pending/authorized expense on vendor, amount, date, description"
		return base
	}

	// R2: bill hint.
	if e.cfg.BillHintEnabled {
		if bill, ok, _ := e.bills.FindForExpense(ctx, c.ID); ok {
			base.Rule = RuleBillHint
			e.authorizeOrSkip(ctx, &base, c.ID, "matched bill record by reference")
			_ = bill
			return base
		}
		if bill, ok, _ := e.bills.FindByVendorAmountDate(ctx, c.Vendor, c.AmountCents, c.Date); ok {
			if e.withinBillTolerance(c, bill) {
				base.Rule = RuleBillHint
				e.authorizeOrSkip(ctx, &base, c.ID, "matched bill record by vendor/amount/date")
				return base
			}
		}
	}

	// R3: receipt sufficiency.
	if linked, _ := e.intake.LinkedIntakeFor(ctx, c.ID); linked {
		base.Rule = RuleReceiptSufficient
		e.authorizeOrSkip(ctx, &base, c.ID, "created from a linked receipt intake")
		return base
	}

	// R4: missing required fields.
	if missing := missingFields(c); len(missing) > 0 {
		base.Rule, base.Decision, base.Reason = RuleMissingInfo, DecisionMissingInfo, "missing: "+joinFields(missing)
		return base
	}

	// R5: policy escalation.
	if c.AmountCents > e.cfg.PolicyEscalationCents || e.cfg.EscalationAccounts[c.Account] {
		base.Rule, base.Decision, base.Reason = RulePolicyEscalate, DecisionEscalated, "amount or account exceeds policy threshold"
		return base
	}

	// No rule fired: leave pending for the next run.
	base.Rule, base.Decision, base.Reason = "", "", "no rule matched"
	return base
}

func (e *Engine) authorizeOrSkip(ctx context.Context, rec *DecisionRecord, expenseID, reason string) {
	ok, err := e.ledger.ConditionalAuthorize(ctx, expenseID, "system-bot")
	if err != nil {
		e.log.WithError(err).Warn("conditional authorize failed")
		rec.Decision, rec.Reason = "", "authorize attempt failed: "+err.Error()
		return
	}
	if !ok {
		rec.Note = "skipped_race"
		rec.Reason = "expense changed status concurrently with the auto-auth run"
		return
	}
	rec.Decision, rec.Reason = DecisionAuthorized, reason
}

func (e *Engine) isExactDuplicate(c Candidate, batch, authorized []Candidate) bool {
	fp := cache.Fingerprint(c.Description, "")
	matches := func(other Candidate) bool {
		if other.Status != "authorized" && other.Status != "pending" {
			return false
		}
		if !fuzzy.Matches(other.Vendor, c.Vendor, 100) {
			return false
		}
		if other.AmountCents != c.AmountCents {
			return false
		}
		if !sameDay(other.Date, c.Date) {
			return false
		}
		return cache.Fingerprint(other.Description, "") == fp
	}
	for _, other := range batch {
		if other.ID == c.ID {
			continue
		}
		if matches(other) {
			return true
		}
	}
	for _, other := range authorized {
		if other.ID == c.ID {
			continue
		}
		if matches(other) {
			return true
		}
	}
	return false
}

func (e *Engine) withinBillTolerance(c Candidate, bill *Bill) bool {
	if !fuzzy.Matches(c.Vendor, bill.Vendor, e.cfg.FuzzyThreshold) {
		return false
	}
	if !money.WithinTolerance(money.FromCents(c.AmountCents), money.FromCents(bill.AmountCents), e.cfg.AmountTolAbs, e.cfg.AmountTolRel) {
		return false
	}
	delta := c.Date.Sub(bill.Date)
	if delta < 0 {
		delta = -delta
	}
	return delta <= 3*24*time.Hour
}

func missingFields(c Candidate) []string {
	var missing []string
	if c.Vendor == "" {
		missing = append(missing, "vendor")
	}
	if c.Account == "" {
		missing = append(missing, "account")
	}
	if c.AmountCents == 0 {
		missing = append(missing, "amount")
	}
	if c.Date.IsZero() {
		missing = append(missing, "date")
	}
	return missing
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}

func joinFields(fields []string) string {
	out := fields[0]
	for _, f := range fields[1:] {
		out += ", " + f
	}
	return out
}

func marshalDecisions(records []DecisionRecord) []byte {
	data, err := json.Marshal(records)
	if err != nil {
		return []byte("[]")
	}
	return data
}
