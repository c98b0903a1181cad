package autoauth

import (
	"context"
	"testing"
	"time"

	"github.com/example/expense-core/internal/money"
	"github.com/example/expense-core/internal/obs"
)

type fakeLedger struct {
	authorized     map[string]bool
	conflict       map[string]bool
	authorizedRows []Candidate
}

func (f *fakeLedger) PendingCandidates(ctx context.Context, project string, since *time.Time) ([]Candidate, error) {
	return nil, nil
}
func (f *fakeLedger) AuthorizedCandidates(ctx context.Context, project string) ([]Candidate, error) {
	return f.authorizedRows, nil
}
func (f *fakeLedger) OlderThan(ctx context.Context, project string, days int) ([]Candidate, error) {
	return nil, nil
}
func (f *fakeLedger) ConditionalAuthorize(ctx context.Context, expenseID, authorizer string) (bool, error) {
	if f.conflict[expenseID] {
		return false, nil
	}
	f.authorized[expenseID] = true
	return true, nil
}

type fakeIntake struct{ linked map[string]bool }

func (f *fakeIntake) LinkedIntakeFor(ctx context.Context, expenseID string) (bool, error) {
	return f.linked[expenseID], nil
}

type fakeBills struct {
	byExpense map[string]*Bill
	byVendor  *Bill
}

func (f *fakeBills) FindForExpense(ctx context.Context, expenseID string) (*Bill, bool, error) {
	b, ok := f.byExpense[expenseID]
	return b, ok, nil
}
func (f *fakeBills) FindByVendorAmountDate(ctx context.Context, vendor string, amountCents int64, date time.Time) (*Bill, bool, error) {
	if f.byVendor == nil {
		return nil, false, nil
	}
	return f.byVendor, true, nil
}

func testEngine(t *testing.T, l *fakeLedger, in *fakeIntake, b *fakeBills, cfg Config) *Engine {
	t.Helper()
	if cfg.FuzzyThreshold == 0 {
		cfg.FuzzyThreshold = 85
	}
	if cfg.AmountTolAbs.IsZero() && cfg.AmountTolRel == 0 {
		cfg.AmountTolAbs = money.MustParse("0.05")
		cfg.AmountTolRel = 0.005
	}
	return &Engine{ledger: l, intake: in, bills: b, cfg: cfg, log: obs.NewLog(nil, nil)}
}

func TestDecideExactDuplicateWinsFirst(t *testing.T) {
	e := testEngine(t, &fakeLedger{authorized: map[string]bool{}}, &fakeIntake{}, &fakeBills{}, Config{})
	date := time.Now()
	c := Candidate{ID: "e1", Vendor: "Home Depot", AmountCents: 1000, Date: date, Description: "lumber", Status: "pending"}
	other := Candidate{ID: "e2", Vendor: "Home Depot", AmountCents: 1000, Date: date, Description: "lumber", Status: "pending"}
	rec := e.decide(context.Background(), c, []Candidate{c, other}, nil)
	if rec.Rule != RuleExactDup || rec.Decision != DecisionDuplicate {
		t.Fatalf("got %+v", rec)
	}
}

func TestDecideExactDuplicateAgainstAuthorizedHistory(t *testing.T) {
	date := time.Now()
	authorized := Candidate{ID: "e0", Vendor: "Home Depot", AmountCents: 1000, Date: date, Description: "lumber", Status: "authorized"}
	l := &fakeLedger{authorized: map[string]bool{}, authorizedRows: []Candidate{authorized}}
	e := testEngine(t, l, &fakeIntake{}, &fakeBills{}, Config{})
	c := Candidate{ID: "e1", Vendor: "Home Depot", AmountCents: 1000, Date: date, Description: "lumber", Status: "pending"}
	rec := e.decide(context.Background(), c, []Candidate{c}, []Candidate{authorized})
	if rec.Rule != RuleExactDup || rec.Decision != DecisionDuplicate {
		t.Fatalf("expected duplicate against authorized history, got %+v", rec)
	}
}

func TestDecideBillHintAuthorizesOnExactReference(t *testing.T) {
	l := &fakeLedger{authorized: map[string]bool{}}
	b := &fakeBills{byExpense: map[string]*Bill{"e1": {ExpenseRef: "e1", Vendor: "Acme", AmountCents: 500}}}
	e := testEngine(t, l, &fakeIntake{}, b, Config{BillHintEnabled: true})
	c := Candidate{ID: "e1", Vendor: "Acme", AmountCents: 500, Date: time.Now(), Account: "5010"}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Rule != RuleBillHint || rec.Decision != DecisionAuthorized {
		t.Fatalf("got %+v", rec)
	}
	if !l.authorized["e1"] {
		t.Fatal("expected ConditionalAuthorize called")
	}
}

func TestDecideBillHintSkippedRaceOnConflict(t *testing.T) {
	l := &fakeLedger{authorized: map[string]bool{}, conflict: map[string]bool{"e1": true}}
	b := &fakeBills{byExpense: map[string]*Bill{"e1": {ExpenseRef: "e1"}}}
	e := testEngine(t, l, &fakeIntake{}, b, Config{BillHintEnabled: true})
	c := Candidate{ID: "e1"}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Note != "skipped_race" {
		t.Fatalf("expected skipped_race note, got %+v", rec)
	}
}

func TestDecideReceiptSufficientAuthorizes(t *testing.T) {
	l := &fakeLedger{authorized: map[string]bool{}}
	in := &fakeIntake{linked: map[string]bool{"e1": true}}
	e := testEngine(t, l, in, &fakeBills{}, Config{})
	c := Candidate{ID: "e1", Vendor: "Acme", Account: "5010", AmountCents: 100, Date: time.Now()}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Rule != RuleReceiptSufficient || rec.Decision != DecisionAuthorized {
		t.Fatalf("got %+v", rec)
	}
}

func TestDecideMissingInfoWhenFieldsAbsent(t *testing.T) {
	e := testEngine(t, &fakeLedger{authorized: map[string]bool{}}, &fakeIntake{}, &fakeBills{}, Config{})
	c := Candidate{ID: "e1"}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Rule != RuleMissingInfo || rec.Decision != DecisionMissingInfo {
		t.Fatalf("got %+v", rec)
	}
}

func TestDecidePolicyEscalateOverThreshold(t *testing.T) {
	e := testEngine(t, &fakeLedger{authorized: map[string]bool{}}, &fakeIntake{}, &fakeBills{},
		Config{PolicyEscalationCents: 10000})
	c := Candidate{ID: "e1", Vendor: "Acme", Account: "5010", AmountCents: 50000, Date: time.Now()}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Rule != RulePolicyEscalate || rec.Decision != DecisionEscalated {
		t.Fatalf("got %+v", rec)
	}
}

func TestDecideNoRuleLeavesPending(t *testing.T) {
	e := testEngine(t, &fakeLedger{authorized: map[string]bool{}}, &fakeIntake{}, &fakeBills{},
		Config{PolicyEscalationCents: 100000})
	c := Candidate{ID: "e1", Vendor: "Acme", Account: "5010", AmountCents: 500, Date: time.Now()}
	rec := e.decide(context.Background(), c, []Candidate{c}, nil)
	if rec.Rule != "" || rec.Decision != "" {
		t.Fatalf("expected no rule to fire, got %+v", rec)
	}
}

func TestMissingFieldsDetectsEachField(t *testing.T) {
	got := missingFields(Candidate{})
	if len(got) != 4 {
		t.Fatalf("expected 4 missing fields, got %v", got)
	}
}
