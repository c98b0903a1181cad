package expensestore

import "testing"

func TestValidateTransitionAllowsDefinedEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		wantErr  bool
	}{
		{StatusPending, StatusAuthorized, false},
		{StatusPending, StatusReview, false},
		{StatusAuthorized, StatusReview, false},
		{StatusReview, StatusAuthorized, false},
		{StatusReview, StatusPending, false},
		{StatusAuthorized, StatusPending, true},
		{StatusPending, StatusPending, false},
	}
	for _, c := range cases {
		err := validateTransition(c.from, c.to)
		if (err != nil) != c.wantErr {
			t.Errorf("validateTransition(%s, %s) error=%v, wantErr=%v", c.from, c.to, err, c.wantErr)
		}
	}
}

func TestApplyStatusEffectsRequiresReasonForReview(t *testing.T) {
	e := &Expense{Status: StatusPending, UpdatedBy: "u1"}
	if err := applyStatusEffects(e, StatusReview, ""); err == nil {
		t.Fatal("expected error for missing review reason")
	}
	if err := applyStatusEffects(e, StatusReview, "duplicate bill"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.StatusChangeReason != "duplicate bill" {
		t.Fatalf("reason not recorded")
	}
}

func TestApplyStatusEffectsSetsAuthorizerOnAuthorize(t *testing.T) {
	e := &Expense{Status: StatusReview, UpdatedBy: "u1"}
	if err := applyStatusEffects(e, StatusAuthorized, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.AuthorizerRef != "u1" {
		t.Fatalf("expected authorizer ref set to u1, got %q", e.AuthorizerRef)
	}
}

func TestApplyStatusEffectsClearsAuthorizerOnPending(t *testing.T) {
	e := &Expense{Status: StatusReview, AuthorizerRef: "u1"}
	if err := applyStatusEffects(e, StatusPending, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.AuthorizerRef != "" {
		t.Fatalf("expected authorizer ref cleared")
	}
}

func TestDiffPatchOnlyRecordsActualChanges(t *testing.T) {
	e := &Expense{Description: "lumber", Account: "5010"}
	newDesc := "lumber 2x4"
	sameAccount := "5010"
	changes := diffPatch(e, Patch{Description: &newDesc, Account: &sameAccount})
	if len(changes) != 1 || changes[0].Field != "description" {
		t.Fatalf("got %+v", changes)
	}
}

func TestHasNonStatusChange(t *testing.T) {
	desc := "x"
	if !hasNonStatusChange(Patch{Description: &desc}) {
		t.Fatal("expected true")
	}
	if hasNonStatusChange(Patch{}) {
		t.Fatal("expected false")
	}
}

func TestSummaryKeyByAuthStateAndProject(t *testing.T) {
	e := Expense{Project: "proj-1", Status: StatusAuthorized, BillRef: "bill-1"}
	if summaryKey(e, SummaryByProject) != "proj-1" {
		t.Fatal("wrong project key")
	}
	if summaryKey(e, SummaryByAuthState) != "authorized" {
		t.Fatal("wrong auth state key")
	}
	if summaryKey(e, SummaryByTransactionType) != "bill" {
		t.Fatal("wrong transaction type key")
	}
}
