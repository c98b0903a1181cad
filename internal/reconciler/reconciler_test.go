package reconciler

import (
	"testing"

	"github.com/example/expense-core/internal/money"
)

func TestClassifyMissingItems(t *testing.T) {
	extracted := visionExtraction{
		Total: "150.00",
		LineItems: []visionLineItem{
			{Description: "2x4 lumber", Amount: "100.00"},
			{Description: "nails", Amount: "50.00"},
		},
	}
	created := []CreatedExpense{{ID: "e1", Description: "2x4 lumber", AmountCents: 10000}}

	outcome, kind, detail := classify(extracted, created, money.MustParse("150.00"), money.MustParse("100.00"))
	if outcome != OutcomeMissingItems || kind != CorrectionCreateExpenses {
		t.Fatalf("got outcome=%s kind=%s", outcome, kind)
	}
	if len(detail.MissingLines) != 1 || detail.MissingLines[0].Description != "nails" {
		t.Fatalf("got %+v", detail.MissingLines)
	}
}

func TestClassifyDuplicatedLine(t *testing.T) {
	extracted := visionExtraction{
		Total:     "100.00",
		LineItems: []visionLineItem{{Description: "lumber", Amount: "100.00"}},
	}
	created := []CreatedExpense{
		{ID: "e1", Description: "lumber", AmountCents: 10000},
		{ID: "e2", Description: "lumber", AmountCents: 10000},
	}
	outcome, kind, _ := classify(extracted, created, money.MustParse("100.00"), money.MustParse("200.00"))
	if outcome != OutcomeDuplicatedLine || kind != CorrectionSplitExpense {
		t.Fatalf("got outcome=%s kind=%s", outcome, kind)
	}
}

func TestClassifyAmountsConsolidated(t *testing.T) {
	extracted := visionExtraction{
		Total:     "250.00",
		LineItems: []visionLineItem{{Description: "lumber", Amount: "250.00"}},
	}
	created := []CreatedExpense{{ID: "e1", Description: "lumber", AmountCents: 20000}}
	outcome, kind, _ := classify(extracted, created, money.MustParse("250.00"), money.MustParse("200.00"))
	if outcome != OutcomeAmountsConsolidated || kind != CorrectionSplitExpense {
		t.Fatalf("got outcome=%s kind=%s", outcome, kind)
	}
}

func TestClassifyTotalWrongWhenLinesReconcile(t *testing.T) {
	extracted := visionExtraction{
		Total:     "999.00",
		LineItems: []visionLineItem{{Description: "lumber", Amount: "100.00"}, {Description: "nails", Amount: "50.00"}},
	}
	created := []CreatedExpense{
		{ID: "e1", Description: "lumber", AmountCents: 10000},
		{ID: "e2", Description: "nails", AmountCents: 5000},
	}
	outcome, kind, _ := classify(extracted, created, money.MustParse("999.00"), money.MustParse("150.00"))
	if outcome != OutcomeTotalWrong || kind != CorrectionManualReview {
		t.Fatalf("got outcome=%s kind=%s", outcome, kind)
	}
}

func TestNormalizeStripsPunctuationAndCase(t *testing.T) {
	if normalize("2x4 Lumber!!") != "2x4 lumber" {
		t.Fatalf("got %q", normalize("2x4 Lumber!!"))
	}
}

func TestParseAmountOrZeroFallsBackOnGarbage(t *testing.T) {
	if !parseAmountOrZero("not a number").IsZero() {
		t.Fatal("expected zero on unparseable input")
	}
}
