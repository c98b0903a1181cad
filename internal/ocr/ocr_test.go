package ocr

import (
	"testing"

	"github.com/example/expense-core/internal/money"
)

func TestApplyReconciliationMatchesTotal(t *testing.T) {
	r := &Receipt{
		Total:     money.MustParse("21.50"),
		LineItems: []LineItem{{LineTotal: money.MustParse("21.50")}},
	}
	applyReconciliation(r, AmountTolerance{Abs: money.MustParse("0.05"), Rel: 0.005})
	if r.TotalMatchType != MatchTotal {
		t.Fatalf("got %s, want total", r.TotalMatchType)
	}
}

func TestApplyReconciliationMatchesSubtotal(t *testing.T) {
	r := &Receipt{
		Total:     money.MustParse("23.22"),
		Subtotal:  money.MustParse("21.50"),
		LineItems: []LineItem{{LineTotal: money.MustParse("21.50")}},
	}
	applyReconciliation(r, AmountTolerance{Abs: money.MustParse("0.05"), Rel: 0.005})
	if r.TotalMatchType != MatchSubtotal {
		t.Fatalf("got %s, want subtotal", r.TotalMatchType)
	}
}

func TestApplyReconciliationFlagsMismatch(t *testing.T) {
	r := &Receipt{
		Total:     money.MustParse("50.00"),
		LineItems: []LineItem{{LineTotal: money.MustParse("21.50")}},
	}
	applyReconciliation(r, AmountTolerance{Abs: money.MustParse("0.05"), Rel: 0.005})
	if r.TotalMatchType != MatchMismatch {
		t.Fatalf("got %s, want mismatch", r.TotalMatchType)
	}
}

func TestDetectVendorReadsFirstLine(t *testing.T) {
	text := "Home Depot\n123 Main St\nTotal $21.50\n"
	if got := detectVendor(text); got != "home depot" {
		t.Fatalf("got %q", got)
	}
}

func TestParseHomeDepotExtractsTotal(t *testing.T) {
	text := "Home Depot\nLumber 2x4      3    $12.00\nTotal $21.50\nTax $1.50\n"
	r := parseHomeDepot(text)
	if r.Total.String() != "21.50" {
		t.Fatalf("got total %s", r.Total.String())
	}
	if r.Tax.String() != "1.50" {
		t.Fatalf("got tax %s", r.Tax.String())
	}
}

func TestNeedsVisionFallbackOnMissingTotal(t *testing.T) {
	if !needsVisionFallback(&Receipt{Vendor: "home depot"}) {
		t.Fatal("expected fallback needed when total is zero")
	}
}

func TestNeedsVisionFallbackNotNeededWhenComplete(t *testing.T) {
	r := &Receipt{Vendor: "home depot", Total: money.MustParse("21.50"), LineItems: []LineItem{{}}}
	if needsVisionFallback(r) {
		t.Fatal("expected no fallback needed")
	}
}
