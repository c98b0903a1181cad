// Package money implements a fixed-point decimal amount with exactly two
// fractional digits. The pipeline must never let a binary float touch the
// path between receipt ingest and the ledger (spec §9), so Amount stores
// whole cents in an int64 and only ever formats to/parses from strings.
package money

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/example/expense-core/internal/apperr"
)

// Amount is a fixed-point monetary value, stored as an integer number of cents.
type Amount struct {
	cents int64
}

// Zero is the additive identity.
var Zero = Amount{}

// FromCents builds an Amount directly from an integer cent count.
func FromCents(cents int64) Amount { return Amount{cents: cents} }

// Cents returns the underlying integer cent count.
func (a Amount) Cents() int64 { return a.cents }

// Parse converts a decimal string like "1234.5" or "1234.50" into an Amount.
// It is the single edge-of-system entry point for turning client input into
// fixed-point money; everything downstream operates on Amount only.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Zero, apperr.New(apperr.Validation, "amount is required")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole := s
	frac := "00"
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole = s[:idx]
		frac = s[idx+1:]
		if len(frac) == 0 {
			frac = "00"
		} else if len(frac) == 1 {
			frac = frac + "0"
		} else if len(frac) > 2 {
			return Zero, apperr.Newf(apperr.Validation, "amount %q has more than two fractional digits", s)
		}
	}
	if whole == "" {
		whole = "0"
	}
	wholeVal, err := strconv.ParseInt(whole, 10, 63)
	if err != nil {
		return Zero, apperr.Newf(apperr.Validation, "invalid amount %q", s)
	}
	fracVal, err := strconv.ParseInt(frac, 10, 63)
	if err != nil {
		return Zero, apperr.Newf(apperr.Validation, "invalid amount %q", s)
	}
	cents := wholeVal*100 + fracVal
	if neg {
		cents = -cents
	}
	return Amount{cents: cents}, nil
}

// MustParse parses s and panics on error; reserved for literal constants in
// tests and seed data, never for request-path input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount with exactly two fractional digits, the wire
// format mandated by spec §6 ("1234.50", never a binary float).
func (a Amount) String() string {
	cents := a.cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// MarshalJSON renders the amount as a quoted decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON parses a quoted decimal string into an Amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Add returns a + b.
func (a Amount) Add(b Amount) Amount { return Amount{cents: a.cents + b.cents} }

// Sub returns a - b.
func (a Amount) Sub(b Amount) Amount { return Amount{cents: a.cents - b.cents} }

// Abs returns the absolute value.
func (a Amount) Abs() Amount {
	if a.cents < 0 {
		return Amount{cents: -a.cents}
	}
	return a
}

// Cmp returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.cents < b.cents:
		return -1
	case a.cents > b.cents:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b represent the same amount.
func (a Amount) Equal(b Amount) bool { return a.cents == b.cents }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.cents == 0 }

// Sum adds a slice of Amounts using exact integer arithmetic throughout,
// including in summary aggregation (spec §4.7, §9: "keep it fixed-point
// end-to-end, including during summation in summaries").
func Sum(amounts []Amount) Amount {
	var total Amount
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// WithinTolerance reports whether a and b differ by no more than the greater
// of absTolerance and relTolerance*max(|a|,|b|), matching the ε_abs/ε_rel rule
// used throughout auto-authorization and OCR reconciliation (spec §4.6, §4.9).
func WithinTolerance(a, b Amount, absTolerance Amount, relTolerance float64) bool {
	diff := a.Sub(b).Abs()
	base := a.Abs()
	if b.Abs().Cmp(base) > 0 {
		base = b.Abs()
	}
	relCents := int64(float64(base.cents) * relTolerance)
	tolerance := absTolerance.cents
	if relCents > tolerance {
		tolerance = relCents
	}
	return diff.cents <= tolerance
}
