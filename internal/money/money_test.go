package money

import "testing"

func TestParseFormatRoundTrip(t *testing.T) {
	cases := []string{"0.00", "1234.50", "-7.05", "1000000.01", "3"}
	for _, s := range cases {
		a, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		var want string
		switch s {
		case "3":
			want = "3.00"
		default:
			want = s
		}
		if got := a.String(); got != want {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, want)
		}
	}
}

func TestParseRejectsExtraFractionalDigits(t *testing.T) {
	if _, err := Parse("1.234"); err == nil {
		t.Fatal("expected error for three fractional digits")
	}
}

func TestSumExactness(t *testing.T) {
	amounts := []Amount{MustParse("0.10"), MustParse("0.20")}
	got := Sum(amounts)
	if got.String() != "0.30" {
		t.Fatalf("Sum = %s, want 0.30 (binary float would yield 0.30000000000000004)", got)
	}
}

func TestWithinTolerance(t *testing.T) {
	a := MustParse("100.00")
	b := MustParse("100.04")
	if !WithinTolerance(a, b, MustParse("0.05"), 0.005) {
		t.Fatal("expected within absolute tolerance")
	}
	c := MustParse("1000.00")
	d := MustParse("1004.90")
	if !WithinTolerance(c, d, MustParse("0.05"), 0.005) {
		t.Fatal("expected within relative tolerance (0.5%% of 1000 = 5.00)")
	}
	e := MustParse("1000.00")
	f := MustParse("1010.00")
	if WithinTolerance(e, f, MustParse("0.05"), 0.005) {
		t.Fatal("expected outside tolerance")
	}
}
