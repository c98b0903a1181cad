package cache

import "testing"

func TestFingerprintNormalizes(t *testing.T) {
	cases := []struct {
		description string
		stage       string
		other       string
		otherStage  string
		wantEqual   bool
	}{
		{"  Home Depot #123!! ", "intake", "home depot #123", "intake", true},
		{"Lowe's   Lumber.", "intake", "lowe's lumber", "intake", true},
		{"Home Depot", "intake", "Home Depot", "review", false},
	}
	for _, c := range cases {
		a := Fingerprint(c.description, c.stage)
		b := Fingerprint(c.other, c.otherStage)
		if (a == b) != c.wantEqual {
			t.Errorf("Fingerprint(%q,%q)=%q vs Fingerprint(%q,%q)=%q: wantEqual=%v",
				c.description, c.stage, a, c.other, c.otherStage, b, c.wantEqual)
		}
	}
}

func TestFingerprintAppendsStageToken(t *testing.T) {
	fp := Fingerprint("drill bits", "intake")
	if fp != "drill bits|intake" {
		t.Fatalf("got %q", fp)
	}
}
