package intake

import "testing"

func TestHashIsStableAndHex(t *testing.T) {
	h1 := Hash([]byte("receipt bytes"))
	h2 := Hash([]byte("receipt bytes"))
	if h1 != h2 {
		t.Fatal("expected stable hash for identical input")
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestHashDiffersOnDifferentInput(t *testing.T) {
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Fatal("expected different hashes for different input")
	}
}

func TestJoinIDs(t *testing.T) {
	if got := joinIDs([]string{"a"}); got != "a" {
		t.Fatalf("got %q", got)
	}
	if got := joinIDs([]string{"a", "b", "c"}); got != "a,b,c" {
		t.Fatalf("got %q", got)
	}
}

func TestTerminalStatesAreTerminal(t *testing.T) {
	for _, s := range []Status{StatusLinked, StatusRejected, StatusDuplicate, StatusError} {
		if !terminal[s] {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	if terminal[StatusPending] || terminal[StatusReady] {
		t.Fatal("pending/ready must not be terminal")
	}
}
