package messaging

import "testing"

func TestChannelKeyFormat(t *testing.T) {
	if got := ChannelKey("project", "P-100"); got != "project:P-100" {
		t.Fatalf("got %q", got)
	}
}

func TestMentionsExtractsHandles(t *testing.T) {
	got := mentions("hey @alice can you review this, @bob.")
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("got %v", got)
	}
}

func TestMentionsEmptyWhenNoHandles(t *testing.T) {
	if got := mentions("no mentions here"); len(got) != 0 {
		t.Fatalf("got %v", got)
	}
}

func TestPreviewTruncatesLongBodies(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	got := preview(string(long))
	if len([]rune(got)) != 121 {
		t.Fatalf("expected truncated preview of 121 runes (120 + ellipsis), got %d", len([]rune(got)))
	}
}

func TestPreviewPassesThroughShortBodies(t *testing.T) {
	if got := preview("short"); got != "short" {
		t.Fatalf("got %q", got)
	}
}
