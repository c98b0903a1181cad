package llmgateway

import "testing"

func TestEstimateTokensCountsWhitespaceBoundaries(t *testing.T) {
	got := estimateTokens("classify this expense description")
	if got != 4 {
		t.Fatalf("estimateTokens = %d, want 4", got)
	}
}

func TestEstimateTokensNeverZero(t *testing.T) {
	if estimateTokens("") != 1 {
		t.Fatalf("estimateTokens(\"\") should be at least 1")
	}
}
