package affinity

import "testing"

func dominantFrom(rows map[string]int64) (string, float64, bool) {
	var total int64
	var bestAccount string
	var bestCount int64
	for account, count := range rows {
		total += count
		if count > bestCount {
			bestAccount, bestCount = account, count
		}
	}
	if total == 0 || bestCount < minCount {
		return "", 0, false
	}
	ratio := float64(bestCount) / float64(total)
	if ratio < minRatio {
		return "", 0, false
	}
	return bestAccount, ratio, true
}

func TestDominantAccountRuleRequiresCountAndRatio(t *testing.T) {
	// count below threshold: no dominant account even at 100% ratio.
	if _, _, ok := dominantFrom(map[string]int64{"5010": 4}); ok {
		t.Fatal("expected no dominant account below minCount")
	}

	// count above threshold but ratio below 0.90: no dominant account.
	if _, _, ok := dominantFrom(map[string]int64{"5010": 6, "5020": 4}); ok {
		t.Fatal("expected no dominant account below minRatio")
	}

	// both thresholds satisfied.
	account, ratio, ok := dominantFrom(map[string]int64{"5010": 9, "5020": 1})
	if !ok || account != "5010" {
		t.Fatalf("got %q, %v, %v; want 5010, _, true", account, ratio, ok)
	}
	if ratio < minRatio {
		t.Fatalf("ratio %v below minRatio", ratio)
	}
}
