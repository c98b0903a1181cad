// Package fuzzy implements the vendor-name similarity check used by the
// auto-authorization engine's R1_EXACT_DUP and R2_BILL_HINT rules
// (spec §4.9). No string-distance library appears anywhere
// in the retrieval pack, so this is a small standard-library implementation
// rather than an adopted dependency.
package fuzzy

import "strings"

// Distance computes the Levenshtein edit distance between a and b using the
// classic two-row dynamic-programming table.
func Distance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := curr[j-1] + 1
			sub := prev[j-1] + cost
			curr[j] = min3(del, ins, sub)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// Similarity returns a 0-100 score where 100 means identical strings, derived
// from the edit distance normalized by the longer string's length — this is
// the scale the "85/100 default threshold" in spec §4.9 is expressed in.
func Similarity(a, b string) int {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 100
	}
	longest := len([]rune(na))
	if l := len([]rune(nb)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 100
	}
	dist := Distance(na, nb)
	score := 100 - (dist*100)/longest
	if score < 0 {
		score = 0
	}
	return score
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Matches reports whether a and b are similar enough to be treated as the
// same vendor given threshold (0-100), defaulting callers should pass 85 per
// spec §4.9's "configurable threshold (default 85/100)".
func Matches(a, b string, threshold int) bool {
	return Similarity(a, b) >= threshold
}
