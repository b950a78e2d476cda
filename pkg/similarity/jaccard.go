// Package similarity implements token-set comparison for near-duplicate
// query detection. Queries are tokenized on whitespace and compared as
// unordered sets using the Jaccard index; token frequency is deliberately
// ignored, only membership matters.
package similarity

import (
	"sort"
	"strings"
)

// Tokenize lowercases s and splits it on whitespace. Duplicate tokens
// collapse into a single set member.
func Tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// Jaccard returns the intersection-over-union ratio for the token sets of a and b.
// When both sets are empty the ratio is undefined; it is defined
// here as 0 (no match) to avoid division by zero.
func Jaccard(a, b string) float64 {
	return JaccardSets(Tokenize(a), Tokenize(b))
}

// JaccardSets computes the Jaccard index over pre-tokenized sets.
func JaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Match pairs a stored query with its similarity score against a probe.
type Match struct {
	Query      string  `json:"query"`
	CacheKey   string  `json:"cache_key"`
	Response   string  `json:"response"`
	Similarity float64 `json:"similarity"`
}

// Rank filters matches below threshold and sorts the remainder by
// descending similarity. Ties keep their relative order so results
// are stable across calls.
func Rank(matches []Match, threshold float64) []Match {
	ranked := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Similarity >= threshold {
			ranked = append(ranked, m)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})
	return ranked
}
