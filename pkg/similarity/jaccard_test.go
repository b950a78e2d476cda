package similarity

import (
	"math"
	"testing"
)

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want float64
	}{
		{"identical", "tell me about the iss", "tell me about the iss", 1},
		{"disjoint", "a b", "c d", 0},
		{"both empty", "", "", 0},
		{"one empty", "hello world", "", 0},
		{"case insensitive", "Hello World", "hello world", 1},
		{"duplicates collapse", "go go go", "go", 1},
		{"half overlap", "a b c d", "a b e f", 1.0 / 3.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Jaccard(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Jaccard(%q, %q) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestJaccard_Symmetric(t *testing.T) {
	a := "tell me about apollo 11"
	b := "tell me about apollo 13"
	if Jaccard(a, b) != Jaccard(b, a) {
		t.Error("Jaccard is not symmetric")
	}
}

func TestJaccard_ApolloOverlap(t *testing.T) {
	// 4 shared tokens of 6 distinct: {tell, me, about, apollo} / {tell, me, about, apollo, 11, 13}
	got := Jaccard("Tell me about Apollo 11", "Tell me about Apollo 13")
	want := 4.0 / 6.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Jaccard = %f, want %f", got, want)
	}
}

func TestRank(t *testing.T) {
	matches := []Match{
		{Query: "low", Similarity: 0.3},
		{Query: "high", Similarity: 0.9},
		{Query: "mid", Similarity: 0.7},
		{Query: "below", Similarity: 0.69},
	}

	ranked := Rank(matches, 0.7)

	if len(ranked) != 2 {
		t.Fatalf("expected 2 matches above threshold, got %d", len(ranked))
	}
	if ranked[0].Query != "high" || ranked[1].Query != "mid" {
		t.Errorf("unexpected order: %q, %q", ranked[0].Query, ranked[1].Query)
	}
	for _, m := range ranked {
		if m.Similarity < 0.7 {
			t.Errorf("match %q below threshold: %f", m.Query, m.Similarity)
		}
	}
}

func TestRank_Empty(t *testing.T) {
	ranked := Rank(nil, 0.5)
	if len(ranked) != 0 {
		t.Errorf("expected empty result, got %d matches", len(ranked))
	}
}

func TestTokenize(t *testing.T) {
	set := Tokenize("The  quick THE quick brown")
	if len(set) != 3 {
		t.Errorf("expected 3 distinct tokens, got %d", len(set))
	}
	for _, tok := range []string{"the", "quick", "brown"} {
		if _, ok := set[tok]; !ok {
			t.Errorf("missing token %q", tok)
		}
	}
}

func BenchmarkJaccard(b *testing.B) {
	q1 := "how long does the international space station take to orbit the earth"
	q2 := "how long does the iss take to circle the planet earth once"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Jaccard(q1, q2)
	}
}
