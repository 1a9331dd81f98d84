package match

import (
	"math"
	"testing"
)

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{name: "identical", a: "cement", b: "cement", want: 0},
		{name: "both empty", a: "", b: "", want: 0},
		{name: "one empty", a: "abc", b: "", want: 3},
		{name: "single substitution", a: "cement", b: "cemant", want: 1},
		{name: "insertion", a: "rebar", b: "rebars", want: 1},
		{name: "deletion", a: "pipes", b: "pipe", want: 1},
		{name: "completely different", a: "abc", b: "xyz", want: 3},
		{name: "unicode runes", a: "béton", b: "beton", want: 1},
		{name: "transposed needs two edits", a: "ab", b: "ba", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := levenshtein(tt.a, tt.b); got != tt.want {
				t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
			// Distance is symmetric.
			if got := levenshtein(tt.b, tt.a); got != tt.want {
				t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestEditSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{name: "identical", a: "steel", b: "steel", want: 1},
		{name: "both empty", a: "", b: "", want: 1},
		{name: "disjoint", a: "abc", b: "xyz", want: 0},
		{name: "half edits", a: "ab", b: "ax", want: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := editSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("editSimilarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestTokenSetSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{name: "identical sets", a: []string{"steel", "bar"}, b: []string{"bar", "steel"}, want: 1},
		{name: "both empty", a: nil, b: nil, want: 1},
		{name: "one empty", a: []string{"x"}, b: nil, want: 0},
		{name: "disjoint", a: []string{"a"}, b: []string{"b"}, want: 0},
		{name: "half overlap", a: []string{"steel", "bar"}, b: []string{"steel", "rod"}, want: 1.0 / 3.0},
		{name: "duplicates collapse", a: []string{"x", "x"}, b: []string{"x"}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tokenSetSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("tokenSetSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
