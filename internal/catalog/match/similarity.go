// Package match scores BOQ line items against the catalog index and returns
// ranked candidates with confidence. Scoring is read-only over a catalog
// snapshot, so rows can be matched concurrently.
package match

// levenshtein returns the edit distance between a and b, operating on runes.
func levenshtein(a, b string) int {
	ar := []rune(a)
	br := []rune(b)
	if string(ar) == string(br) {
		return 0
	}
	if len(ar) < len(br) {
		ar, br = br, ar
	}
	if len(br) == 0 {
		return len(ar)
	}

	prev := make([]int, len(br)+1)
	for j := range prev {
		prev[j] = j
	}
	curr := make([]int, len(br)+1)

	for i, ca := range ar {
		curr[0] = i + 1
		for j, cb := range br {
			ins := curr[j] + 1
			del := prev[j+1] + 1
			sub := prev[j]
			if ca != cb {
				sub++
			}
			curr[j+1] = min3(ins, del, sub)
		}
		prev, curr = curr, prev
	}

	return prev[len(prev)-1]
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

// editSimilarity maps edit distance to [0,1]: 1 for identical strings,
// 0 when every character differs.
func editSimilarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// tokenSetSimilarity returns the Jaccard similarity of two token slices.
func tokenSetSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	aSet := make(map[string]struct{}, len(a))
	for _, t := range a {
		aSet[t] = struct{}{}
	}
	bSet := make(map[string]struct{}, len(b))
	for _, t := range b {
		bSet[t] = struct{}{}
	}

	inter := 0
	for t := range aSet {
		if _, ok := bSet[t]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
