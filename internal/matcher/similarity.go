package matcher

// Similarity scores two normalized names in [0,1] using the Dice
// coefficient over character bigrams. Identical strings score 1; strings
// too short for bigrams fall back to exact comparison.
func Similarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}

	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}

	bigramsA := bigrams(ra)
	bigramsB := bigrams(rb)

	var overlap int
	for bg, n := range bigramsA {
		if m, ok := bigramsB[bg]; ok {
			overlap += min(n, m)
		}
	}

	total := (len(ra) - 1) + (len(rb) - 1)
	return 2 * float64(overlap) / float64(total)
}

func bigrams(r []rune) map[[2]rune]int {
	out := make(map[[2]rune]int, len(r)-1)
	for i := 0; i < len(r)-1; i++ {
		out[[2]rune{r[i], r[i+1]}]++
	}
	return out
}
