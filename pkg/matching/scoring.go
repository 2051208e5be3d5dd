package matching

// Levenshtein returns a similarity in [0,1] from the rune edit distance of
// a and b. Two empty strings are identical.
func Levenshtein(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(LevenshteinDistance(ra, rb))/float64(maxLen)
}

// LevenshteinDistance is the unit-cost edit distance between a and b,
// computed over a single row.
func LevenshteinDistance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	dist := make([]int, len(b)+1)
	for j := range dist {
		dist[j] = j
	}
	for _, ca := range a {
		diag := dist[0]
		dist[0]++
		for j, cb := range b {
			sub := diag
			if ca != cb {
				sub++
			}
			diag = dist[j+1]
			dist[j+1] = min(dist[j+1]+1, dist[j]+1, sub)
		}
	}
	return dist[len(b)]
}

// fieldScore is one compared field in the lexical score.
type fieldScore struct {
	field  string
	weight float64
	score  float64
}

// weightedScore averages scores in slice order so the float sum is reproducible.
func weightedScore(scores []fieldScore) float64 {
	var totalWeight, weightedSum float64
	for _, s := range scores {
		weightedSum += s.score * s.weight
		totalWeight += s.weight
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}
