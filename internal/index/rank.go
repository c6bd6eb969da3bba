package index

import (
	"math"
	"slices"
)

// Scoreable is any collection the ranker can scan. *Index implements it;
// an approximate nearest-neighbour structure could as well.
type Scoreable interface {
	Range(fn func(id string, embedding []float64) bool)
}

// Scored pairs a chunk id with its similarity to the query.
type Scored struct {
	ChunkID string
	Score   float64
}

// Cosine returns dot(a,b)/(|a|*|b|). It returns -1 when either vector is empty,
// the lengths differ, or either norm is zero.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return -1.0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return -1.0
	}

	// sqrt(n*n) == n exactly, so identical vectors score exactly 1
	denom := math.Sqrt(normA * normB)
	if denom == 0 || math.IsInf(denom, 0) {
		denom = math.Sqrt(normA) * math.Sqrt(normB)
	}
	return dot / denom
}

// TopK scores every chunk with a non-empty embedding against query and returns
// the k best, highest first. Ties keep the collection's iteration order.
// k <= 0 returns every scoreable chunk.
func TopK(src Scoreable, query []float64, k int) []Scored {
	var scored []Scored
	src.Range(func(id string, embedding []float64) bool {
		if len(embedding) == 0 {
			return true
		}
		scored = append(scored, Scored{ChunkID: id, Score: Cosine(query, embedding)})
		return true
	})

	slices.SortStableFunc(scored, func(a, b Scored) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if k > 0 && k < len(scored) {
		scored = scored[:k]
	}
	return scored
}
