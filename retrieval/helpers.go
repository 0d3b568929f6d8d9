package retrieval

import (
	"fmt"
	"math"
)

// AverageVectors computes the component-wise arithmetic mean of the given
// vectors. All vectors must share the same dimensionality; the result has
// that dimensionality regardless of vector count.
func AverageVectors(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors to average")
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("dimension mismatch: %d vs %d", len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	avg := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sum {
		avg[i] = float32(s / n)
	}
	return avg, nil
}

// CosineDistance returns 1 - cosine similarity, matching the distance
// metric used by the sqlite-vec index so both retrieval paths rank
// consistently. Zero-norm vectors yield the maximum distance.
func CosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
