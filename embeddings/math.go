package embeddings

import "math"

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Mismatched or zero-magnitude inputs yield 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// MeanPool averages vectors elementwise. All vectors must share the first
// vector's dimension; shorter inputs are ignored beyond their length guard.
func MeanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	count := 0
	for _, vec := range vectors {
		if len(vec) != dim {
			continue
		}
		for i, v := range vec {
			sum[i] += float64(v)
		}
		count++
	}
	if count == 0 {
		return nil
	}

	pooled := make([]float32, dim)
	for i := range sum {
		pooled[i] = float32(sum[i] / float64(count))
	}
	return pooled
}

// MaxPool takes the elementwise maximum across vectors.
func MaxPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}

	dim := len(vectors[0])
	pooled := make([]float32, dim)
	copy(pooled, vectors[0])
	for _, vec := range vectors[1:] {
		if len(vec) != dim {
			continue
		}
		for i, v := range vec {
			if v > pooled[i] {
				pooled[i] = v
			}
		}
	}
	return pooled
}

// WeightedPool combines vectors by the given weights, re-normalized to sum
// to 1. Non-positive total weight falls back to a plain mean.
func WeightedPool(vectors [][]float32, weights []float64) []float32 {
	if len(vectors) == 0 || len(vectors) != len(weights) {
		return nil
	}

	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return MeanPool(vectors)
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for idx, vec := range vectors {
		if len(vec) != dim || weights[idx] <= 0 {
			continue
		}
		w := weights[idx] / total
		for i, v := range vec {
			sum[i] += float64(v) * w
		}
	}

	pooled := make([]float32, dim)
	for i := range sum {
		pooled[i] = float32(sum[i])
	}
	return pooled
}
