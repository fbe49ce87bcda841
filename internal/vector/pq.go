package vector

import (
	"fmt"
	"math/rand/v2"
)

const (
	pqCentroids       = 256
	pqTrainSample     = 25000
	pqTrainIterations = 12
)

// quantizer is a product quantizer: each vector is split into m subvectors and every
// subvector is replaced by the index of its nearest centroid in that subspace.
// A trained quantizer is never mutated; retraining produces a new one.
type quantizer struct {
	m, k, sub int
	// codebooks[j] holds k centroids of sub dimensions, flattened.
	codebooks [][]float32
}

func trainQuantizer(vectors [][]float32, m int, rng *rand.Rand) (*quantizer, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("train quantizer: no vectors")
	}
	dims := len(vectors[0])
	if m <= 0 || dims%m != 0 {
		return nil, fmt.Errorf("train quantizer: %d dimensions not divisible into %d subquantizers", dims, m)
	}
	sample := vectors
	if len(sample) > pqTrainSample {
		sample = make([][]float32, pqTrainSample)
		for i, p := range rng.Perm(len(vectors))[:pqTrainSample] {
			sample[i] = vectors[p]
		}
	}
	k := min(pqCentroids, len(sample))
	q := &quantizer{m: m, k: k, sub: dims / m, codebooks: make([][]float32, m)}
	sub := make([][]float32, len(sample))
	for j := 0; j < m; j++ {
		for i, v := range sample {
			sub[i] = v[j*q.sub : (j+1)*q.sub]
		}
		centers, _ := kmeans(sub, k, pqTrainIterations, rng)
		book := make([]float32, k*q.sub)
		for c, center := range centers {
			copy(book[c*q.sub:], center)
		}
		q.codebooks[j] = book
	}
	return q, nil
}

func (q *quantizer) dims() int { return q.m * q.sub }

func (q *quantizer) centroid(j, c int) []float32 {
	return q.codebooks[j][c*q.sub : (c+1)*q.sub]
}

func (q *quantizer) encode(v []float32) []byte {
	code := make([]byte, q.m)
	for j := 0; j < q.m; j++ {
		part := v[j*q.sub : (j+1)*q.sub]
		best, bestDist := 0, SquaredDistance(part, q.centroid(j, 0))
		for c := 1; c < q.k; c++ {
			if d := SquaredDistance(part, q.centroid(j, c)); d < bestDist {
				best, bestDist = c, d
			}
		}
		code[j] = byte(best)
	}
	return code
}

func (q *quantizer) decode(code []byte) []float32 {
	out := make([]float32, q.dims())
	for j, c := range code {
		copy(out[j*q.sub:], q.centroid(j, int(c)))
	}
	return out
}

// table precomputes the inner product of each query subvector with every centroid,
// so scoring a code costs m lookups.
func (q *quantizer) table(query []float32) []float32 {
	t := make([]float32, q.m*q.k)
	for j := 0; j < q.m; j++ {
		part := query[j*q.sub : (j+1)*q.sub]
		for c := 0; c < q.k; c++ {
			t[j*q.k+c] = Dot(part, q.centroid(j, c))
		}
	}
	return t
}

func (q *quantizer) score(table []float32, code []byte) float32 {
	var s float32
	for j, c := range code {
		s += table[j*q.k+int(c)]
	}
	return s
}
