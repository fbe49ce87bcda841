package vector

import (
	"math"
	"slices"

	"github.com/hyperjump/shirabe/pkg/utils"
)

// Dot returns the inner product of two equal-length vectors; for unit vectors this is cosine similarity.
func Dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// SquaredDistance returns the squared Euclidean distance between a and b.
func SquaredDistance(a, b []float32) float32 {
	var s float32
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

// normalized returns a unit-length copy of v. Zero vectors are copied unchanged.
func normalized(v []float32) []float32 {
	out := slices.Clone(v)
	utils.NormalizeL2(out)
	return out
}

// nearest returns the index of the center closest to v and its squared distance.
func nearest(centers [][]float32, v []float32) (int, float32) {
	best, bestDist := -1, float32(math.MaxFloat32)
	for i, c := range centers {
		if d := SquaredDistance(c, v); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}
