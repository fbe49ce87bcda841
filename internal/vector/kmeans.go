package vector

import "math/rand/v2"

// kmeans runs Lloyd's algorithm from centers seeded by a random sample of points.
// It returns the centers and the assignment of every point. Empty clusters keep their previous center.
func kmeans(points [][]float32, k, iterations int, rng *rand.Rand) ([][]float32, []int) {
	if k > len(points) {
		k = len(points)
	}
	if k == 0 {
		return nil, nil
	}
	dims := len(points[0])
	centers := make([][]float32, k)
	for i, p := range rng.Perm(len(points))[:k] {
		centers[i] = append([]float32(nil), points[p]...)
	}
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}
	for it := 0; it < iterations; it++ {
		changed := 0
		for i, p := range points {
			c, _ := nearest(centers, p)
			if assign[i] != c {
				assign[i] = c
				changed++
			}
		}
		if changed == 0 {
			break
		}
		recenter(centers, points, assign, dims)
	}
	return centers, assign
}

// recenter replaces every non-empty center with the mean of its assigned points.
func recenter(centers, points [][]float32, assign []int, dims int) []int {
	sums := make([][]float64, len(centers))
	counts := make([]int, len(centers))
	for i, p := range points {
		c := assign[i]
		if sums[c] == nil {
			sums[c] = make([]float64, dims)
		}
		for d, v := range p {
			sums[c][d] += float64(v)
		}
		counts[c]++
	}
	for c := range centers {
		if counts[c] == 0 {
			continue
		}
		center := make([]float32, dims)
		for d := range center {
			center[d] = float32(sums[c][d] / float64(counts[c]))
		}
		centers[c] = center
	}
	return counts
}
