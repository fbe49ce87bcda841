package vector

import (
	"container/heap"
	"sort"
)

// better orders results by descending score, then ascending chunk id.
func better(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ChunkID < b.ChunkID
}

// topK keeps the k best results seen so far in a min-heap of the worst kept result.
type topK struct {
	k    int
	heap resultHeap
}

func newTopK(k int) *topK {
	return &topK{k: k, heap: make(resultHeap, 0, k)}
}

func (t *topK) push(r Result) {
	if t.k <= 0 {
		return
	}
	if len(t.heap) < t.k {
		heap.Push(&t.heap, r)
		return
	}
	if better(r, t.heap[0]) {
		t.heap[0] = r
		heap.Fix(&t.heap, 0)
	}
}

func (t *topK) len() int { return len(t.heap) }

// results returns the kept results in final order.
func (t *topK) results() []Result {
	out := make([]Result, len(t.heap))
	copy(out, t.heap)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
