package vector

import (
	"context"
	"fmt"
	"sync"
)

// FlatIndex is an exact brute-force index. Suitable for tests and small corpora.
type FlatIndex struct {
	dimensions int
	ids        []int64
	vectors    [][]float32
	pos        map[int64]int
	gen        uint64
	mu         sync.RWMutex
}

// NewFlatIndex creates an exact index with the given dimension.
func NewFlatIndex(dimensions int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &FlatIndex{dimensions: dimensions, pos: make(map[int64]int)}, nil
}

// Insert adds or replaces vectors.
func (f *FlatIndex) Insert(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for _, v := range vectors {
		if len(v) != f.dimensions {
			return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(v), f.dimensions)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range ids {
		vec := normalized(vectors[i])
		if p, ok := f.pos[id]; ok {
			f.vectors[p] = vec
			continue
		}
		f.pos[id] = len(f.ids)
		f.ids = append(f.ids, id)
		f.vectors = append(f.vectors, vec)
	}
	f.gen++
	return nil
}

// Remove deletes vectors by swapping the last entry into their slot.
func (f *FlatIndex) Remove(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		p, ok := f.pos[id]
		if !ok {
			continue
		}
		last := len(f.ids) - 1
		f.ids[p], f.vectors[p] = f.ids[last], f.vectors[last]
		f.pos[f.ids[p]] = p
		f.ids, f.vectors = f.ids[:last], f.vectors[:last]
		delete(f.pos, id)
		f.gen++
	}
	return nil
}

// Query returns the top-k vectors by cosine similarity.
func (f *FlatIndex) Query(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(query), f.dimensions)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if k <= 0 || len(f.ids) == 0 {
		return nil, nil
	}
	q := normalized(query)
	top := newTopK(k)
	for i, vec := range f.vectors {
		top.push(Result{ChunkID: f.ids[i], Score: float64(Dot(q, vec))})
	}
	return top.results(), nil
}

// Optimize is a no-op; the flat index has no structure to maintain.
func (f *FlatIndex) Optimize(ctx context.Context, maxIterations int) (*OptimizeReport, error) {
	return &OptimizeReport{}, ctx.Err()
}

// Save persists the index to path in the shared index file format.
func (f *FlatIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	f.mu.RLock()
	st := &state{kind: kindFlat, dims: f.dimensions, nextSeq: uint64(len(f.ids)) + 1}
	for i, id := range f.ids {
		st.entries = append(st.entries, &entry{id: id, seq: uint64(i) + 1, raw: f.vectors[i]})
		st.clusters = append(st.clusters, -1)
	}
	f.mu.RUnlock()
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// Load replaces the contents with the index at path. A missing file is not an error.
func (f *FlatIndex) Load(path string) error {
	st, err := readState(path, kindFlat, f.dimensions)
	if err != nil || st == nil {
		return err
	}
	pos := make(map[int64]int, len(st.entries))
	ids := make([]int64, len(st.entries))
	vectors := make([][]float32, len(st.entries))
	for i, e := range st.entries {
		if e.raw == nil {
			return fmt.Errorf("%w: flat index entry without vector", ErrCorrupt)
		}
		if _, dup := pos[e.id]; dup {
			return fmt.Errorf("%w: duplicate chunk %d", ErrCorrupt, e.id)
		}
		pos[e.id] = i
		ids[i] = e.id
		vectors[i] = e.raw
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids, f.vectors, f.pos = ids, vectors, pos
	f.gen++
	return nil
}

// Reset drops every vector.
func (f *FlatIndex) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids, f.vectors, f.pos = nil, nil, make(map[int64]int)
	f.gen++
}

func (f *FlatIndex) Contains(id int64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.pos[id]
	return ok
}

// Size returns the number of vectors in the index.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func (f *FlatIndex) Dimensions() int { return f.dimensions }

func (f *FlatIndex) Generation() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.gen
}

func (f *FlatIndex) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Stats{Type: string(IndexTypeFlat), Dimensions: f.dimensions, Live: len(f.ids), Generation: f.gen}
}

func (f *FlatIndex) Wait() {}

// Close releases resources.
func (f *FlatIndex) Close() error { return nil }
