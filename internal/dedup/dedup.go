// Package dedup answers "has this exact chunk content already been embedded?".
//
// A Bloom filter screens lookups cheaply; the exact hash map is authoritative, so a
// false positive costs one map probe and a false negative cannot occur.
package dedup

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hyperjump/shirabe/internal/models"
)

// Source streams (chunk id, content hash) pairs for chunks with committed embeddings.
type Source interface {
	ForEachEmbeddedHash(ctx context.Context, fn func(chunkID int64, hash models.Hash) error) error
}

// Index maps content hashes to the chunk ids that carry an embedding for that content.
type Index struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	exact  map[models.Hash]map[int64]struct{}
	// screened counts lookups answered by the filter alone.
	screened atomic.Uint64
}

// New returns an empty index sized for expected entries at a 1% false positive rate.
func New(expected uint) *Index {
	if expected < 1024 {
		expected = 1024
	}
	return &Index{
		filter: bloom.NewWithEstimates(expected, 0.01),
		exact:  make(map[models.Hash]map[int64]struct{}),
	}
}

// Load rebuilds an index from committed embeddings.
func Load(ctx context.Context, src Source, expected uint) (*Index, error) {
	idx := New(expected)
	err := src.ForEachEmbeddedHash(ctx, func(id int64, h models.Hash) error {
		idx.Add(h, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// MayContain reports whether hash might be present. False is definitive.
func (x *Index) MayContain(h models.Hash) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.filter.Test(h[:])
}

// Lookup returns the smallest chunk id holding an embedding for hash.
func (x *Index) Lookup(h models.Hash) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if !x.filter.Test(h[:]) {
		x.screened.Add(1)
		return 0, false
	}
	ids, ok := x.exact[h]
	if !ok || len(ids) == 0 {
		return 0, false
	}
	var best int64 = -1
	for id := range ids {
		if best < 0 || id < best {
			best = id
		}
	}
	return best, true
}

// Add records that chunkID carries an embedding for hash. Call only after the embedding is committed.
func (x *Index) Add(h models.Hash, chunkID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.filter.Add(h[:])
	ids, ok := x.exact[h]
	if !ok {
		ids = make(map[int64]struct{}, 1)
		x.exact[h] = ids
	}
	ids[chunkID] = struct{}{}
}

// Remove forgets chunkID. The filter bit stays set; the exact map decides.
func (x *Index) Remove(h models.Hash, chunkID int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids, ok := x.exact[h]
	if !ok {
		return
	}
	delete(ids, chunkID)
	if len(ids) == 0 {
		delete(x.exact, h)
	}
}

// Stats reports distinct hashes and filter-screened lookups.
func (x *Index) Stats() (hashes int, screened uint64) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.exact), x.screened.Load()
}
