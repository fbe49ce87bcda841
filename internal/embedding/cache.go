package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedEmbedder memoizes embeddings by content digest in an LRU.
type CachedEmbedder struct {
	Embedder
	cache *lru.Cache[[32]byte, []float32]
}

// NewCachedEmbedder wraps inner with an LRU of the given size.
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	c, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedEmbedder{Embedder: inner, cache: c}, nil
}

func cacheKey(text string, maxLen int) [32]byte {
	h := sha256.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(int64(maxLen)))
	h.Write(n[:])
	h.Write([]byte(text))
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k
}

// Embed returns the cached or freshly computed embedding for text.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, 0)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch forwards only cache misses to the wrapped backend.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string, maxLen int) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(cacheKey(t, maxLen)); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.Embedder.EmbedBatch(ctx, missTexts, maxLen)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache.Add(cacheKey(missTexts[j], maxLen), vecs[j])
	}
	return out, nil
}

// Len reports cached entries.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }
