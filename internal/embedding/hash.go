package embedding

import (
	"context"
	"hash/fnv"

	"github.com/hyperjump/shirabe/pkg/utils"
)

// HashEmbedder is a deterministic bag-of-words embedder using signed feature hashing.
// Texts sharing words get similar vectors, which is enough for offline use and tests.
type HashEmbedder struct {
	dimensions int
	maxTokens  int
}

// NewHashEmbedder returns a feature-hashing embedder of the given dimensions.
func NewHashEmbedder(dimensions, maxTokens int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions, maxTokens: maxTokens}
}

// Embed returns the unit-length hashed embedding for text.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text}, 0)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements Embedder.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string, maxLen int) ([][]float32, error) {
	if maxLen <= 0 {
		maxLen = e.maxTokens
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text, maxLen)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string, maxLen int) []float32 {
	v := make([]float32, e.dimensions)
	words := SplitWords(text)
	if maxLen > 0 && len(words) > maxLen {
		words = words[:maxLen]
	}
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimensions))
		if sum&(1<<63) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}
	utils.NormalizeL2(v)
	return v
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int { return e.dimensions }

// Model names the hashing scheme.
func (e *HashEmbedder) Model() string { return "hash-bow" }

// Kind reports KindCPU.
func (e *HashEmbedder) Kind() Kind { return KindCPU }

// Close is a no-op.
func (e *HashEmbedder) Close() error { return nil }
