// Package embedding provides text embedding backends, caching, and batch sizing.
package embedding

import (
	"context"
	"errors"
)

// ErrUnavailable marks a backend that cannot serve requests right now.
var ErrUnavailable = errors.New("embedder unavailable")

// Kind describes where a backend runs; it drives the automatic batch size.
type Kind int

const (
	// KindCPU runs inference on local CPU cores.
	KindCPU Kind = iota
	// KindAccelerator runs inference on a local GPU or NPU.
	KindAccelerator
	// KindRemote calls a network API.
	KindRemote
)

func (k Kind) String() string {
	switch k {
	case KindAccelerator:
		return "accelerator"
	case KindRemote:
		return "remote"
	default:
		return "cpu"
	}
}

// Embedder produces vector embeddings for text. Identical input yields identical output.
type Embedder interface {
	// EmbedBatch embeds texts, truncating each to maxLen tokens. maxLen <= 0 uses the backend default.
	EmbedBatch(ctx context.Context, texts []string, maxLen int) ([][]float32, error)
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	// Model names the model whose vectors this backend produces.
	Model() string
	Kind() Kind
	Close() error
}
