package vector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeCluster is the clustered index with quantization and graph refinement.
	IndexTypeCluster IndexType = "ivf"
	// IndexTypeFlat uses exact brute-force search. Good for small corpora (<10k vectors).
	IndexTypeFlat IndexType = "flat"
)

// New creates a vector index of the configured type.
// Supported types: "ivf" (default), "flat".
func New(cfg config.VectorConfig, dimensions int, logger *zap.Logger) (Index, error) {
	switch IndexType(cfg.IndexType) {
	case IndexTypeCluster, "":
		return NewClusterIndex(cfg, dimensions, logger)
	case IndexTypeFlat:
		return NewFlatIndex(dimensions)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: ivf, flat)", cfg.IndexType)
	}
}
