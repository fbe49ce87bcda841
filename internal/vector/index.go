// Package vector provides approximate nearest-neighbor indexes over chunk embeddings.
package vector

import (
	"context"
	"errors"
)

var (
	// ErrCorrupt is returned by Load when the file fails its integrity checks.
	ErrCorrupt = errors.New("vector index corrupt")
	// ErrVersionMismatch is returned by Load for files written by an incompatible format version.
	ErrVersionMismatch = errors.New("vector index version mismatch")
	// ErrDimensionMismatch is returned when a vector does not match the index dimensions.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Index stores one vector per chunk id and answers top-k similarity queries.
// Readers never block writers: queries run against an immutable snapshot.
type Index interface {
	// Insert adds or replaces vectors. Vectors are normalized on insert.
	Insert(ctx context.Context, ids []int64, vectors [][]float32) error
	Remove(ctx context.Context, ids []int64) error
	// Query returns up to k results ordered by descending score, ties by ascending chunk id.
	Query(ctx context.Context, vector []float32, k int) ([]Result, error)
	// Optimize performs bounded background maintenance.
	Optimize(ctx context.Context, maxIterations int) (*OptimizeReport, error)
	Save(path string) error
	// Load replaces the contents with the file at path. A missing file leaves the index empty.
	Load(path string) error
	// Reset drops every vector, as before a full rebuild.
	Reset()
	Size() int
	// Contains reports whether a live vector is stored for id.
	Contains(id int64) bool
	Dimensions() int
	// Generation increases whenever query results may change.
	Generation() uint64
	Stats() Stats
	// Wait blocks until background work started by Optimize finishes.
	Wait()
	Close() error
}

// Result is a single vector search hit.
type Result struct {
	ChunkID int64
	Score   float64
}

// OptimizeReport describes one Optimize call.
type OptimizeReport struct {
	Iterations     int  `json:"iterations"`
	Moved          int  `json:"moved"`
	Splits         int  `json:"splits"`
	Merges         int  `json:"merges"`
	Compacted      int  `json:"compacted"`
	Reassigned     int  `json:"reassigned"`
	TrainedPQ      bool `json:"trained_pq"`
	GraphScheduled bool `json:"graph_scheduled"`
	GraphDropped   bool `json:"graph_dropped"`
}

// Stats is a point-in-time summary of an index.
type Stats struct {
	Type       string `json:"type"`
	Dimensions int    `json:"dimensions"`
	Live       int    `json:"live"`
	Dead       int    `json:"dead"`
	Clusters   int    `json:"clusters"`
	Quantized  int    `json:"quantized"`
	GraphNodes int    `json:"graph_nodes"`
	GraphDelta int    `json:"graph_delta"`
	GraphDead  int    `json:"graph_dead"`
	Generation uint64 `json:"generation"`
}
