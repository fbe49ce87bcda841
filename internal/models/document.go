// Package models defines core data structures for documents, chunks, queries, and results.
package models

import "time"

// Hash is a SHA-256 content digest.
type Hash [32]byte

// Document is a tracked source file.
type Document struct {
	ID            int64     `json:"id" db:"id"`
	Path          string    `json:"path" db:"path"`
	ContentHash   Hash      `json:"-" db:"content_hash"`
	Size          int64     `json:"size" db:"size"`
	ModTime       time.Time `json:"mod_time" db:"mod_time"`
	LastIndexedAt time.Time `json:"last_indexed_at" db:"last_indexed_at"`
}

// Chunk is a contiguous span of a document's text. Content and ContentHash never change
// after creation; positional fields are refreshed when a differential reindex reuses it.
type Chunk struct {
	ID            int64    `json:"id" db:"id"`
	DocumentID    int64    `json:"document_id" db:"document_id"`
	ChunkIndex    int      `json:"chunk_index" db:"chunk_index"`
	StartOffset   int      `json:"start_offset" db:"start_offset"`
	EndOffset     int      `json:"end_offset" db:"end_offset"`
	HeaderContext []string `json:"header_context,omitempty" db:"header_context"`
	Content       string   `json:"content" db:"content"`
	ContentHash   Hash     `json:"-" db:"content_hash"`
}

// ChunkEmbedding is the vector stored for a chunk.
type ChunkEmbedding struct {
	ChunkID    int64     `json:"chunk_id"`
	Vector     []float32 `json:"-"`
	TokenCount int       `json:"token_count"`
	Model      string    `json:"model"`
}

// ChunkHash pairs a stored chunk id with its content hash.
type ChunkHash struct {
	ChunkID     int64
	ChunkIndex  int
	ContentHash Hash
}
