// Package storage defines the durable store for documents, chunks, and their embeddings.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/shirabe/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines document, chunk, and embedding persistence operations.
type Storage interface {
	// Document operations
	GetDocumentByPath(ctx context.Context, path string) (*models.Document, error)
	UpsertDocument(ctx context.Context, doc *models.Document) error
	DeleteDocument(ctx context.Context, id int64) error
	// ListDocuments returns documents at or below prefix; an empty prefix lists all.
	ListDocuments(ctx context.Context, prefix string) ([]*models.Document, error)

	// Chunk operations
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	UpdateChunkPosition(ctx context.Context, chunk *models.Chunk) error
	DeleteChunks(ctx context.Context, ids []int64) error
	ListChunksByDocument(ctx context.Context, docID int64) ([]*models.Chunk, error)
	ListChunkHashes(ctx context.Context, docID int64) ([]models.ChunkHash, error)
	GetChunks(ctx context.Context, ids []int64) (map[int64]*ChunkRecord, error)

	// Embedding operations
	InsertEmbedding(ctx context.Context, emb *models.ChunkEmbedding) error
	GetEmbedding(ctx context.Context, chunkID int64) (*models.ChunkEmbedding, error)
	// ForEachEmbedding streams every stored embedding in chunk id order.
	ForEachEmbedding(ctx context.Context, fn func(*models.ChunkEmbedding) error) error
	// ForEachEmbeddingID streams (chunk id, vector dimensions) in chunk id order without decoding vectors.
	ForEachEmbeddingID(ctx context.Context, fn func(chunkID int64, dims int) error) error
	// ForEachEmbeddedHash streams (chunk id, content hash) for chunks that have an embedding.
	ForEachEmbeddedHash(ctx context.Context, fn func(chunkID int64, hash models.Hash) error) error

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)
	CountEmbeddings(ctx context.Context) (int64, error)

	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a Storage bound to a single transaction.
type Tx interface {
	Storage
	Commit() error
	Rollback() error
}

// ChunkRecord is a chunk joined with its document path, used to hydrate results.
type ChunkRecord struct {
	models.Chunk
	DocumentPath string
}
