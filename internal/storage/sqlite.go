package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/shirabe/internal/models"
)

// querier is implemented by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	*queries
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and applies migrations.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open(DriverName, dbPath+dsnOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{queries: &queries{q: db}, db: db}, nil
}

// BeginTx starts a transaction. All writes of one indexing batch go through a single Tx.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteTx{queries: &queries{q: tx}, tx: tx}, nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	*queries
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTx) BeginTx(context.Context) (Tx, error) {
	return nil, errors.New("nested transactions are not supported")
}

// Close is a no-op; the transaction ends with Commit or Rollback.
func (t *sqliteTx) Close() error { return nil }

// queries holds every statement and runs against either the database or a transaction.
type queries struct {
	q querier
}

// Document operations

func (s *queries) GetDocumentByPath(ctx context.Context, path string) (*models.Document, error) {
	var doc models.Document
	var hash []byte
	var modTime, indexedAt int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, path, content_hash, size_bytes, mod_time, last_indexed_at
		 FROM documents WHERE path = ?`, path,
	).Scan(&doc.ID, &doc.Path, &hash, &doc.Size, &modTime, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	copy(doc.ContentHash[:], hash)
	doc.ModTime = fromUnixNano(modTime)
	doc.LastIndexedAt = fromUnixNano(indexedAt)
	return &doc, nil
}

func (s *queries) UpsertDocument(ctx context.Context, doc *models.Document) error {
	if doc.LastIndexedAt.IsZero() {
		doc.LastIndexedAt = time.Now()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO documents (path, content_hash, size_bytes, mod_time, last_indexed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size_bytes = excluded.size_bytes,
			mod_time = excluded.mod_time,
			last_indexed_at = excluded.last_indexed_at
		 RETURNING id`,
		doc.Path, doc.ContentHash[:], doc.Size, toUnixNano(doc.ModTime), toUnixNano(doc.LastIndexedAt),
	).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *queries) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *queries) ListDocuments(ctx context.Context, prefix string) ([]*models.Document, error) {
	query := `SELECT id, path, content_hash, size_bytes, mod_time, last_indexed_at FROM documents`
	var args []any
	if prefix != "" {
		// Byte-wise range over "dir/": LIKE folds ASCII case.
		base := strings.TrimSuffix(prefix, "/")
		query += ` WHERE path = ? OR (path >= ? AND path < ?)`
		lo, hi := prefixRange(base)
		args = append(args, prefix, lo, hi)
	}
	query += ` ORDER BY path`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var doc models.Document
		var hash []byte
		var modTime, indexedAt int64
		if err := rows.Scan(&doc.ID, &doc.Path, &hash, &doc.Size, &modTime, &indexedAt); err != nil {
			return nil, err
		}
		copy(doc.ContentHash[:], hash)
		doc.ModTime = fromUnixNano(modTime)
		doc.LastIndexedAt = fromUnixNano(indexedAt)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// Chunk operations

func (s *queries) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	header, err := encodeHeader(chunk.HeaderContext)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO chunks (document_id, chunk_index, start_offset, end_offset, header_context, content, content_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chunk.DocumentID, chunk.ChunkIndex, chunk.StartOffset, chunk.EndOffset, header,
		chunk.Content, chunk.ContentHash[:],
	)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	chunk.ID, err = res.LastInsertId()
	return err
}

func (s *queries) UpdateChunkPosition(ctx context.Context, chunk *models.Chunk) error {
	header, err := encodeHeader(chunk.HeaderContext)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE chunks SET chunk_index = ?, start_offset = ?, end_offset = ?, header_context = ?
		 WHERE id = ?`,
		chunk.ChunkIndex, chunk.StartOffset, chunk.EndOffset, header, chunk.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update chunk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chunk %d: %w", chunk.ID, ErrNotFound)
	}
	return nil
}

func (s *queries) DeleteChunks(ctx context.Context, ids []int64) error {
	for _, batch := range splitIDs(ids) {
		query := `DELETE FROM chunks WHERE id IN (` + placeholders(len(batch)) + `)`
		if _, err := s.q.ExecContext(ctx, query, int64Args(batch)...); err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
	}
	return nil
}

func (s *queries) ListChunksByDocument(ctx context.Context, docID int64) ([]*models.Chunk, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, start_offset, end_offset, header_context, content, content_hash
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (s *queries) ListChunkHashes(ctx context.Context, docID int64) ([]models.ChunkHash, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, chunk_index, content_hash FROM chunks WHERE document_id = ? ORDER BY chunk_index, id`, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunk hashes: %w", err)
	}
	defer rows.Close()

	var out []models.ChunkHash
	for rows.Next() {
		var ch models.ChunkHash
		var hash []byte
		if err := rows.Scan(&ch.ChunkID, &ch.ChunkIndex, &hash); err != nil {
			return nil, err
		}
		copy(ch.ContentHash[:], hash)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *queries) GetChunks(ctx context.Context, ids []int64) (map[int64]*ChunkRecord, error) {
	out := make(map[int64]*ChunkRecord, len(ids))
	for _, batch := range splitIDs(ids) {
		query := `SELECT c.id, c.document_id, c.chunk_index, c.start_offset, c.end_offset, c.header_context,
				c.content, c.content_hash, d.path
			 FROM chunks c JOIN documents d ON d.id = c.document_id
			 WHERE c.id IN (` + placeholders(len(batch)) + `)`
		rows, err := s.q.QueryContext(ctx, query, int64Args(batch)...)
		if err != nil {
			return nil, fmt.Errorf("failed to get chunks: %w", err)
		}
		for rows.Next() {
			var rec ChunkRecord
			var header sql.NullString
			var hash []byte
			if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.ChunkIndex, &rec.StartOffset, &rec.EndOffset,
				&header, &rec.Content, &hash, &rec.DocumentPath); err != nil {
				rows.Close()
				return nil, err
			}
			copy(rec.ContentHash[:], hash)
			rec.HeaderContext = decodeHeader(header)
			out[rec.ID] = &rec
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Embedding operations

func (s *queries) InsertEmbedding(ctx context.Context, emb *models.ChunkEmbedding) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, vector, dimension, token_count, model) VALUES (?, ?, ?, ?, ?)`,
		emb.ChunkID, EncodeVector(emb.Vector), len(emb.Vector), emb.TokenCount, emb.Model,
	)
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	return nil
}

func (s *queries) GetEmbedding(ctx context.Context, chunkID int64) (*models.ChunkEmbedding, error) {
	emb := &models.ChunkEmbedding{ChunkID: chunkID}
	var blob []byte
	err := s.q.QueryRowContext(ctx,
		`SELECT vector, token_count, model FROM chunk_embeddings WHERE chunk_id = ?`, chunkID,
	).Scan(&blob, &emb.TokenCount, &emb.Model)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("embedding %d: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	emb.Vector = DecodeVector(blob)
	return emb, nil
}

func (s *queries) ForEachEmbedding(ctx context.Context, fn func(*models.ChunkEmbedding) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT chunk_id, vector, token_count, model FROM chunk_embeddings ORDER BY chunk_id`)
	if err != nil {
		return fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		emb := &models.ChunkEmbedding{}
		var blob []byte
		if err := rows.Scan(&emb.ChunkID, &blob, &emb.TokenCount, &emb.Model); err != nil {
			return err
		}
		emb.Vector = DecodeVector(blob)
		if err := fn(emb); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *queries) ForEachEmbeddingID(ctx context.Context, fn func(int64, int) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT chunk_id, length(vector) FROM chunk_embeddings ORDER BY chunk_id`)
	if err != nil {
		return fmt.Errorf("failed to scan embedding ids: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var size int
		if err := rows.Scan(&id, &size); err != nil {
			return err
		}
		if err := fn(id, size/4); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *queries) ForEachEmbeddedHash(ctx context.Context, fn func(int64, models.Hash) error) error {
	rows, err := s.q.QueryContext(ctx,
		`SELECT c.id, c.content_hash FROM chunks c JOIN chunk_embeddings e ON e.chunk_id = c.id ORDER BY c.id`)
	if err != nil {
		return fmt.Errorf("failed to scan chunk hashes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		var h models.Hash
		copy(h[:], blob)
		if err := fn(id, h); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Stats

func (s *queries) CountDocuments(ctx context.Context) (int64, error) {
	return s.count(ctx, "documents")
}

func (s *queries) CountChunks(ctx context.Context) (int64, error) {
	return s.count(ctx, "chunks")
}

func (s *queries) CountEmbeddings(ctx context.Context) (int64, error) {
	return s.count(ctx, "chunk_embeddings")
}

func (s *queries) count(ctx context.Context, table string) (int64, error) {
	var n int64
	if err := s.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// EncodeVector serializes a vector as little-endian float32.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (*models.Chunk, error) {
	var c models.Chunk
	var header sql.NullString
	var hash []byte
	if err := r.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.StartOffset, &c.EndOffset,
		&header, &c.Content, &hash); err != nil {
		return nil, err
	}
	copy(c.ContentHash[:], hash)
	c.HeaderContext = decodeHeader(header)
	return &c, nil
}

func encodeHeader(h []string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header context: %w", err)
	}
	return string(b), nil
}

func decodeHeader(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var h []string
	if err := json.Unmarshal([]byte(s.String), &h); err != nil {
		return nil
	}
	return h
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// prefixRange returns the half-open range of paths below dir. '0' sorts
// directly after '/'.
func prefixRange(dir string) (string, string) {
	return dir + "/", dir + "0"
}

// maxParams stays below SQLite's default host parameter limit.
const maxParams = 500

func splitIDs(ids []int64) [][]int64 {
	var out [][]int64
	for len(ids) > 0 {
		n := min(len(ids), maxParams)
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
