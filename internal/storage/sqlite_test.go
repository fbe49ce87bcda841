package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/shirabe/internal/fileid"
	"github.com/hyperjump/shirabe/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addDoc(t *testing.T, s Storage, path string, contents ...string) (*models.Document, []*models.Chunk) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{Path: path, ContentHash: fileid.HashString(path), ModTime: time.Unix(1700000000, 0)}
	require.NoError(t, s.UpsertDocument(ctx, doc))
	var chunks []*models.Chunk
	for i, c := range contents {
		ch := &models.Chunk{
			DocumentID:    doc.ID,
			ChunkIndex:    i,
			StartOffset:   i * 10,
			EndOffset:     i*10 + len(c),
			HeaderContext: []string{"# Title"},
			Content:       c,
			ContentHash:   fileid.HashString(c),
		}
		require.NoError(t, s.InsertChunk(ctx, ch))
		require.NoError(t, s.InsertEmbedding(ctx, &models.ChunkEmbedding{
			ChunkID: ch.ID, Vector: []float32{float32(i), 0.5, -1}, TokenCount: 3, Model: "hash",
		}))
		chunks = append(chunks, ch)
	}
	return doc, chunks
}

func TestSQLiteStorage_DocumentRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc, _ := addDoc(t, store, "/corpus/a.md")
	assert.NotZero(t, doc.ID)

	got, err := store.GetDocumentByPath(ctx, "/corpus/a.md")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.True(t, got.ModTime.Equal(doc.ModTime))
	assert.False(t, got.LastIndexedAt.IsZero())

	// upsert keeps the id
	doc.ContentHash = fileid.HashString("changed")
	require.NoError(t, store.UpsertDocument(ctx, doc))
	got, err = store.GetDocumentByPath(ctx, "/corpus/a.md")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.Equal(t, fileid.HashString("changed"), got.ContentHash)

	_, err = store.GetDocumentByPath(ctx, "/corpus/missing.md")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteStorage_ListDocumentsPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	addDoc(t, store, "/corpus/a.md")
	addDoc(t, store, "/corpus/sub/b.md")
	addDoc(t, store, "/corpus_other/c.md")
	addDoc(t, store, "/corpus%x/d.md")
	addDoc(t, store, "/Corpus/e.md")
	addDoc(t, store, "/CORPUS/sub/f.md")
	addDoc(t, store, "/corpus0/g.md")

	list := func(prefix string) []string {
		docs, err := store.ListDocuments(ctx, prefix)
		require.NoError(t, err)
		var paths []string
		for _, d := range docs {
			paths = append(paths, d.Path)
		}
		return paths
	}
	assert.Equal(t, []string{"/corpus/a.md", "/corpus/sub/b.md"}, list("/corpus"))
	assert.Equal(t, []string{"/corpus/a.md", "/corpus/sub/b.md"}, list("/corpus/"))
	assert.Equal(t, []string{"/Corpus/e.md"}, list("/Corpus"))
	assert.Equal(t, []string{"/corpus/sub/b.md"}, list("/corpus/sub/b.md"))
	assert.Len(t, list(""), 7)
}

func TestSQLiteStorage_DeleteCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, chunks := addDoc(t, store, "/corpus/a.md", "alpha", "beta")

	require.NoError(t, store.DeleteDocument(ctx, doc.ID))

	n, err := store.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = store.GetEmbedding(ctx, chunks[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteDocument(ctx, doc.ID), ErrNotFound)
}

func TestSQLiteStorage_ChunksAndEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doc, chunks := addDoc(t, store, "/corpus/a.md", "alpha", "beta", "gamma")

	hashes, err := store.ListChunkHashes(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, hashes, 3)
	assert.Equal(t, fileid.HashString("beta"), hashes[1].ContentHash)

	// reposition keeps content and embedding
	chunks[2].ChunkIndex = 7
	chunks[2].HeaderContext = []string{"# Title", "## Moved"}
	require.NoError(t, store.UpdateChunkPosition(ctx, chunks[2]))

	recs, err := store.GetChunks(ctx, []int64{chunks[0].ID, chunks[2].ID, 9999})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "/corpus/a.md", recs[chunks[0].ID].DocumentPath)
	assert.Equal(t, 7, recs[chunks[2].ID].ChunkIndex)
	assert.Equal(t, []string{"# Title", "## Moved"}, recs[chunks[2].ID].HeaderContext)
	assert.Equal(t, "gamma", recs[chunks[2].ID].Content)

	emb, err := store.GetEmbedding(ctx, chunks[2].ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0.5, -1}, emb.Vector)
	assert.Equal(t, "hash", emb.Model)

	require.NoError(t, store.DeleteChunks(ctx, []int64{chunks[1].ID}))
	list, err := store.ListChunksByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Content)
	assert.Equal(t, "gamma", list[1].Content)
}

func TestSQLiteStorage_TxRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	addDoc(t, tx, "/corpus/a.md", "alpha")
	require.NoError(t, tx.Rollback())

	n, err := store.CountDocuments(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)
	addDoc(t, tx, "/corpus/a.md", "alpha")
	require.NoError(t, tx.Commit())

	n, err = store.CountChunks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestSQLiteStorage_ForEach(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, chunks := addDoc(t, store, "/corpus/a.md", "alpha", "beta")

	var ids []int64
	require.NoError(t, store.ForEachEmbedding(ctx, func(e *models.ChunkEmbedding) error {
		ids = append(ids, e.ChunkID)
		return nil
	}))
	assert.Equal(t, []int64{chunks[0].ID, chunks[1].ID}, ids)

	seen := map[int64]models.Hash{}
	require.NoError(t, store.ForEachEmbeddedHash(ctx, func(id int64, h models.Hash) error {
		seen[id] = h
		return nil
	}))
	assert.Equal(t, fileid.HashString("beta"), seen[chunks[1].ID])

	dims := map[int64]int{}
	require.NoError(t, store.ForEachEmbeddingID(ctx, func(id int64, n int) error {
		dims[id] = n
		return nil
	}))
	assert.Equal(t, map[int64]int{chunks[0].ID: 3, chunks[1].ID: 3}, dims)

	stop := errors.New("stop")
	err := store.ForEachEmbedding(ctx, func(*models.ChunkEmbedding) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestSQLiteStorage_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s1, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{0, -1.5, 3.25, 1e-7}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
	assert.Empty(t, DecodeVector(nil))
}
