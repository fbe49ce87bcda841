package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/storage"
)

// changes collects what a committed batch does to the derived indexes.
type changes struct {
	insertIDs  []int64
	insertVecs [][]float32
	added      []models.ChunkHash
	removed    []models.ChunkHash
	keywords   []keyword.Document
}

// commit writes the batch in one transaction and then updates the indexes.
// The transaction ignores cancellation so a batch is never half written.
func (r *run) commit(parent context.Context, b *batch) {
	ctx := context.WithoutCancel(parent)
	if b.embedErr != nil {
		r.logger.Error("embedding batch failed", zap.Int("files", len(b.files)), zap.Error(b.embedErr))
		r.update(func(rep *models.IndexReport) {
			rep.BatchFailures++
			for _, f := range b.files {
				rep.AddError(f.path, StageEmbed, b.embedErr)
			}
		})
		r.notify(0, len(b.files), "")
		return
	}

	files := b.files[:0:0]
	dims := r.vectors.Dimensions()
	for _, f := range b.files {
		if err := checkDims(f.vectors, dims); err != nil {
			r.update(func(rep *models.IndexReport) { rep.AddError(f.path, StageEmbed, err) })
			continue
		}
		files = append(files, f)
	}

	ch, err := r.write(ctx, files, b.deletes)
	if err != nil {
		r.logger.Error("batch commit failed", zap.Int("files", len(files)),
			zap.Int("deletes", len(b.deletes)), zap.Error(err))
		r.update(func(rep *models.IndexReport) {
			for _, f := range files {
				rep.AddError(f.path, StageWrite, err)
			}
			for _, d := range b.deletes {
				rep.AddError(d.Path, StageWrite, err)
			}
		})
		r.notify(0, len(b.files), "")
		return
	}
	r.apply(ctx, ch)

	r.update(func(rep *models.IndexReport) {
		rep.Indexed += len(files)
		rep.Deleted += len(b.deletes)
		rep.ChunksWritten += len(ch.insertIDs)
		rep.ChunksRemoved += len(ch.removed)
		rep.EmbeddingsDeduped += b.deduped
		for _, f := range files {
			rep.ChunksReused += f.decision.Reused()
		}
	})
	r.notify(0, len(b.files), "")
	r.logger.Debug("batch committed",
		zap.Int("files", len(files)),
		zap.Int("chunks", len(ch.insertIDs)),
		zap.Int("removed", len(ch.removed)),
		zap.Int("deleted", len(b.deletes)))
}

func checkDims(vectors [][]float32, dims int) error {
	for _, v := range vectors {
		if len(v) != dims {
			return fmt.Errorf("embedding has %d dimensions, index has %d", len(v), dims)
		}
	}
	return nil
}

// write stores documents, chunks and embeddings for files and removes deletes,
// all in one transaction.
func (r *run) write(ctx context.Context, files []*stagedFile, deletes []*models.Document) (*changes, error) {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	ch := &changes{}
	if err := r.writeTx(ctx, tx, files, deletes, ch); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ch, nil
}

func (r *run) writeTx(ctx context.Context, tx storage.Tx, files []*stagedFile, deletes []*models.Document, ch *changes) error {
	now := time.Now()
	model := r.embedder.Model()
	for _, f := range files {
		d := f.decision
		doc := &models.Document{Path: d.Path}
		if d.Existing != nil {
			doc.ID = d.Existing.ID
		}
		doc.ContentHash, doc.Size, doc.ModTime, doc.LastIndexedAt = d.Hash, f.size, f.modTime, now
		if err := tx.UpsertDocument(ctx, doc); err != nil {
			return err
		}
		next := 0
		for _, pc := range d.Chunks {
			c := &models.Chunk{
				ID:            pc.ReuseID,
				DocumentID:    doc.ID,
				ChunkIndex:    pc.Index,
				StartOffset:   pc.Start,
				EndOffset:     pc.End,
				HeaderContext: pc.HeaderContext,
				Content:       pc.Content,
				ContentHash:   pc.Hash,
			}
			if pc.ReuseID != 0 {
				if err := tx.UpdateChunkPosition(ctx, c); err != nil {
					return err
				}
			} else {
				if err := tx.InsertChunk(ctx, c); err != nil {
					return err
				}
				vec := f.vectors[next]
				next++
				err := tx.InsertEmbedding(ctx, &models.ChunkEmbedding{
					ChunkID:    c.ID,
					Vector:     vec,
					TokenCount: embedding.CountTokens(c.Content),
					Model:      model,
				})
				if err != nil {
					return err
				}
				ch.insertIDs = append(ch.insertIDs, c.ID)
				ch.insertVecs = append(ch.insertVecs, vec)
				ch.added = append(ch.added, models.ChunkHash{ChunkID: c.ID, ChunkIndex: c.ChunkIndex, ContentHash: c.ContentHash})
			}
			ch.keywords = append(ch.keywords, keyword.Document{
				ChunkID: c.ID,
				Path:    doc.Path,
				Header:  c.HeaderContext,
				Content: c.Content,
			})
		}
		if len(d.Removed) > 0 {
			if err := tx.DeleteChunks(ctx, d.RemovedIDs()); err != nil {
				return err
			}
			ch.removed = append(ch.removed, d.Removed...)
		}
	}
	for _, doc := range deletes {
		hashes, err := tx.ListChunkHashes(ctx, doc.ID)
		if err != nil {
			return err
		}
		if err := tx.DeleteDocument(ctx, doc.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		ch.removed = append(ch.removed, hashes...)
	}
	return nil
}

// apply brings the derived indexes in line with a committed batch. The store is
// already authoritative, so failures here are logged and repaired by a rebuild.
func (r *run) apply(ctx context.Context, ch *changes) {
	removedIDs := make([]int64, len(ch.removed))
	for i, h := range ch.removed {
		removedIDs[i] = h.ChunkID
	}
	if len(removedIDs) > 0 {
		if err := r.vectors.Remove(ctx, removedIDs); err != nil {
			r.logger.Error("vector index remove failed", zap.Error(err))
		}
		if err := r.keywords.Delete(ctx, removedIDs); err != nil {
			r.logger.Error("keyword index delete failed", zap.Error(err))
		}
	}
	if len(ch.insertIDs) > 0 {
		if err := r.vectors.Insert(ctx, ch.insertIDs, ch.insertVecs); err != nil {
			r.logger.Error("vector index insert failed", zap.Error(err))
		}
	}
	if len(ch.keywords) > 0 {
		if err := r.keywords.Index(ctx, ch.keywords); err != nil {
			r.logger.Error("keyword index update failed", zap.Error(err))
		}
	}
	for _, h := range ch.removed {
		r.dedup.Remove(h.ContentHash, h.ChunkID)
	}
	for _, h := range ch.added {
		r.dedup.Add(h.ContentHash, h.ChunkID)
	}
}
