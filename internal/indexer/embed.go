package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/storage"
)

// embed fills in vectors for every chunk the batch must embed. Content whose
// hash already carries a committed embedding reuses that vector unless the run
// is forced; identical content within the batch is embedded once.
func (r *run) embed(ctx context.Context, b *batch) {
	type slot struct {
		file *stagedFile
		i    int
	}
	var texts []string
	var hashes []models.Hash
	targets := make(map[models.Hash][]slot)
	for _, f := range b.files {
		todo := f.decision.ToEmbed()
		f.vectors = make([][]float32, len(todo))
		for i, c := range todo {
			if !r.opts.force {
				if vec, ok := r.lookupDedup(ctx, c.Hash); ok {
					f.vectors[i] = vec
					b.deduped++
					continue
				}
			}
			if _, ok := targets[c.Hash]; !ok {
				texts = append(texts, c.Content)
				hashes = append(hashes, c.Hash)
			}
			targets[c.Hash] = append(targets[c.Hash], slot{f, i})
		}
	}
	if len(texts) == 0 {
		return
	}
	vecs, err := r.embedTexts(ctx, texts)
	if err != nil {
		b.embedErr = err
		return
	}
	for i, h := range hashes {
		for _, s := range targets[h] {
			s.file.vectors[s.i] = vecs[i]
		}
	}
}

// lookupDedup returns the committed vector for content hash h, if any.
func (r *run) lookupDedup(ctx context.Context, h models.Hash) ([]float32, bool) {
	id, ok := r.dedup.Lookup(h)
	if !ok {
		return nil, false
	}
	emb, err := r.store.GetEmbedding(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("dedup embedding lookup failed", zap.Int64("chunk_id", id), zap.Error(err))
		}
		return nil, false
	}
	if len(emb.Vector) != r.embedder.Dimensions() || emb.Model != r.embedder.Model() {
		return nil, false
	}
	return emb.Vector, true
}

// embedTexts embeds texts in calls of at most batchSize. A failed call is retried
// once with half the batch size before the whole batch is given up.
func (r *run) embedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	size, retried := r.batchSize, false
	for start := 0; start < len(texts); {
		end := min(start+size, len(texts))
		vecs, err := r.embedder.EmbedBatch(ctx, texts[start:end], r.maxTokens)
		if err == nil && len(vecs) != end-start {
			err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		if err != nil {
			if ctx.Err() != nil || retried {
				return nil, fmt.Errorf("embed batch: %w", err)
			}
			size, retried = max(size/2, 1), true
			r.logger.Warn("embedding failed, retrying with a smaller batch",
				zap.Int("texts", end-start), zap.Int("batch_size", size), zap.Error(err))
			continue
		}
		out = append(out, vecs...)
		start = end
	}
	return out, nil
}
