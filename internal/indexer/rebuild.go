package indexer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/models"
)

const rebuildBatch = 1024

// RebuildVectorIndex empties the vector index and streams every committed
// embedding back into it. Embeddings whose dimensions do not match the index
// are skipped and counted.
func (p *Pipeline) RebuildVectorIndex(ctx context.Context) (int, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.rebuildVectors(ctx)
}

func (p *Pipeline) rebuildVectors(ctx context.Context) (int, error) {
	p.vectors.Reset()
	dims := p.vectors.Dimensions()
	ids := make([]int64, 0, rebuildBatch)
	vecs := make([][]float32, 0, rebuildBatch)
	total, skipped := 0, 0
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := p.vectors.Insert(ctx, ids, vecs); err != nil {
			return err
		}
		total += len(ids)
		ids, vecs = ids[:0], vecs[:0]
		return nil
	}
	err := p.store.ForEachEmbedding(ctx, func(emb *models.ChunkEmbedding) error {
		if len(emb.Vector) != dims {
			skipped++
			return nil
		}
		ids = append(ids, emb.ChunkID)
		vecs = append(vecs, emb.Vector)
		if len(ids) == rebuildBatch {
			return flush()
		}
		return nil
	})
	if err == nil {
		err = flush()
	}
	if err != nil {
		return total, fmt.Errorf("rebuild vector index: %w", err)
	}
	if skipped > 0 {
		p.logger.Warn("skipped embeddings with mismatched dimensions",
			zap.Int("skipped", skipped), zap.Int("dimensions", dims))
	}
	p.logger.Info("vector index rebuilt", zap.Int("vectors", total))
	return total, nil
}

// missingVectors counts stored embeddings of the index's dimensions that the
// index does not hold. With equal sizes, zero means the id sets match.
func (p *Pipeline) missingVectors(ctx context.Context) (int, error) {
	dims := p.vectors.Dimensions()
	missing := 0
	err := p.store.ForEachEmbeddingID(ctx, func(id int64, n int) error {
		if n == dims && !p.vectors.Contains(id) {
			missing++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("compare vector index: %w", err)
	}
	return missing, nil
}

// RebuildKeywordIndex re-indexes every stored chunk into the keyword index.
func (p *Pipeline) RebuildKeywordIndex(ctx context.Context) (int, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	return p.rebuildKeywords(ctx)
}

func (p *Pipeline) rebuildKeywords(ctx context.Context) (int, error) {
	docs, err := p.store.ListDocuments(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("rebuild keyword index: %w", err)
	}
	total := 0
	var pending []keyword.Document
	for _, d := range docs {
		chunks, err := p.store.ListChunksByDocument(ctx, d.ID)
		if err != nil {
			return total, fmt.Errorf("rebuild keyword index: %w", err)
		}
		for _, c := range chunks {
			pending = append(pending, keyword.Document{
				ChunkID: c.ID,
				Path:    d.Path,
				Header:  c.HeaderContext,
				Content: c.Content,
			})
		}
		if len(pending) >= rebuildBatch {
			if err := p.keywords.Index(ctx, pending); err != nil {
				return total, fmt.Errorf("rebuild keyword index: %w", err)
			}
			total += len(pending)
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		if err := p.keywords.Index(ctx, pending); err != nil {
			return total, fmt.Errorf("rebuild keyword index: %w", err)
		}
		total += len(pending)
	}
	p.logger.Info("keyword index rebuilt", zap.Int("chunks", total))
	return total, nil
}

// ConsistencyReport describes what CheckConsistency found and repaired.
type ConsistencyReport struct {
	Embeddings      int64  `json:"embeddings"`
	Vectors         int    `json:"vectors"`
	Chunks          int64  `json:"chunks"`
	KeywordDocs     uint64 `json:"keyword_docs"`
	MissingVectors  int    `json:"missing_vectors"`
	RebuiltVectors  bool   `json:"rebuilt_vectors"`
	RebuiltKeywords bool   `json:"rebuilt_keywords"`
}

// CheckConsistency compares the derived indexes with the store. The vector
// index is rebuilt unless it holds exactly the stored embedding ids; a saved
// index with the right size but stale ids is rebuilt too. The keyword index is
// refilled when it holds fewer documents than there are chunks. It is meant to
// run at startup after loading a saved vector index.
func (p *Pipeline) CheckConsistency(ctx context.Context) (*ConsistencyReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	rep := &ConsistencyReport{Vectors: p.vectors.Size()}
	var err error
	if rep.Embeddings, err = p.store.CountEmbeddings(ctx); err != nil {
		return nil, err
	}
	if rep.Chunks, err = p.store.CountChunks(ctx); err != nil {
		return nil, err
	}
	if rep.KeywordDocs, err = p.keywords.DocCount(); err != nil {
		return nil, err
	}
	if rep.MissingVectors, err = p.missingVectors(ctx); err != nil {
		return nil, err
	}
	if int64(rep.Vectors) != rep.Embeddings || rep.MissingVectors > 0 {
		p.logger.Warn("vector index out of sync with store",
			zap.Int("vectors", rep.Vectors),
			zap.Int64("embeddings", rep.Embeddings),
			zap.Int("missing", rep.MissingVectors))
		if rep.Vectors, err = p.rebuildVectors(ctx); err != nil {
			return rep, err
		}
		rep.RebuiltVectors = true
	}
	if int64(rep.KeywordDocs) < rep.Chunks {
		p.logger.Warn("keyword index out of sync with store",
			zap.Uint64("keyword_docs", rep.KeywordDocs), zap.Int64("chunks", rep.Chunks))
		if _, err := p.rebuildKeywords(ctx); err != nil {
			return rep, err
		}
		rep.RebuiltKeywords = true
		if rep.KeywordDocs, err = p.keywords.DocCount(); err != nil {
			return rep, err
		}
	}
	return rep, nil
}
