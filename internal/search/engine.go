// Package search answers hybrid queries: semantic and keyword candidates are
// fused by reciprocal rank, boosted when the query names the file, and
// hydrated from the content store.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/ranking"
	"github.com/hyperjump/shirabe/internal/storage"
	"github.com/hyperjump/shirabe/internal/vector"
)

var (
	// ErrInvalidLimit is returned for a non-positive result limit.
	ErrInvalidLimit = models.ErrInvalidLimit
	// ErrUnknownModel is returned when a query names a model other than the active one.
	ErrUnknownModel = errors.New("unknown embedding model")
)

type cacheKey struct {
	query string
	limit int
	gen   uint64
}

// Engine runs hybrid search. It is safe for concurrent use.
type Engine struct {
	store    storage.Storage
	embedder embedding.Embedder
	vectors  vector.Index
	keywords keyword.Index
	cfg      config.SearchConfig
	logger   *zap.Logger
	cache    *lru.Cache[cacheKey, *models.SearchResponse]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates a search engine. A QueryCacheSize of zero or less disables
// the result cache.
func NewEngine(
	store storage.Storage,
	embedder embedding.Embedder,
	vectors vector.Index,
	keywords keyword.Index,
	cfg config.SearchConfig,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:    store,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if cfg.QueryCacheSize > 0 {
		if c, err := lru.New[cacheKey, *models.SearchResponse](cfg.QueryCacheSize); err == nil {
			e.cache = c
		}
	}
	return e
}

// Purge drops every cached response. Cached entries already expire when the
// vector index generation moves; callers purge after changes that leave the
// generation alone, such as keyword-only repairs.
func (e *Engine) Purge() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

// Search runs a hybrid query. An empty query returns no results. When one
// retrieval path fails the other one answers and the response is marked
// degraded; only when both fail is an error returned.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if err := q.Validate(e.cfg.MaxLimit); err != nil {
		return nil, err
	}
	if q.Model != "" && q.Model != e.embedder.Model() {
		return nil, fmt.Errorf("%w: %q (active model is %q)", ErrUnknownModel, q.Model, e.embedder.Model())
	}
	if q.Empty() {
		return &models.SearchResponse{Query: q.Query, Results: []*models.SearchResult{}}, nil
	}

	key := cacheKey{query: q.Query, limit: q.Limit, gen: e.vectors.Generation()}
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			resp := *cached
			resp.Results = append([]*models.SearchResult(nil), cached.Results...)
			resp.QueryTime = time.Since(start).Milliseconds()
			return &resp, nil
		}
	}

	n := max(e.cfg.Candidates, q.Limit)
	var (
		semantic      []vector.Result
		kw            []keyword.Result
		semErr, kwErr error
	)
	// Each path fails independently, so neither cancels the other.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		semantic, semErr = e.semanticSearch(ctx, q.Query, n)
	}()
	go func() {
		defer wg.Done()
		kw, kwErr = e.keywords.Search(ctx, q.Query, n)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	degraded := false
	switch {
	case semErr != nil && kwErr != nil:
		return nil, fmt.Errorf("search: %w", errors.Join(semErr, kwErr))
	case semErr != nil:
		e.logger.Warn("semantic search unavailable, using keyword results only", zap.Error(semErr))
		degraded = true
	case kwErr != nil:
		e.logger.Warn("keyword search unavailable, using semantic results only", zap.Error(kwErr))
		degraded = true
	}

	results, err := e.rank(ctx, q, Fuse(semantic, kw, e.cfg.RRFConstant))
	if err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{
		Query:     q.Query,
		Results:   results,
		Degraded:  degraded,
		QueryTime: time.Since(start).Milliseconds(),
	}
	if e.cache != nil && !degraded {
		e.cache.Add(key, resp)
	}
	e.logger.Debug("search",
		zap.String("query", q.Query),
		zap.Int("semantic", len(semantic)),
		zap.Int("keyword", len(kw)),
		zap.Int("results", len(results)),
		zap.Bool("degraded", degraded),
		zap.Duration("took", time.Since(start)))
	return resp, nil
}

func (e *Engine) semanticSearch(ctx context.Context, text string, n int) ([]vector.Result, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	res, err := e.vectors.Query(ctx, vec, n)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	return res, nil
}

// rank hydrates the fused candidates, applies the filename boost, reorders and
// keeps the top q.Limit. Candidates whose chunk no longer exists are dropped.
func (e *Engine) rank(ctx context.Context, q *models.SearchQuery, cands []*Candidate) ([]*models.SearchResult, error) {
	if len(cands) == 0 {
		return []*models.SearchResult{}, nil
	}
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	records, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	analyzed := ranking.Analyze(q.Query)
	boosts := make(map[string]float64)
	kept := cands[:0]
	for _, c := range cands {
		rec, ok := records[c.ChunkID]
		if !ok {
			continue
		}
		b, ok := boosts[rec.DocumentPath]
		if !ok {
			b = ranking.Boost(ranking.MatchPath(analyzed, rec.DocumentPath).Ratio, e.cfg.FilenameBoost)
			boosts[rec.DocumentPath] = b
		}
		c.Score *= b
		kept = append(kept, c)
	}
	sortCandidates(kept)
	if len(kept) > q.Limit {
		kept = kept[:q.Limit]
	}

	terms := analyzed.Tokens()
	out := make([]*models.SearchResult, len(kept))
	for i, c := range kept {
		rec := records[c.ChunkID]
		out[i] = &models.SearchResult{
			ChunkID:       c.ChunkID,
			DocumentPath:  rec.DocumentPath,
			HeaderContext: rec.HeaderContext,
			Score:         c.Score,
			Snippet:       Highlight(rec.Content, terms, e.cfg.SnippetLength),
			SemanticRank:  c.SemanticRank,
			KeywordRank:   c.KeywordRank,
			Boost:         boosts[rec.DocumentPath],
		}
	}
	return out, nil
}
