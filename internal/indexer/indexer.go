// Package indexer runs the indexing pipeline: files are read and chunked by a
// pool of readers, embedded in batches by a single embed stage, and committed
// by a single writer that then updates the vector, keyword and dedup indexes.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/chunker"
	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/dedup"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/extract"
	"github.com/hyperjump/shirabe/internal/fileid"
	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/storage"
	"github.com/hyperjump/shirabe/internal/vector"
)

// ErrCancelled is returned when a run stops early because its context was cancelled.
// Batches committed before the cancellation stay committed.
var ErrCancelled = errors.New("indexing cancelled")

// Failure stages recorded in IndexReport.Errors.
const (
	StageRead  = "read"
	StageEmbed = "embed"
	StageWrite = "write"
)

// Progress is reported while a run advances.
type Progress struct {
	RunID string
	// Total is the number of candidate files; Staged and Committed count files
	// that have been read and written respectively.
	Total     int
	Staged    int
	Committed int
	Path      string
}

// ProgressFunc receives progress updates. It may be called from several goroutines
// but never concurrently.
type ProgressFunc func(Progress)

// Pipeline indexes files into the content store and the search indexes.
type Pipeline struct {
	store     storage.Storage
	embedder  embedding.Embedder
	vectors   vector.Index
	keywords  keyword.Index
	dedup     *dedup.Index
	extractor *extract.Extractor
	filter    *Filter

	cfg       config.IndexingConfig
	chunking  chunker.Options
	maxTokens int
	batchSize int

	logger   *zap.Logger
	progress ProgressFunc

	runMu   sync.Mutex
	dedupMu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithProgress sets a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithBatchSize overrides the embedder's batch size.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithDedup shares a dedup index. Without it the pipeline loads one from the store on first use.
func WithDedup(d *dedup.Index) Option {
	return func(p *Pipeline) { p.dedup = d }
}

// WithExtractor replaces the default extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// New creates a pipeline over the given store and indexes.
func New(
	store storage.Storage,
	embedder embedding.Embedder,
	vectors vector.Index,
	keywords keyword.Index,
	cfg *config.Config,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		store:     store,
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		filter:    NewFilter(cfg.Indexing),
		cfg:       cfg.Indexing,
		chunking:  chunker.Options{MaxWords: cfg.Chunking.MaxWords, Overlap: cfg.Chunking.Overlap},
		maxTokens: cfg.Embedding.MaxTokens,
		batchSize: embedding.BatchSize(embedder, cfg.Embedding.BatchSize),
		logger:    zap.NewNop(),
	}
	if p.cfg.Workers <= 0 {
		p.cfg.Workers = 1
	}
	if p.cfg.QueueDepth <= 0 {
		p.cfg.QueueDepth = 1
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.extractor == nil {
		p.extractor = extract.NewExtractor(extract.WithMaxBytes(p.cfg.MaxFileBytes))
	}
	return p
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	force bool
}

// Force re-embeds unchanged documents and bypasses embedding dedup.
func Force() RunOption {
	return func(o *runOptions) { o.force = true }
}

// Dedup returns the dedup index, loading it from the store when needed.
func (p *Pipeline) Dedup(ctx context.Context) (*dedup.Index, error) {
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()
	if p.dedup != nil {
		return p.dedup, nil
	}
	n, err := p.store.CountEmbeddings(ctx)
	if err != nil {
		return nil, fmt.Errorf("count embeddings: %w", err)
	}
	d, err := dedup.Load(ctx, p.store, uint(n))
	if err != nil {
		return nil, fmt.Errorf("load dedup index: %w", err)
	}
	p.dedup = d
	return d, nil
}

// Index brings everything under root up to date: new and changed files are
// (re)indexed, unchanged files are skipped, and stored documents under root that
// are no longer among the indexed files are deleted.
func (p *Pipeline) Index(ctx context.Context, root string, opts ...RunOption) (*models.IndexReport, error) {
	root, err := fileid.Canonical(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}
	files, err := p.filter.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	stale := func(ctx context.Context, seen map[string]bool) ([]*models.Document, error) {
		docs, err := p.store.ListDocuments(ctx, root)
		if err != nil {
			return nil, err
		}
		var out []*models.Document
		for _, d := range docs {
			if !seen[d.Path] {
				out = append(out, d)
			}
		}
		return out, nil
	}
	return p.execute(ctx, files, stale, opts)
}

// IndexPaths indexes exactly the given paths. Existing files are indexed when
// the filter admits their absolute path, directories are walked, and paths that
// no longer exist are deleted from the store along with anything stored beneath them.
func (p *Pipeline) IndexPaths(ctx context.Context, paths []string, opts ...RunOption) (*models.IndexReport, error) {
	var files, missing []string
	seen := make(map[string]bool)
	for _, raw := range paths {
		path, err := fileid.Canonical(raw)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, path)
			continue
		case err != nil:
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		var found []string
		if info.IsDir() {
			if found, err = p.filter.Walk(path); err != nil {
				return nil, fmt.Errorf("walk %s: %w", path, err)
			}
		} else if info.Mode().IsRegular() && p.filter.Match(strings.TrimPrefix(filepath.ToSlash(path), "/")) {
			found = []string{path}
		}
		for _, f := range found {
			if !seen[f] {
				seen[f] = true
				files = append(files, f)
			}
		}
	}
	stale := func(ctx context.Context, _ map[string]bool) ([]*models.Document, error) {
		var out []*models.Document
		for _, m := range missing {
			docs, err := p.store.ListDocuments(ctx, m)
			if err != nil {
				return nil, err
			}
			out = append(out, docs...)
		}
		return out, nil
	}
	return p.execute(ctx, files, stale, opts)
}

// DeleteDocument removes the document stored at path, if any, from the store and every index.
func (p *Pipeline) DeleteDocument(ctx context.Context, path string) error {
	path, err := fileid.Canonical(path)
	if err != nil {
		return err
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()
	doc, err := p.store.GetDocumentByPath(ctx, path)
	if err != nil {
		return err
	}
	d, err := p.Dedup(ctx)
	if err != nil {
		return err
	}
	r := &run{Pipeline: p, dedup: d, report: &models.IndexReport{}}
	r.commit(ctx, &batch{deletes: []*models.Document{doc}})
	if len(r.report.Errors) > 0 {
		return fmt.Errorf("delete %s: %s", path, r.report.Errors[0].Message)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, files []string, stale staleFunc, opts []RunOption) (*models.IndexReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	var ro runOptions
	for _, o := range opts {
		o(&ro)
	}
	if err := ctx.Err(); err != nil {
		return &models.IndexReport{RunID: uuid.NewString(), Cancelled: true}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	d, err := p.Dedup(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	r := &run{
		Pipeline: p,
		dedup:    d,
		opts:     ro,
		report:   &models.IndexReport{RunID: uuid.NewString()},
		total:    len(files),
	}
	p.logger.Info("indexing started",
		zap.String("run_id", r.report.RunID),
		zap.Int("files", len(files)),
		zap.Bool("force", ro.force))

	runErr := r.pipeline(ctx, files, stale)

	r.report.Duration = time.Since(start)
	fields := []zap.Field{
		zap.String("run_id", r.report.RunID),
		zap.Int("indexed", r.report.Indexed),
		zap.Int("skipped", r.report.Skipped),
		zap.Int("failed", r.report.Failed),
		zap.Int("deleted", r.report.Deleted),
		zap.Int("chunks_written", r.report.ChunksWritten),
		zap.Int("chunks_reused", r.report.ChunksReused),
		zap.Int("embeddings_deduped", r.report.EmbeddingsDeduped),
		zap.Duration("took", r.report.Duration),
	}
	if err := ctx.Err(); err != nil {
		r.report.Cancelled = true
		p.logger.Warn("indexing cancelled", fields...)
		return r.report, fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if runErr != nil {
		p.logger.Error("indexing aborted", append(fields, zap.Error(runErr))...)
		return r.report, runErr
	}
	p.logger.Info("indexing finished", fields...)
	return r.report, nil
}
