// Package app wires the store, the embedder, the vector and keyword indexes,
// the pipeline and the query engine into one service shared by the CLI, the
// HTTP server, the MCP server and the watcher.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/embedding"
	"github.com/hyperjump/shirabe/internal/indexer"
	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/scheduler"
	"github.com/hyperjump/shirabe/internal/search"
	"github.com/hyperjump/shirabe/internal/storage"
	"github.com/hyperjump/shirabe/internal/vector"
)

// App owns every long-lived component. Close releases them and saves the vector index.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     storage.Storage
	Embedder  embedding.Embedder
	Vectors   vector.Index
	Keywords  keyword.Index
	Engine    *search.Engine
	Pipeline  *indexer.Pipeline
	Scheduler *scheduler.Scheduler
}

// Open builds the components described by cfg. A vector index file that
// cannot be loaded is discarded and rebuilt from the store.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...indexer.Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = a.closeAll()
		}
	}()

	var err error
	if a.Store, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.Embedder, err = embedding.New(cfg.Embedding, logger); err != nil {
		return nil, fmt.Errorf("open embedder: %w", err)
	}
	if a.Vectors, err = vector.New(cfg.Vector, a.Embedder.Dimensions(), logger); err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	if err := a.Vectors.Load(cfg.Storage.VectorIndexPath); err != nil {
		logger.Warn("vector index not loaded, rebuilding from store",
			zap.String("path", cfg.Storage.VectorIndexPath), zap.Error(err))
		a.Vectors.Reset()
	}
	if a.Keywords, err = keyword.New(cfg.Keyword, cfg.Storage); err != nil {
		return nil, fmt.Errorf("open keyword index: %w", err)
	}

	a.Pipeline = indexer.New(a.Store, a.Embedder, a.Vectors, a.Keywords, cfg,
		append([]indexer.Option{indexer.WithLogger(logger)}, opts...)...)
	a.Engine = search.NewEngine(a.Store, a.Embedder, a.Vectors, a.Keywords, cfg.Search, search.WithLogger(logger))
	a.Scheduler = scheduler.New(a.Vectors, cfg.Storage.VectorIndexPath, cfg.Optimizer, logger)

	rep, err := a.Pipeline.CheckConsistency(ctx)
	if err != nil {
		return nil, fmt.Errorf("check index consistency: %w", err)
	}
	logger.Info("indexes ready",
		zap.Int64("chunks", rep.Chunks),
		zap.Int("vectors", rep.Vectors),
		zap.Uint64("keyword_docs", rep.KeywordDocs),
		zap.Bool("rebuilt_vectors", rep.RebuiltVectors),
		zap.Bool("rebuilt_keywords", rep.RebuiltKeywords))
	ok = true
	return a, nil
}

// Search runs a hybrid query.
func (a *App) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	a.Scheduler.Touch()
	return a.Engine.Search(ctx, q)
}

// Index indexes every matching file under root and deletes documents under
// root that no longer exist.
func (a *App) Index(ctx context.Context, root string, force bool) (*models.IndexReport, error) {
	a.Scheduler.Touch()
	defer a.Scheduler.Touch()
	rep, err := a.Pipeline.Index(ctx, root, runOptions(force)...)
	a.Engine.Purge()
	return rep, err
}

// IndexPaths reindexes the given files; paths that no longer exist are removed.
func (a *App) IndexPaths(ctx context.Context, paths []string) (*models.IndexReport, error) {
	a.Scheduler.Touch()
	defer a.Scheduler.Touch()
	rep, err := a.Pipeline.IndexPaths(ctx, paths)
	a.Engine.Purge()
	return rep, err
}

// DeleteDocument removes one document and its chunks from the store and indexes.
func (a *App) DeleteDocument(ctx context.Context, path string) error {
	a.Scheduler.Touch()
	err := a.Pipeline.DeleteDocument(ctx, path)
	a.Engine.Purge()
	return err
}

// Optimize runs one budgeted maintenance pass and saves the vector index.
func (a *App) Optimize(ctx context.Context) (*vector.OptimizeReport, error) {
	return a.Scheduler.RunOnce(ctx)
}

// Run starts background maintenance and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	a.Scheduler.Run(ctx)
}

func runOptions(force bool) []indexer.RunOption {
	if force {
		return []indexer.RunOption{indexer.Force()}
	}
	return nil
}

// Close waits for background index work, saves the vector index and closes
// every component.
func (a *App) Close() error {
	var errs []error
	if a.Vectors != nil && a.Scheduler != nil {
		a.Vectors.Wait()
		if err := a.Scheduler.Save(); err != nil {
			errs = append(errs, fmt.Errorf("save vector index: %w", err))
		}
	}
	errs = append(errs, a.closeAll())
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	if a.Keywords != nil {
		errs = append(errs, a.Keywords.Close())
	}
	if a.Vectors != nil {
		errs = append(errs, a.Vectors.Close())
	}
	if a.Embedder != nil {
		errs = append(errs, a.Embedder.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
