package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/shirabe/internal/dedup"
	"github.com/hyperjump/shirabe/internal/incremental"
	"github.com/hyperjump/shirabe/internal/models"
)

// staleFunc lists stored documents to delete at the end of a run, given the set
// of candidate paths the run saw.
type staleFunc func(ctx context.Context, seen map[string]bool) ([]*models.Document, error)

// stagedFile is a file after reading and diffing against the store.
type stagedFile struct {
	path     string
	size     int64
	modTime  time.Time
	decision *incremental.Decision
	err      error
	// vectors holds the embedding of each chunk in decision.ToEmbed(), in order.
	vectors [][]float32
}

// batch is the unit of embedding and commit. Files are never split across batches.
type batch struct {
	files   []*stagedFile
	deletes []*models.Document
	// embedErr is set when the embed stage gave up on the batch.
	embedErr error
	deduped  int
}

// run holds the state of one pipeline execution.
type run struct {
	*Pipeline
	dedup *dedup.Index
	opts  runOptions

	mu        sync.Mutex
	report    *models.IndexReport
	total     int
	staged    int
	committed int
}

func (r *run) update(fn func(rep *models.IndexReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.report)
}

// notify reports progress after adding staged and committed files.
func (r *run) notify(staged, committed int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged += staged
	r.committed += committed
	if r.progress != nil {
		r.progress(Progress{
			RunID:     r.report.RunID,
			Total:     r.total,
			Staged:    r.staged,
			Committed: r.committed,
			Path:      path,
		})
	}
}

// pipeline wires the stages:
//
//	dispatch -> readers (N) -> stage (ordered) -> embed (1) -> write (1)
//
// Readers finish out of order; each file gets a one-slot future so the stager
// sees files in walk order. Every channel is bounded, so readers stall when the
// embed stage falls behind. Per-file failures land in the report; the returned
// error is the first stage failure that aborted work, such as cancellation.
func (r *run) pipeline(ctx context.Context, files []string, stale staleFunc) error {
	depth := r.cfg.QueueDepth
	type job struct {
		path string
		out  chan<- *stagedFile
	}
	jobs := make(chan job)
	futures := make(chan chan *stagedFile, r.cfg.Workers*depth)
	toEmbed := make(chan *batch, depth)
	toWrite := make(chan *batch, depth)
	updater := incremental.New(r.store, r.chunking, incremental.WithForce(r.opts.force))

	var g errgroup.Group
	g.Go(func() error {
		defer close(jobs)
		defer close(futures)
		for _, path := range files {
			fut := make(chan *stagedFile, 1)
			select {
			case futures <- fut:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- job{path: path, out: fut}:
			case <-ctx.Done():
				fut <- &stagedFile{path: path, err: ctx.Err()}
				return ctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			for j := range jobs {
				j.out <- r.read(ctx, updater, j.path)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(toEmbed)
		return r.stage(ctx, futures, toEmbed, stale)
	})
	g.Go(func() error {
		defer close(toWrite)
		for b := range toEmbed {
			if ctx.Err() != nil {
				continue
			}
			r.embed(ctx, b)
			if ctx.Err() != nil && b.embedErr != nil {
				continue
			}
			toWrite <- b
		}
		return nil
	})
	g.Go(func() error {
		for b := range toWrite {
			if ctx.Err() != nil {
				continue
			}
			r.commit(ctx, b)
		}
		return ctx.Err()
	})
	return g.Wait()
}

// read extracts one file and decides how it must be indexed.
func (r *run) read(ctx context.Context, updater *incremental.Updater, path string) *stagedFile {
	f := &stagedFile{path: path}
	if err := ctx.Err(); err != nil {
		f.err = err
		return f
	}
	info, err := os.Stat(path)
	if err != nil {
		f.err = err
		return f
	}
	f.size, f.modTime = info.Size(), info.ModTime()
	text, err := r.extractor.Extract(path)
	if err != nil {
		f.err = err
		return f
	}
	f.decision, f.err = updater.NeedsReindex(ctx, path, Preprocess(text))
	return f
}

// stage consumes read results in walk order and cuts batches at file boundaries
// once the pending chunk count reaches the batch size. After the last file it
// emits one batch with the stale documents to delete.
func (r *run) stage(ctx context.Context, futures <-chan chan *stagedFile, out chan<- *batch, stale staleFunc) error {
	seen := make(map[string]bool, r.total)
	cur := &batch{}
	pending := 0
	send := func(b *batch) bool {
		select {
		case out <- b:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for fut := range futures {
		f := <-fut
		seen[f.path] = true
		if ctx.Err() != nil {
			continue
		}
		r.notify(1, 0, f.path)
		switch {
		case f.err != nil:
			if errors.Is(f.err, context.Canceled) || errors.Is(f.err, context.DeadlineExceeded) {
				continue
			}
			r.logger.Debug("skipping unreadable file", zap.String("path", f.path), zap.Error(f.err))
			r.update(func(rep *models.IndexReport) { rep.AddError(f.path, StageRead, f.err) })
			continue
		case f.decision.Kind == incremental.Skip:
			r.update(func(rep *models.IndexReport) { rep.Skipped++ })
			r.notify(0, 1, f.path)
			continue
		}
		cur.files = append(cur.files, f)
		pending += len(f.decision.ToEmbed())
		if pending >= r.batchSize {
			if !send(cur) {
				continue
			}
			cur, pending = &batch{}, 0
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(cur.files) > 0 && !send(cur) {
		return ctx.Err()
	}
	docs, err := stale(ctx, seen)
	if err != nil {
		return fmt.Errorf("list stale documents: %w", err)
	}
	if len(docs) > 0 && !send(&batch{deletes: docs}) {
		return ctx.Err()
	}
	return nil
}
