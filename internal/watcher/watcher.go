// Package watcher watches directory trees with fsnotify and hands changed
// paths to a handler in debounced batches.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/indexer"
)

const (
	defaultDebounce = 400 * time.Millisecond
	defaultMaxBatch = 256
)

// Handler receives a batch of paths that were created, modified or removed.
// Calls never overlap.
type Handler func(ctx context.Context, paths []string)

// Watcher collects file changes under its roots and flushes them to the
// handler once no new change arrived for the debounce period.
type Watcher struct {
	roots     []string
	recursive bool
	filter    *indexer.Filter
	handle    Handler
	debounce  time.Duration
	maxBatch  int
	logger    *zap.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	rootPaths map[string][]string // root -> directories added for it
	pending   map[string]struct{}
	timer     *time.Timer
	ctx       context.Context
	started   bool
	done      chan struct{}
	stopOnce  sync.Once

	flushMu sync.Mutex
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets the quiet period before a batch is flushed.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithFilter limits events to files the filter admits, relative to their root.
func WithFilter(f *indexer.Filter) Option {
	return func(w *Watcher) { w.filter = f }
}

// WithMaxBatch flushes early once n paths are pending.
func WithMaxBatch(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.maxBatch = n
		}
	}
}

// New creates a watcher over roots. Missing roots are created on Start.
func New(roots []string, recursive bool, handle Handler, opts ...Option) *Watcher {
	w := &Watcher{
		recursive: recursive,
		handle:    handle,
		debounce:  defaultDebounce,
		maxBatch:  defaultMaxBatch,
		logger:    zap.NewNop(),
		rootPaths: make(map[string][]string),
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	for _, r := range roots {
		w.roots = append(w.roots, filepath.Clean(r))
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. It runs until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = fw
	w.ctx = ctx
	w.started = true
	w.logger.Debug("watcher starting",
		zap.Strings("roots", w.roots),
		zap.Bool("recursive", w.recursive),
		zap.Duration("debounce", w.debounce))
	for _, root := range w.roots {
		if err := w.addRootLocked(root); err != nil {
			_ = fw.Close()
			w.watcher = nil
			w.started = false
			w.mu.Unlock()
			return err
		}
	}
	events, errs := fw.Events, fw.Errors
	w.mu.Unlock()
	go w.run(ctx, events, errs)
	return nil
}

func (w *Watcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	root, rel, ok := w.locate(path)
	if !ok {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))

	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			if w.filter == nil || !w.filter.SkipDir(rel) {
				w.handleNewDirectory(root, path)
			}
			return
		}
		if w.admits(rel) {
			w.enqueue(path)
		}
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		// A removed directory has no extension to match, so removals are
		// only checked against the directory excludes.
		if w.filter == nil || !w.filter.SkipDir(rel) {
			w.enqueue(path)
		}
	}
}

// handleNewDirectory watches a directory that appeared under root and queues
// the files already inside it.
func (w *Watcher) handleNewDirectory(root, dir string) {
	w.mu.Lock()
	fw := w.watcher
	recursive := w.recursive
	w.mu.Unlock()
	if fw == nil {
		return
	}
	if !recursive {
		return
	}
	var added []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if w.filter != nil {
			if rel, err := filepath.Rel(root, path); err == nil && w.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
		}
		if err := fw.Add(path); err != nil {
			w.logger.Debug("watcher failed to add directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		added = append(added, path)
		return nil
	})
	w.mu.Lock()
	w.rootPaths[root] = append(w.rootPaths[root], added...)
	w.mu.Unlock()
	w.syncDirectory(root, dir)
}

// locate returns the watched root containing path and path relative to it.
func (w *Watcher) locate(path string) (root, rel string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, r := range w.roots {
		if r == path || inDir(r, path) {
			rel, err := filepath.Rel(r, path)
			if err != nil {
				continue
			}
			return r, rel, true
		}
	}
	return "", "", false
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) admits(rel string) bool {
	return w.filter == nil || w.filter.Match(rel)
}

func (w *Watcher) enqueue(path string) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.pending[path] = struct{}{}
	full := len(w.pending) >= w.maxBatch
	if w.timer != nil {
		w.timer.Stop()
	}
	if full {
		w.timer = nil
	} else {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	}
	w.mu.Unlock()
	if full {
		go w.flush()
	}
}

// flush hands every pending path to the handler in sorted order.
func (w *Watcher) flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.pending) == 0 || !w.started {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]struct{})
	ctx := w.ctx
	w.mu.Unlock()

	sort.Strings(paths)
	w.logger.Debug("watcher flushing batch", zap.Int("paths", len(paths)))
	if w.handle != nil {
		w.handle(ctx, paths)
	}
}

// AddDirectory starts watching root. When syncExisting is set the files
// already under root are queued.
func (w *Watcher) AddDirectory(root string, syncExisting bool) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	if w.watcher == nil {
		w.mu.Unlock()
		return nil
	}
	for _, r := range w.roots {
		if r == abs {
			w.mu.Unlock()
			return nil
		}
	}
	if err := w.addRootLocked(abs); err != nil {
		w.mu.Unlock()
		return err
	}
	w.roots = append(w.roots, abs)
	w.mu.Unlock()
	w.logger.Debug("watcher directory added", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if syncExisting {
		w.syncDirectory(abs, abs)
	}
	return nil
}

func (w *Watcher) addRootLocked(root string) error {
	if _, err := os.Stat(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(root, 0755); err != nil {
			return err
		}
	}
	if !w.recursive {
		if err := w.watcher.Add(root); err != nil {
			return err
		}
		w.rootPaths[root] = []string{root}
		return nil
	}
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.filter != nil {
			if rel, err := filepath.Rel(root, path); err == nil && w.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}
	w.rootPaths[root] = paths
	return nil
}

// syncDirectory queues the admitted files under dir, which lies inside root.
func (w *Watcher) syncDirectory(root, dir string) {
	w.logger.Debug("watcher syncing directory", zap.String("dir", dir))
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && !w.recursive {
				return filepath.SkipDir
			}
			if w.filter != nil && w.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && w.admits(rel) {
			w.enqueue(path)
		}
		return nil
	})
}

// RemoveDirectory stops watching root. Indexed documents are left alone.
func (w *Watcher) RemoveDirectory(root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	idx := -1
	for i, r := range w.roots {
		if r == abs {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	for _, p := range w.rootPaths[abs] {
		_ = w.watcher.Remove(p)
	}
	delete(w.rootPaths, abs)
	w.roots = append(w.roots[:idx], w.roots[idx+1:]...)
	w.logger.Debug("watcher directory removed", zap.String("path", abs))
	return nil
}

// Directories returns a copy of the watched roots.
func (w *Watcher) Directories() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.roots...)
}

// SyncExistingFiles queues every admitted file under every root and flushes
// the batch right away.
func (w *Watcher) SyncExistingFiles() {
	for _, root := range w.Directories() {
		w.syncDirectory(root, root)
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	w.flush()
}

// Stop stops watching and drops pending paths.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]struct{})
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
