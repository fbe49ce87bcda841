// Package scheduler runs budgeted vector index maintenance in the background
// and saves the index after it changes.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Scheduler calls Optimize on a timer once the process has been idle long enough.
// Search and indexing call Touch to mark activity.
type Scheduler struct {
	index  vector.Index
	path   string
	cfg    config.OptimizerConfig
	logger *zap.Logger
	now    func() time.Time

	lastActivity atomic.Int64

	mu       sync.Mutex
	savedGen uint64
}

// New creates a scheduler for index, saving it to path. An empty path disables saving.
func New(index vector.Index, path string, cfg config.OptimizerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		index:    index,
		path:     path,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		savedGen: index.Generation(),
	}
	s.Touch()
	return s
}

// Touch records activity and postpones the next idle run.
func (s *Scheduler) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// Idle reports whether nothing touched the scheduler for cfg.IdleAfter.
func (s *Scheduler) Idle() bool {
	last := time.Unix(0, s.lastActivity.Load())
	return s.now().Sub(last) >= s.cfg.IdleAfter
}

// RunOnce optimizes the index within cfg.MaxIterations and saves it when its
// generation moved since the last save.
func (s *Scheduler) RunOnce(ctx context.Context) (*vector.OptimizeReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	rep, err := s.index.Optimize(ctx, s.cfg.MaxIterations)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("index optimized",
		zap.Int("iterations", rep.Iterations),
		zap.Int("moved", rep.Moved),
		zap.Int("splits", rep.Splits),
		zap.Int("merges", rep.Merges),
		zap.Int("compacted", rep.Compacted),
		zap.Bool("trained_pq", rep.TrainedPQ),
		zap.Bool("graph_scheduled", rep.GraphScheduled),
		zap.Bool("graph_dropped", rep.GraphDropped),
		zap.Duration("took", s.now().Sub(start)))
	if rep.GraphScheduled {
		s.index.Wait()
	}
	return rep, s.saveLocked()
}

// Save writes the index when it changed since the last save.
func (s *Scheduler) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Scheduler) saveLocked() error {
	if s.path == "" {
		return nil
	}
	gen := s.index.Generation()
	if gen == s.savedGen {
		return nil
	}
	if err := s.index.Save(s.path); err != nil {
		return err
	}
	s.savedGen = gen
	s.logger.Debug("index saved", zap.String("path", s.path), zap.Uint64("generation", gen))
	return nil
}

// Run ticks every cfg.Interval until ctx is done. A non-positive interval
// returns immediately.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.Idle() {
				continue
			}
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("background optimize failed", zap.Error(err))
			}
		}
	}
}
