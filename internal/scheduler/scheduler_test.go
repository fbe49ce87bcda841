package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/shirabe/internal/config"
	"github.com/hyperjump/shirabe/internal/vector"
)

func newIndex(t *testing.T) *vector.FlatIndex {
	t.Helper()
	idx, err := vector.NewFlatIndex(4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestScheduler_Idle(t *testing.T) {
	clock := time.Unix(1000, 0)
	s := New(newIndex(t), "", config.OptimizerConfig{IdleAfter: time.Minute}, nil)
	s.now = func() time.Time { return clock }
	s.Touch()

	if s.Idle() {
		t.Fatal("idle right after Touch")
	}
	clock = clock.Add(59 * time.Second)
	if s.Idle() {
		t.Fatal("idle before IdleAfter elapsed")
	}
	clock = clock.Add(time.Second)
	if !s.Idle() {
		t.Fatal("not idle after IdleAfter elapsed")
	}
	s.Touch()
	if s.Idle() {
		t.Fatal("Touch did not reset idleness")
	}
}

func TestScheduler_RunOnceSavesOnlyAfterChanges(t *testing.T) {
	ctx := context.Background()
	idx := newIndex(t)
	path := filepath.Join(t.TempDir(), "vectors.idx")
	s := New(idx, path, config.OptimizerConfig{MaxIterations: 2}, nil)

	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("unchanged index was saved (stat err = %v)", err)
	}

	if err := idx.Insert(ctx, []int64{1}, [][]float32{{1, 0, 0, 0}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("changed index not saved: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("index saved twice for generation (first save was %d bytes)", info.Size())
	}
}

func TestScheduler_RunStopsWithContext(t *testing.T) {
	s := New(newIndex(t), "", config.OptimizerConfig{Interval: time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_RunWithoutInterval(t *testing.T) {
	s := New(newIndex(t), "", config.OptimizerConfig{}, nil)
	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return immediately")
	}
}
