package search

import (
	"math"
	"testing"

	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/vector"
)

func TestFuse_ReciprocalRank(t *testing.T) {
	sem := []vector.Result{{ChunkID: 1, Score: 0.9}, {ChunkID: 2, Score: 0.8}}
	kw := []keyword.Result{{ChunkID: 2, Score: 12}, {ChunkID: 3, Score: 3}}
	got := Fuse(sem, kw, 60)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}

	want := map[int64]float64{
		1: 1.0 / 61,
		2: 1.0/62 + 1.0/61,
		3: 1.0 / 62,
	}
	for _, c := range got {
		if math.Abs(c.Score-want[c.ChunkID]) > 1e-12 {
			t.Errorf("chunk %d score = %v, want %v", c.ChunkID, c.Score, want[c.ChunkID])
		}
	}
	if got[0].ChunkID != 2 || got[0].SemanticRank != 2 || got[0].KeywordRank != 1 {
		t.Errorf("top candidate = %+v, want chunk 2 with ranks 2/1", got[0])
	}
}

func TestFuse_Monotonic(t *testing.T) {
	// Rank 1 in both lists must beat rank 1 in only one of them.
	sem := []vector.Result{{ChunkID: 5}, {ChunkID: 7}}
	kw := []keyword.Result{{ChunkID: 5}, {ChunkID: 9}}
	got := Fuse(sem, kw, 60)
	if got[0].ChunkID != 5 {
		t.Fatalf("top = %d, want 5", got[0].ChunkID)
	}
	for _, c := range got[1:] {
		if c.Score >= got[0].Score {
			t.Errorf("chunk %d score %v >= top score %v", c.ChunkID, c.Score, got[0].Score)
		}
	}
}

func TestFuse_TiesByChunkID(t *testing.T) {
	sem := []vector.Result{{ChunkID: 8}}
	kw := []keyword.Result{{ChunkID: 4}}
	got := Fuse(sem, kw, 60)
	if got[0].ChunkID != 4 || got[1].ChunkID != 8 {
		t.Errorf("order = [%d %d], want [4 8]", got[0].ChunkID, got[1].ChunkID)
	}
}

func TestFuse_DuplicateInListCountsOnce(t *testing.T) {
	kw := []keyword.Result{{ChunkID: 1}, {ChunkID: 1}}
	got := Fuse(nil, kw, 10)
	if len(got) != 1 || math.Abs(got[0].Score-1.0/11) > 1e-12 {
		t.Errorf("got %+v, want one candidate scored 1/11", got)
	}
}

func TestFuse_Empty(t *testing.T) {
	if got := Fuse(nil, nil, 60); len(got) != 0 {
		t.Errorf("expected no candidates, got %d", len(got))
	}
}
