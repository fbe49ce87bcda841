package keyword

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/hyperjump/shirabe/internal/config"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Index
}

func backends() []backend {
	return []backend{
		{"bleve", func(t *testing.T, dir string) Index {
			idx, err := NewBleveIndex(filepath.Join(dir, "keyword.bleve"), SearchOptions{TitleBoost: 2, PhraseBoost: 1.5})
			if err != nil {
				t.Fatalf("NewBleveIndex: %v", err)
			}
			return idx
		}},
		{"bleve-plain", func(t *testing.T, dir string) Index {
			idx, err := NewBleveIndex("", SearchOptions{})
			if err != nil {
				t.Fatalf("NewBleveIndex: %v", err)
			}
			return idx
		}},
		{"bm25", func(t *testing.T, dir string) Index {
			idx, err := NewBM25Index(filepath.Join(dir, "keyword.bolt"), 1.2, 0.75)
			if err != nil {
				t.Fatalf("NewBM25Index: %v", err)
			}
			return idx
		}},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, idx Index)) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			idx := b.open(t, t.TempDir())
			t.Cleanup(func() { _ = idx.Close() })
			fn(t, idx)
		})
	}
}

var corpus = []Document{
	{ChunkID: 1, Path: "/notes/a.md", Content: "the quick brown fox"},
	{ChunkID: 2, Path: "/notes/b.md", Content: "fox jumps over lazy dog"},
	{ChunkID: 3, Path: "/notes/c.md", Content: "quarterly revenue spreadsheet totals"},
	{ChunkID: 4, Path: "/reports/omnisyan.md", Header: []string{"# Findings"}, Content: "This report mentions Bayes and other findings."},
}

func TestIndex_Search(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		if err := idx.Index(ctx, corpus); err != nil {
			t.Fatal(err)
		}
		if n, err := idx.DocCount(); err != nil || n != 4 {
			t.Fatalf("DocCount = %d, %v", n, err)
		}

		results, err := idx.Search(ctx, "brown fox", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) < 2 || results[0].ChunkID != 1 {
			t.Fatalf("results = %+v", results)
		}
		for _, r := range results {
			if r.ChunkID == 3 {
				t.Errorf("unrelated chunk matched: %+v", results)
			}
		}

		// No stemming: the exact word matches regardless of case.
		results, _ = idx.Search(ctx, "bayes", 10)
		if len(results) != 1 || results[0].ChunkID != 4 {
			t.Errorf("bayes results = %+v", results)
		}
		// File names and headings are searchable.
		results, _ = idx.Search(ctx, "omnisyan", 10)
		if len(results) != 1 || results[0].ChunkID != 4 {
			t.Errorf("title results = %+v", results)
		}
	})
}

func TestIndex_EmptyQueryAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		_ = idx.Index(ctx, corpus)
		if r, err := idx.Search(ctx, "  ", 10); err != nil || len(r) != 0 {
			t.Errorf("blank query: %v %v", r, err)
		}
		if r, _ := idx.Search(ctx, "fox", 1); len(r) != 1 {
			t.Errorf("limit not applied: %v", r)
		}
	})
}

func TestIndex_DeleteAndReplace(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		_ = idx.Index(ctx, corpus)
		if err := idx.Delete(ctx, []int64{1, 99}); err != nil {
			t.Fatal(err)
		}
		for _, r := range mustSearch(t, idx, "fox") {
			if r.ChunkID == 1 {
				t.Error("deleted chunk returned")
			}
		}
		if err := idx.Index(ctx, []Document{{ChunkID: 2, Path: "/notes/b.md", Content: "completely different words"}}); err != nil {
			t.Fatal(err)
		}
		if r := mustSearch(t, idx, "fox"); len(r) != 0 {
			t.Errorf("replaced chunk still matches old content: %+v", r)
		}
		if n, _ := idx.DocCount(); n != 3 {
			t.Errorf("DocCount=%d, want 3", n)
		}
	})
}

func TestIndex_Deterministic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx Index) {
		ctx := context.Background()
		var docs []Document
		for i := int64(1); i <= 20; i++ {
			docs = append(docs, Document{ChunkID: i, Path: "/same.txt", Content: "identical text body"})
		}
		_ = idx.Index(ctx, docs)
		first := mustSearch(t, idx, "identical")
		for i := 1; i < len(first); i++ {
			if first[i-1].Score == first[i].Score && first[i-1].ChunkID > first[i].ChunkID {
				t.Fatalf("ties not ordered by chunk id: %+v", first)
			}
		}
		again := mustSearch(t, idx, "identical")
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("results differ between calls")
			}
		}
	})
}

func TestBleveIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyword.bleve")
	idx, err := NewBleveIndex(path, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Index(context.Background(), corpus)
	_ = idx.Close()

	idx, err = NewBleveIndex(path, SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if n, _ := idx.DocCount(); n != 4 {
		t.Errorf("DocCount after reopen = %d", n)
	}
}

func TestBM25Index_CorruptChunkMetadata(t *testing.T) {
	idx, err := NewBM25Index(filepath.Join(t.TempDir(), "keyword.bolt"), 1.2, 0.75)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	if err := idx.Index(context.Background(), corpus); err != nil {
		t.Fatal(err)
	}
	err = idx.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChunks).Put(chunkKey(1), []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = idx.Search(context.Background(), "fox", 10)
	if err == nil || !strings.Contains(err.Error(), "decode chunk 1") {
		t.Errorf("Search over corrupt metadata: err = %v", err)
	}
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx, err := NewBleveIndex("", SearchOptions{FuzzyEnabled: true, Fuzziness: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	_ = idx.Index(context.Background(), corpus)
	results := mustSearch(t, idx, "quick brwn")
	if len(results) == 0 || results[0].ChunkID != 1 {
		t.Errorf("fuzzy results = %+v", results)
	}
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	storage := config.StorageConfig{
		BleveIndexPath: filepath.Join(dir, "k.bleve"),
		BoltIndexPath:  filepath.Join(dir, "k.bolt"),
	}
	for _, name := range []string{"bleve", "bm25"} {
		idx, err := New(config.KeywordConfig{Backend: name, K1: 1.2, B: 0.75}, storage)
		if err != nil {
			t.Fatalf("New(%s): %v", name, err)
		}
		_ = idx.Close()
	}
	if _, err := New(config.KeywordConfig{Backend: "lucene"}, storage); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! foo_bar-baz 42")
	want := []string{"hello", "world", "foo", "bar", "baz", "42"}
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize = %v, want %v", got, want)
		}
	}
}

func mustSearch(t *testing.T, idx Index, q string) []Result {
	t.Helper()
	r, err := idx.Search(context.Background(), q, 50)
	if err != nil {
		t.Fatal(err)
	}
	return r
}
