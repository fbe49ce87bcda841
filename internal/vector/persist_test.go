package vector

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func sameResults(t *testing.T, a, b Index, queries [][]float32, k int) {
	t.Helper()
	ctx := context.Background()
	for qi, q := range queries {
		ra, err := a.Query(ctx, q, k)
		if err != nil {
			t.Fatal(err)
		}
		rb, err := b.Query(ctx, q, k)
		if err != nil {
			t.Fatal(err)
		}
		if len(ra) != len(rb) {
			t.Fatalf("query %d: %d vs %d results", qi, len(ra), len(rb))
		}
		for i := range ra {
			if ra[i].ChunkID != rb[i].ChunkID {
				t.Fatalf("query %d rank %d: %d vs %d", qi, i, ra[i].ChunkID, rb[i].ChunkID)
			}
		}
	}
}

func TestClusterIndex_SaveLoad(t *testing.T) {
	cfg := testConfig()
	cfg.PQSubquantizers = 4
	cfg.PQTrainThreshold = 100
	ctx := context.Background()
	idx := newTestCluster(t, cfg, 16)
	_ = idx.Insert(ctx, seqIDs(200, 1), randomVectors(200, 16, 8))
	if _, err := idx.Optimize(ctx, 3); err != nil {
		t.Fatal(err)
	}
	_ = idx.Insert(ctx, seqIDs(20, 500), randomVectors(20, 16, 9))
	_ = idx.Remove(ctx, []int64{3, 4, 5})

	path := filepath.Join(t.TempDir(), "vectors.idx")
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded := newTestCluster(t, cfg, 16)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != idx.Size() {
		t.Fatalf("Size=%d, want %d", loaded.Size(), idx.Size())
	}
	if got, want := loaded.Stats().Quantized, idx.Stats().Quantized; got != want {
		t.Errorf("Quantized=%d, want %d", got, want)
	}
	sameResults(t, idx, loaded, randomVectors(10, 16, 77), 10)

	// Inserts continue after a load without reusing sequence numbers.
	if err := loaded.Insert(ctx, []int64{9000}, [][]float32{randomVectors(1, 16, 1)[0]}); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != idx.Size()+1 {
		t.Errorf("Size after insert = %d", loaded.Size())
	}
}

func TestClusterIndex_SaveLoadWithGraph(t *testing.T) {
	cfg := testConfig()
	cfg.GraphThreshold = 50
	ctx := context.Background()
	idx := newTestCluster(t, cfg, 8)
	_ = idx.Insert(ctx, seqIDs(120, 1), randomVectors(120, 8, 4))
	_, _ = idx.Optimize(ctx, 1)
	idx.Wait()
	_ = idx.Remove(ctx, []int64{7})

	path := filepath.Join(t.TempDir(), "vectors.idx")
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded := newTestCluster(t, cfg, 8)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if st := loaded.Stats(); st.GraphNodes != 120 || st.Live != 119 {
		t.Errorf("stats = %+v", st)
	}
	sameResults(t, idx, loaded, randomVectors(10, 8, 5), 5)
}

func TestLoad_MissingFile(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 4)
	if err := idx.Load(filepath.Join(t.TempDir(), "missing.idx")); err != nil {
		t.Fatalf("Load(missing) = %v", err)
	}
	if idx.Size() != 0 {
		t.Error("expected empty index")
	}
}

func savedFile(t *testing.T) (string, []byte) {
	t.Helper()
	idx := newTestCluster(t, testConfig(), 4)
	_ = idx.Insert(context.Background(), seqIDs(10, 1), randomVectors(10, 4, 2))
	path := filepath.Join(t.TempDir(), "vectors.idx")
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, data
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		dims   int
		want   error
	}{
		{"flipped byte", func(b []byte) []byte { b[len(b)/2] ^= 0xff; return b }, 4, ErrCorrupt},
		{"truncated", func(b []byte) []byte { return b[:len(b)-9] }, 4, ErrCorrupt},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }, 4, ErrCorrupt},
		{"tiny", func(b []byte) []byte { return b[:5] }, 4, ErrCorrupt},
		{"future version", func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[8:], formatVersion+1)
			return b
		}, 4, ErrVersionMismatch},
		{"other dimensions", func(b []byte) []byte { return b }, 8, ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, data := savedFile(t)
			if err := os.WriteFile(path, tt.mutate(data), 0644); err != nil {
				t.Fatal(err)
			}
			idx := newTestCluster(t, testConfig(), tt.dims)
			err := idx.Load(path)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Load err = %v, want %v", err, tt.want)
			}
			if idx.Size() != 0 {
				t.Error("failed load must leave the index unchanged")
			}
		})
	}
}

func TestLoad_KindMismatch(t *testing.T) {
	path, _ := savedFile(t)
	flat, _ := NewFlatIndex(4)
	if err := flat.Load(path); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("flat.Load(cluster file) = %v", err)
	}
}

func TestSave_NoTempFilesLeft(t *testing.T) {
	path, _ := savedFile(t)
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the index", len(entries))
	}
}
