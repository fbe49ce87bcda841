package vector

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/shirabe/internal/config"
)

func testConfig() config.VectorConfig {
	return config.VectorConfig{
		IndexType:      "ivf",
		MinClusters:    4,
		MaxClusters:    8,
		ProbeClusters:  8,
		MaxClusterSize: 1000,
		MinClusterSize: 1,
		GraphMaxDelta:  64,
		GraphEfFactor:  4,
	}
}

func randomVectors(n, dims int, seed uint64) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dims)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func seqIDs(n int, from int64) []int64 {
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = from + int64(i)
	}
	return ids
}

func newTestCluster(t testing.TB, cfg config.VectorConfig, dims int) *ClusterIndex {
	t.Helper()
	idx, err := NewClusterIndex(cfg, dims, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestClusterIndex_InsertQuery(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 3)
	ctx := context.Background()
	err := idx.Insert(ctx, []int64{1, 2, 3}, [][]float32{{1, 0, 0}, {0.9, 0.1, 0}, {0, 1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}
	results, err := idx.Query(ctx, []float32{2, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].ChunkID != 1 || results[1].ChunkID != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Score < 0.999 {
		t.Errorf("query should be normalized, score=%f", results[0].Score)
	}
}

func TestClusterIndex_TiesByChunkID(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 2)
	ctx := context.Background()
	if err := idx.Insert(ctx, []int64{9, 3, 7}, [][]float32{{1, 1}, {1, 1}, {1, 1}}); err != nil {
		t.Fatal(err)
	}
	results, _ := idx.Query(ctx, []float32{1, 1}, 3)
	want := []int64{3, 7, 9}
	for i, r := range results {
		if r.ChunkID != want[i] {
			t.Fatalf("results = %+v, want order %v", results, want)
		}
	}
}

func TestClusterIndex_ReinsertReplaces(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 2)
	ctx := context.Background()
	_ = idx.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	if err := idx.Insert(ctx, []int64{1}, [][]float32{{0, 1}}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 {
		t.Errorf("Size=%d, want 2", idx.Size())
	}
	results, _ := idx.Query(ctx, []float32{1, 0}, 5)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %+v", results)
	}
	for _, r := range results {
		if r.Score > 0.5 {
			t.Errorf("stale vector for chunk %d still visible: %+v", r.ChunkID, r)
		}
	}
}

func TestClusterIndex_Remove(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 2)
	ctx := context.Background()
	_ = idx.Insert(ctx, []int64{1, 2}, [][]float32{{1, 0}, {0, 1}})
	gen := idx.Generation()
	if err := idx.Remove(ctx, []int64{1, 42}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 1 {
		t.Errorf("Size=%d, want 1", idx.Size())
	}
	if idx.Generation() <= gen {
		t.Error("generation should advance on remove")
	}
	results, _ := idx.Query(ctx, []float32{1, 0}, 5)
	if len(results) != 1 || results[0].ChunkID != 2 {
		t.Errorf("results = %+v", results)
	}
	if st := idx.Stats(); st.Dead != 1 {
		t.Errorf("Dead=%d, want 1", st.Dead)
	}
}

func TestClusterIndex_DimensionMismatch(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 3)
	ctx := context.Background()
	if err := idx.Insert(ctx, []int64{1}, [][]float32{{1, 0}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Insert err = %v", err)
	}
	if _, err := idx.Query(ctx, []float32{1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("Query err = %v", err)
	}
	if idx.Size() != 0 {
		t.Error("rejected batch must not be partially applied")
	}
}

func TestClusterIndex_EmptyAndZeroK(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 2)
	ctx := context.Background()
	if r, err := idx.Query(ctx, []float32{1, 0}, 3); err != nil || len(r) != 0 {
		t.Errorf("empty index: %v %v", r, err)
	}
	_ = idx.Insert(ctx, []int64{1}, [][]float32{{1, 0}})
	if r, _ := idx.Query(ctx, []float32{1, 0}, 0); len(r) != 0 {
		t.Errorf("k=0 returned %v", r)
	}
}

func TestClusterIndex_MatchesFlat(t *testing.T) {
	const dims = 16
	ctx := context.Background()
	idx := newTestCluster(t, testConfig(), dims)
	flat, _ := NewFlatIndex(dims)
	vecs := randomVectors(500, dims, 7)
	ids := seqIDs(len(vecs), 1)
	_ = idx.Insert(ctx, ids, vecs)
	_ = flat.Insert(ctx, ids, vecs)

	check := func(stage string) {
		for _, q := range randomVectors(20, dims, 99) {
			got, _ := idx.Query(ctx, q, 10)
			want, _ := flat.Query(ctx, q, 10)
			if len(got) != len(want) {
				t.Fatalf("%s: %d results, want %d", stage, len(got), len(want))
			}
			for i := range want {
				if got[i].ChunkID != want[i].ChunkID {
					t.Fatalf("%s: rank %d got %d want %d", stage, i, got[i].ChunkID, want[i].ChunkID)
				}
			}
		}
	}
	check("before optimize")
	if _, err := idx.Optimize(ctx, 5); err != nil {
		t.Fatal(err)
	}
	check("after optimize")
}

func TestClusterIndex_OptimizeSplitsAndCompacts(t *testing.T) {
	cfg := testConfig()
	cfg.MinClusters = 1
	cfg.MaxClusterSize = 50
	cfg.MaxClusters = 32
	cfg.ProbeClusters = 32
	idx := newTestCluster(t, cfg, 8)
	ctx := context.Background()
	_ = idx.Insert(ctx, seqIDs(400, 1), randomVectors(400, 8, 3))
	if got := idx.Stats().Clusters; got != 1 {
		t.Fatalf("clusters before optimize = %d", got)
	}
	_ = idx.Remove(ctx, seqIDs(100, 1))

	report, err := idx.Optimize(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if report.Splits == 0 {
		t.Error("expected splits")
	}
	if report.Compacted != 100 {
		t.Errorf("Compacted=%d, want 100", report.Compacted)
	}
	st := idx.Stats()
	if st.Live != 300 || st.Dead != 0 {
		t.Errorf("stats after compaction = %+v", st)
	}
	if st.Clusters < 2 {
		t.Errorf("clusters=%d", st.Clusters)
	}
	for _, r := range mustQuery(t, idx, randomVectors(1, 8, 3)[0], 300) {
		if r.ChunkID <= 100 {
			t.Fatalf("removed chunk %d returned", r.ChunkID)
		}
	}
}

func TestClusterIndex_OptimizeMergesSmallClusters(t *testing.T) {
	cfg := testConfig()
	cfg.MinClusters = 6
	cfg.MinClusterSize = 10
	idx := newTestCluster(t, cfg, 4)
	ctx := context.Background()
	// Six seed vectors open six clusters; the rest land in the first.
	vecs := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}, {-1, 0, 0, 0}, {0, -1, 0, 0}}
	for i := 0; i < 40; i++ {
		vecs = append(vecs, []float32{1, 0.01 * float32(i), 0, 0})
	}
	_ = idx.Insert(ctx, seqIDs(len(vecs), 1), vecs)
	idx.cfg.MinClusters = 2

	report, err := idx.Optimize(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if report.Merges == 0 {
		t.Errorf("expected merges, report=%+v", report)
	}
	if got := idx.Stats().Clusters; got < 2 || got >= 6 {
		t.Errorf("clusters=%d", got)
	}
	if idx.Size() != len(vecs) {
		t.Errorf("merge lost vectors: %d", idx.Size())
	}
}

func TestClusterIndex_TrainsQuantizer(t *testing.T) {
	cfg := testConfig()
	cfg.PQSubquantizers = 4
	cfg.PQTrainThreshold = 100
	cfg.PQRetrainThreshold = 50
	idx := newTestCluster(t, cfg, 16)
	ctx := context.Background()
	vecs := randomVectors(120, 16, 11)
	_ = idx.Insert(ctx, seqIDs(120, 1), vecs)

	report, err := idx.Optimize(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !report.TrainedPQ {
		t.Fatal("quantizer not trained")
	}
	if st := idx.Stats(); st.Quantized != 120 {
		t.Errorf("Quantized=%d", st.Quantized)
	}
	// With fewer training vectors than centroids each vector is its own centroid.
	for i := 0; i < 10; i++ {
		r := mustQuery(t, idx, vecs[i], 1)
		if len(r) != 1 || r[0].ChunkID != int64(i+1) {
			t.Errorf("query %d = %+v", i, r)
		}
	}

	_ = idx.Insert(ctx, seqIDs(30, 1000), randomVectors(30, 16, 12))
	report, _ = idx.Optimize(ctx, 1)
	if report.TrainedPQ {
		t.Error("retrained before threshold")
	}
	if st := idx.Stats(); st.Quantized != 150 {
		t.Errorf("new vectors should be encoded with the frozen quantizer, Quantized=%d", st.Quantized)
	}
	_ = idx.Insert(ctx, seqIDs(30, 2000), randomVectors(30, 16, 13))
	report, _ = idx.Optimize(ctx, 1)
	if !report.TrainedPQ {
		t.Error("expected retrain after threshold")
	}
}

func TestClusterIndex_CommitReassignsConcurrentInserts(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 4)
	ctx := context.Background()
	_ = idx.Insert(ctx, seqIDs(50, 1), randomVectors(50, 4, 5))

	base := idx.snap.Load()
	report := &OptimizeReport{}
	plan, err := idx.plan(ctx, base, 3, report)
	if err != nil {
		t.Fatal(err)
	}
	_ = idx.Insert(ctx, []int64{500, 501}, [][]float32{{1, 2, 3, 4}, {4, 3, 2, 1}})
	_ = idx.Remove(ctx, []int64{1})
	idx.commit(base, plan, report)

	if report.Reassigned != 2 {
		t.Errorf("Reassigned=%d, want 2", report.Reassigned)
	}
	if idx.Size() != 51 {
		t.Errorf("Size=%d, want 51", idx.Size())
	}
	r := mustQuery(t, idx, []float32{1, 2, 3, 4}, 1)
	if r[0].ChunkID != 500 {
		t.Errorf("insert during optimize lost: %+v", r)
	}
	for _, res := range mustQuery(t, idx, randomVectors(50, 4, 5)[0], 60) {
		if res.ChunkID == 1 {
			t.Error("removal during optimize lost")
		}
	}
}

func TestClusterIndex_ResetDiscardsPendingCommit(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 4)
	ctx := context.Background()
	_ = idx.Insert(ctx, seqIDs(20, 1), randomVectors(20, 4, 9))

	base := idx.snap.Load()
	report := &OptimizeReport{}
	plan, err := idx.plan(ctx, base, 2, report)
	if err != nil {
		t.Fatal(err)
	}
	idx.Reset()
	_ = idx.Insert(ctx, []int64{7}, [][]float32{{1, 0, 0, 0}})
	idx.commit(base, plan, report)

	if idx.Size() != 1 {
		t.Fatalf("Size=%d, want 1", idx.Size())
	}
	r := mustQuery(t, idx, []float32{1, 0, 0, 0}, 5)
	if len(r) != 1 || r[0].ChunkID != 7 {
		t.Errorf("results = %+v", r)
	}
}

func TestClusterIndex_GraphRefinement(t *testing.T) {
	cfg := testConfig()
	cfg.GraphThreshold = 100
	cfg.GraphMaxDelta = 10
	idx := newTestCluster(t, cfg, 8)
	ctx := context.Background()
	vecs := randomVectors(300, 8, 21)
	_ = idx.Insert(ctx, seqIDs(300, 1), vecs)

	report, err := idx.Optimize(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !report.GraphScheduled {
		t.Fatal("graph not scheduled")
	}
	idx.Wait()
	st := idx.Stats()
	if st.GraphNodes != 300 || st.GraphDelta != 0 {
		t.Fatalf("stats = %+v", st)
	}
	r := mustQuery(t, idx, vecs[17], 1)
	if r[0].ChunkID != 18 {
		t.Errorf("graph query = %+v", r)
	}

	_ = idx.Remove(ctx, []int64{18})
	if r := mustQuery(t, idx, vecs[17], 1); r[0].ChunkID == 18 {
		t.Error("removed chunk served from graph")
	}
	_ = idx.Insert(ctx, []int64{999}, [][]float32{vecs[17]})
	if r := mustQuery(t, idx, vecs[17], 1); r[0].ChunkID != 999 {
		t.Errorf("delta insert not visible: %+v", r)
	}
}

func TestClusterIndex_GraphAfterHeavyRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.GraphThreshold = 500
	idx := newTestCluster(t, cfg, 8)
	ctx := context.Background()
	vecs := randomVectors(1000, 8, 31)
	_ = idx.Insert(ctx, seqIDs(1000, 1), vecs)
	if report, _ := idx.Optimize(ctx, 1); !report.GraphScheduled {
		t.Fatal("graph not scheduled")
	}
	idx.Wait()
	if st := idx.Stats(); st.GraphNodes != 1000 {
		t.Fatalf("stats = %+v", st)
	}

	_ = idx.Remove(ctx, seqIDs(900, 1))
	if st := idx.Stats(); st.GraphDead != 900 {
		t.Errorf("GraphDead=%d, want 900", st.GraphDead)
	}
	r := mustQuery(t, idx, vecs[950], 50)
	if len(r) != 50 {
		t.Fatalf("got %d results with 100 live vectors, want 50", len(r))
	}
	for _, res := range r {
		if res.ChunkID <= 900 {
			t.Errorf("removed chunk %d returned", res.ChunkID)
		}
	}

	report, err := idx.Optimize(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !report.GraphDropped || report.GraphScheduled {
		t.Errorf("report = %+v, want graph dropped below threshold", report)
	}
	idx.Wait()
	if st := idx.Stats(); st.GraphNodes != 0 {
		t.Errorf("graph kept after shrinking: %+v", st)
	}
	if r := mustQuery(t, idx, vecs[950], 50); len(r) != 50 {
		t.Errorf("after optimize got %d results", len(r))
	}
}

func TestClusterIndex_GraphTopUp(t *testing.T) {
	cfg := testConfig()
	cfg.GraphThreshold = 500
	cfg.GraphMaxDelta = 5000
	idx := newTestCluster(t, cfg, 8)
	ctx := context.Background()
	vecs := randomVectors(1000, 8, 32)
	_ = idx.Insert(ctx, seqIDs(1000, 1), vecs)
	_, _ = idx.Optimize(ctx, 1)
	idx.Wait()

	// Drift stays under the limit, so the graph is consulted first.
	_ = idx.Remove(ctx, seqIDs(900, 1))
	flat, err := NewFlatIndex(8)
	if err != nil {
		t.Fatal(err)
	}
	_ = flat.Insert(ctx, seqIDs(100, 901), vecs[900:])
	q := vecs[3]
	got := mustQuery(t, idx, q, 50)
	want := mustQuery(t, flat, q, 50)
	if len(got) != 50 {
		t.Fatalf("got %d results, want 50", len(got))
	}
	for i := range want {
		if got[i].ChunkID != want[i].ChunkID {
			t.Fatalf("result %d = %d, want %d", i, got[i].ChunkID, want[i].ChunkID)
		}
	}
}

func TestClusterIndex_RetrainKeepsDecodeError(t *testing.T) {
	cfg := testConfig()
	cfg.PQSubquantizers = 4
	cfg.PQTrainThreshold = 100
	cfg.PQRetrainThreshold = 50
	idx := newTestCluster(t, cfg, 16)
	ctx := context.Background()

	want := make(map[int64][]float32)
	next := int64(1)
	insert := func(n int, seed uint64) {
		vecs := randomVectors(n, 16, seed)
		ids := seqIDs(n, next)
		for i, id := range ids {
			want[id] = normalized(vecs[i])
		}
		next += int64(n)
		if err := idx.Insert(ctx, ids, vecs); err != nil {
			t.Fatal(err)
		}
	}
	optimize := func() *OptimizeReport {
		report, err := idx.Optimize(ctx, 1)
		if err != nil {
			t.Fatal(err)
		}
		return report
	}
	// Totals stay under the centroid count, so a quantizer trained on the
	// original vectors reproduces them exactly.
	decodeError := func() (worst float32, raw int) {
		s := idx.snap.Load()
		for _, e := range s.entries {
			if e.slot.dead.Load() || e.code == nil {
				continue
			}
			if e.raw != nil {
				raw++
			}
			if d := SquaredDistance(s.pq.decode(e.code), want[e.id]); d > worst {
				worst = d
			}
		}
		return worst, raw
	}

	insert(100, 41)
	if !optimize().TrainedPQ {
		t.Fatal("quantizer not trained")
	}
	insert(30, 42)
	if optimize().TrainedPQ {
		t.Fatal("retrained before threshold")
	}
	if _, raw := decodeError(); raw != 30 {
		t.Errorf("raw vectors kept after encoding = %d, want 30", raw)
	}
	insert(30, 43)
	if !optimize().TrainedPQ {
		t.Fatal("first retrain did not run")
	}
	first, raw := decodeError()
	if raw != 0 {
		t.Errorf("raw vectors left after retrain = %d", raw)
	}

	insert(30, 44)
	optimize()
	path := filepath.Join(t.TempDir(), "vectors.idx")
	if err := idx.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded := newTestCluster(t, cfg, 16)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if st := loaded.Stats(); st.Quantized != 190 {
		t.Errorf("loaded Quantized=%d, want 190", st.Quantized)
	}

	insert(30, 45)
	if !optimize().TrainedPQ {
		t.Fatal("second retrain did not run")
	}
	second, _ := decodeError()
	if first > 1e-6 || second > first+1e-6 {
		t.Errorf("decode error grew across retrains: %g then %g", first, second)
	}
}

func TestClusterIndex_ConcurrentReadersDuringWrites(t *testing.T) {
	idx := newTestCluster(t, testConfig(), 8)
	ctx := context.Background()
	_ = idx.Insert(ctx, seqIDs(100, 1), randomVectors(100, 8, 1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			queries := randomVectors(10, 8, seed)
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, q := range queries {
					if _, err := idx.Query(ctx, q, 5); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(uint64(g + 100))
	}
	for i := 0; i < 20; i++ {
		_ = idx.Insert(ctx, seqIDs(10, int64(1000+i*10)), randomVectors(10, 8, uint64(i)))
		_ = idx.Remove(ctx, []int64{int64(i + 1)})
		if i%5 == 0 {
			_, _ = idx.Optimize(ctx, 2)
		}
	}
	close(stop)
	wg.Wait()
	if idx.Size() != 100+200-20 {
		t.Errorf("Size=%d", idx.Size())
	}
}

func mustQuery(t *testing.T, idx Index, q []float32, k int) []Result {
	t.Helper()
	r, err := idx.Query(context.Background(), q, k)
	if err != nil {
		t.Fatal(err)
	}
	if len(r) == 0 {
		t.Fatal("no results")
	}
	return r
}

func BenchmarkClusterIndex_Insert(b *testing.B) {
	idx := newTestCluster(b, testConfig(), 64)
	vecs := randomVectors(1000, 64, 1)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = idx.Insert(ctx, []int64{int64(i)}, [][]float32{vecs[i%len(vecs)]})
	}
}

func BenchmarkClusterIndex_Query(b *testing.B) {
	cfg := testConfig()
	cfg.MaxClusters = 64
	cfg.ProbeClusters = 8
	cfg.MaxClusterSize = 500
	idx := newTestCluster(b, cfg, 64)
	ctx := context.Background()
	_ = idx.Insert(ctx, seqIDs(20000, 1), randomVectors(20000, 64, 2))
	_, _ = idx.Optimize(ctx, 5)
	queries := randomVectors(100, 64, 3)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Query(ctx, queries[i%len(queries)], 10)
	}
}
