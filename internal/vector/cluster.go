package vector

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hyperjump/shirabe/internal/config"
)

// slot carries the liveness of one inserted vector. Re-encoded copies of an
// entry share its slot, so removal is visible through every copy.
type slot struct {
	dead atomic.Bool
}

// entry is immutable once published; only its slot changes.
type entry struct {
	id   int64
	seq  uint64
	raw  []float32
	code []byte
	slot *slot
}

func (e *entry) vector(pq *quantizer) []float32 {
	if e.raw != nil {
		return e.raw
	}
	return pq.decode(e.code)
}

// snapshot is the immutable state queries run against. Writers build a new
// snapshot and publish it with a single pointer swap.
type snapshot struct {
	gen uint64
	// epoch changes when the contents are replaced wholesale by Load or Reset.
	epoch   uint64
	centers [][]float32
	counts  []int
	members [][]int32
	entries []*entry
	pq      *quantizer
	graph   *graph
	// graphDead counts graph nodes removed since the graph was built.
	graphDead int
	live      int
	nextSeq uint64
	// sinceTrain counts vectors inserted after the quantizer was trained.
	sinceTrain uint64
}

// fork copies the per-cluster tables so the copy can be modified without
// disturbing readers of s. Member lists and the entry arena are append-only.
func (s *snapshot) fork() *snapshot {
	next := *s
	next.centers = append([][]float32(nil), s.centers...)
	next.counts = append([]int(nil), s.counts...)
	next.members = append([][]int32(nil), s.members...)
	return &next
}

// deltaStart returns the arena position of the first entry newer than the graph.
func (s *snapshot) deltaStart() int {
	if s.graph == nil {
		return 0
	}
	seq := s.graph.seq
	return sort.Search(len(s.entries), func(i int) bool { return s.entries[i].seq > seq })
}

// graphDrift is the number of graph nodes that no longer match the live set:
// inserts newer than the graph plus graph nodes removed since.
func (s *snapshot) graphDrift() int {
	return len(s.entries) - s.deltaStart() + s.graphDead
}

// retire accounts for e leaving the live set.
func (s *snapshot) retire(e *entry) {
	e.slot.dead.Store(true)
	s.live--
	if s.graph != nil && e.seq <= s.graph.seq {
		s.graphDead++
	}
}

// ClusterIndex is an inverted-file index: vectors are grouped around online
// k-means centers and a query scans the members of the nearest centers. Large
// indexes are served from an HNSW graph plus an exact scan of recent inserts,
// and product quantization replaces raw vectors once enough have been seen.
type ClusterIndex struct {
	cfg    config.VectorConfig
	dims   int
	logger *zap.Logger

	mu   sync.Mutex // serializes writers
	byID map[int64]*entry
	snap atomic.Pointer[snapshot]

	optimizing sync.Mutex
	rng        *rand.Rand
	building   atomic.Bool
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// NewClusterIndex creates an empty clustered index.
func NewClusterIndex(cfg config.VectorConfig, dims int, logger *zap.Logger) (*ClusterIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if cfg.PQSubquantizers > 0 && dims%cfg.PQSubquantizers != 0 {
		return nil, fmt.Errorf("%d dimensions not divisible into %d subquantizers", dims, cfg.PQSubquantizers)
	}
	if cfg.MinClusters <= 0 {
		cfg.MinClusters = 1
	}
	if cfg.MaxClusters < cfg.MinClusters {
		cfg.MaxClusters = cfg.MinClusters
	}
	if cfg.ProbeClusters <= 0 {
		cfg.ProbeClusters = 1
	}
	if cfg.GraphEfFactor <= 0 {
		cfg.GraphEfFactor = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &ClusterIndex{
		cfg:    cfg,
		dims:   dims,
		logger: logger,
		byID:   make(map[int64]*entry),
		rng:    rand.New(rand.NewPCG(uint64(dims), 0x5eed)),
	}
	x.snap.Store(&snapshot{nextSeq: 1})
	return x, nil
}

func (x *ClusterIndex) checkDims(v []float32) error {
	if len(v) != x.dims {
		return fmt.Errorf("%w: got %d, expected %d", ErrDimensionMismatch, len(v), x.dims)
	}
	return nil
}

// Insert adds or replaces vectors. The whole batch becomes visible at once.
func (x *ClusterIndex) Insert(ctx context.Context, ids []int64, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	norm := make([][]float32, len(vectors))
	for i, v := range vectors {
		if err := x.checkDims(v); err != nil {
			return err
		}
		norm[i] = normalized(v)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	next := x.snap.Load().fork()
	touched := make(map[int]bool)
	for i, id := range ids {
		if old, ok := x.byID[id]; ok {
			next.retire(old)
		}
		e := &entry{id: id, seq: next.nextSeq, raw: norm[i], slot: &slot{}}
		next.nextSeq++
		x.byID[id] = e
		x.place(next, e, touched)
	}
	if next.pq != nil {
		next.sinceTrain += uint64(len(ids))
	}
	next.gen++
	x.snap.Store(next)
	return nil
}

// place appends e to the arena of s and assigns it to a cluster, updating the
// center's running mean. touched records centers already copied for this batch.
func (x *ClusterIndex) place(s *snapshot, e *entry, touched map[int]bool) {
	idx := int32(len(s.entries))
	s.entries = append(s.entries, e)
	s.live++
	v := e.vector(s.pq)
	c, dist := nearest(s.centers, v)
	open := c < 0 || len(s.centers) < x.cfg.MinClusters ||
		(x.cfg.NewClusterDistance > 0 && len(s.centers) < x.cfg.MaxClusters &&
			math.Sqrt(float64(dist)) > float64(x.cfg.NewClusterDistance))
	if open {
		s.centers = append(s.centers, append([]float32(nil), v...))
		s.counts = append(s.counts, 1)
		s.members = append(s.members, []int32{idx})
		touched[len(s.centers)-1] = true
		return
	}
	if !touched[c] {
		s.centers[c] = append([]float32(nil), s.centers[c]...)
		touched[c] = true
	}
	n := s.counts[c] + 1
	center := s.centers[c]
	for d := range center {
		center[d] += (v[d] - center[d]) / float32(n)
	}
	s.counts[c] = n
	s.members[c] = append(s.members[c], idx)
}

// Remove marks vectors dead. Their slots are reclaimed by Optimize.
func (x *ClusterIndex) Remove(ctx context.Context, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	next := *cur
	removed := 0
	for _, id := range ids {
		e, ok := x.byID[id]
		if !ok {
			continue
		}
		next.retire(e)
		delete(x.byID, id)
		removed++
	}
	if removed > 0 {
		next.gen++
		x.snap.Store(&next)
	}
	return nil
}

// Query returns the k nearest live vectors by cosine similarity.
func (x *ClusterIndex) Query(ctx context.Context, vector []float32, k int) ([]Result, error) {
	if err := x.checkDims(vector); err != nil {
		return nil, err
	}
	s := x.snap.Load()
	if k <= 0 || s.live == 0 {
		return nil, nil
	}
	q := normalized(vector)
	top := newTopK(k)
	var table []float32
	score := func(e *entry) float64 {
		if e.raw != nil {
			return float64(Dot(q, e.raw))
		}
		if table == nil {
			table = s.pq.table(q)
		}
		return float64(s.pq.score(table, e.code))
	}

	// A drifted graph, or one that yields fewer than k live hits, falls
	// through to the cluster scan.
	if s.graph != nil && s.graphDrift() <= x.cfg.GraphMaxDelta {
		n := max(k*x.cfg.GraphEfFactor, graphEfSearch)
		s.graph.search(q, n, func(e *entry, v []float32) {
			sc := float64(Dot(q, v))
			if e.raw != nil {
				sc = float64(Dot(q, e.raw))
			}
			top.push(Result{ChunkID: e.id, Score: sc})
		})
		for _, e := range s.entries[s.deltaStart():] {
			if !e.slot.dead.Load() {
				top.push(Result{ChunkID: e.id, Score: score(e)})
			}
		}
		if top.len() >= min(k, s.live) {
			return top.results(), nil
		}
		top = newTopK(k)
	}

	for _, c := range probeOrder(s.centers, q, x.cfg.ProbeClusters) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, idx := range s.members[c] {
			e := s.entries[idx]
			if e.slot.dead.Load() {
				continue
			}
			top.push(Result{ChunkID: e.id, Score: score(e)})
		}
	}
	return top.results(), nil
}

// probeOrder returns the indexes of the m centers nearest to q.
func probeOrder(centers [][]float32, q []float32, m int) []int {
	order := make([]int, len(centers))
	dist := make([]float32, len(centers))
	for i, c := range centers {
		order[i] = i
		dist[i] = SquaredDistance(c, q)
	}
	sort.Slice(order, func(a, b int) bool {
		if dist[order[a]] != dist[order[b]] {
			return dist[order[a]] < dist[order[b]]
		}
		return order[a] < order[b]
	})
	if m < len(order) {
		order = order[:m]
	}
	return order
}

// Size returns the number of live vectors.
func (x *ClusterIndex) Size() int { return x.snap.Load().live }

func (x *ClusterIndex) Contains(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.byID[id]
	return ok
}

func (x *ClusterIndex) Dimensions() int { return x.dims }

func (x *ClusterIndex) Generation() uint64 { return x.snap.Load().gen }

func (x *ClusterIndex) Stats() Stats {
	s := x.snap.Load()
	st := Stats{
		Type:       string(IndexTypeCluster),
		Dimensions: x.dims,
		Live:       s.live,
		Dead:       len(s.entries) - s.live,
		Clusters:   len(s.centers),
		Generation: s.gen,
	}
	for _, e := range s.entries {
		if e.code != nil && !e.slot.dead.Load() {
			st.Quantized++
		}
	}
	if s.graph != nil {
		st.GraphNodes = s.graph.len()
		st.GraphDelta = len(s.entries) - s.deltaStart()
		st.GraphDead = s.graphDead
	}
	return st
}

// Wait blocks until a background graph build finishes.
func (x *ClusterIndex) Wait() { x.wg.Wait() }

// Close stops publishing background results and waits for them to finish.
func (x *ClusterIndex) Close() error {
	x.closed.Store(true)
	x.wg.Wait()
	return nil
}

// Save writes the live contents of the current snapshot to path.
func (x *ClusterIndex) Save(path string) error {
	if path == "" {
		return nil
	}
	s := x.snap.Load()
	cluster := make([]int32, len(s.entries))
	for c, idxs := range s.members {
		for _, idx := range idxs {
			cluster[idx] = int32(c)
		}
	}
	st := &state{
		kind:       kindCluster,
		dims:       x.dims,
		nextSeq:    s.nextSeq,
		sinceTrain: s.sinceTrain,
		pq:         s.pq,
		centers:    s.centers,
		graph:      s.graph,
	}
	for i, e := range s.entries {
		if e.slot.dead.Load() {
			continue
		}
		st.entries = append(st.entries, e)
		st.clusters = append(st.clusters, cluster[i])
	}
	data, err := encodeState(st)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return err
	}
	x.logger.Debug("saved vector index", zap.String("path", path), zap.Int("vectors", len(st.entries)))
	return nil
}

// Load replaces the index contents with the file at path. On error the index is left unchanged.
func (x *ClusterIndex) Load(path string) error {
	st, err := readState(path, kindCluster, x.dims)
	if err != nil || st == nil {
		return err
	}
	next := &snapshot{
		centers:    st.centers,
		counts:     make([]int, len(st.centers)),
		members:    make([][]int32, len(st.centers)),
		pq:         st.pq,
		nextSeq:    max(st.nextSeq, 1),
		sinceTrain: st.sinceTrain,
	}
	byID := make(map[int64]*entry, len(st.entries))
	var prevSeq uint64
	for i, e := range st.entries {
		if e.seq <= prevSeq || e.seq >= next.nextSeq {
			return fmt.Errorf("%w: entry sequence %d out of order", ErrCorrupt, e.seq)
		}
		prevSeq = e.seq
		if _, dup := byID[e.id]; dup {
			return fmt.Errorf("%w: duplicate chunk %d", ErrCorrupt, e.id)
		}
		c := st.clusters[i]
		if c < 0 {
			return fmt.Errorf("%w: chunk %d has no cluster", ErrCorrupt, e.id)
		}
		byID[e.id] = e
		next.members[c] = append(next.members[c], int32(len(next.entries)))
		next.counts[c]++
		next.entries = append(next.entries, e)
		next.live++
	}
	if st.graphIDs != nil {
		lookup := func(id int64) *entry {
			if e, ok := byID[id]; ok && e.seq <= st.graphSeq {
				return e
			}
			dead := &entry{id: id, slot: &slot{}}
			dead.slot.dead.Store(true)
			return dead
		}
		gr, err := importGraph(st.graphIDs, st.graphBlob, st.graphSeq, lookup)
		if err != nil {
			x.logger.Warn("discarding saved graph", zap.Error(err))
		} else {
			next.graph = gr
			next.graphDead = gr.dead()
		}
	}

	x.replace(next, byID)
	x.logger.Debug("loaded vector index", zap.String("path", path), zap.Int("vectors", next.live))
	return nil
}

// Reset drops every vector. Pending optimize and graph results are discarded.
func (x *ClusterIndex) Reset() {
	x.replace(&snapshot{nextSeq: 1}, make(map[int64]*entry))
}

func (x *ClusterIndex) replace(next *snapshot, byID map[int64]*entry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	next.gen = cur.gen + 1
	next.epoch = cur.epoch + 1
	x.byID = byID
	x.snap.Store(next)
}
