package vector

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

const splitIterations = 8

// layout is the result of an optimization pass computed off the writer lock.
type layout struct {
	centers    [][]float32
	members    [][]int32
	entries    []*entry
	pq         *quantizer
	sinceTrain uint64
	// horizon is the first sequence number not considered by the pass.
	horizon uint64
}

// Optimize refines clusters, splits and merges them, compacts dead entries,
// trains the quantizer when due and schedules a graph rebuild for large indexes.
// The expensive work runs against a snapshot; only the final swap holds the
// writer lock, and vectors inserted meanwhile are reassigned at that point.
// A concurrent call returns immediately with an empty report.
func (x *ClusterIndex) Optimize(ctx context.Context, maxIterations int) (*OptimizeReport, error) {
	report := &OptimizeReport{}
	if !x.optimizing.TryLock() {
		return report, nil
	}
	defer x.optimizing.Unlock()

	start := time.Now()
	base := x.snap.Load()
	plan, err := x.plan(ctx, base, maxIterations, report)
	if err != nil {
		return report, err
	}
	x.commit(base, plan, report)
	x.scheduleGraph(report)
	x.logger.Debug("optimized vector index",
		zap.Int("iterations", report.Iterations),
		zap.Int("moved", report.Moved),
		zap.Int("splits", report.Splits),
		zap.Int("merges", report.Merges),
		zap.Int("compacted", report.Compacted),
		zap.Int("reassigned", report.Reassigned),
		zap.Bool("trained_pq", report.TrainedPQ),
		zap.Duration("took", time.Since(start)))
	return report, nil
}

func (x *ClusterIndex) plan(ctx context.Context, s *snapshot, maxIterations int, report *OptimizeReport) (*layout, error) {
	prev := make([]int, len(s.entries))
	for c, idxs := range s.members {
		for _, idx := range idxs {
			prev[idx] = c
		}
	}
	var live []*entry
	var vecs [][]float32
	var assign []int
	for i, e := range s.entries {
		if e.slot.dead.Load() {
			continue
		}
		live = append(live, e)
		vecs = append(vecs, e.vector(s.pq))
		assign = append(assign, prev[i])
	}
	report.Compacted = len(s.entries) - len(live)
	out := &layout{pq: s.pq, sinceTrain: s.sinceTrain, horizon: s.nextSeq}
	if len(live) == 0 {
		out.entries = []*entry{}
		return out, nil
	}

	centers := make([][]float32, len(s.centers))
	for i, c := range s.centers {
		centers[i] = append([]float32(nil), c...)
	}
	for it := 0; it < maxIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		recenter(centers, vecs, assign, x.dims)
		moved := 0
		for i, v := range vecs {
			if c, _ := nearest(centers, v); c != assign[i] {
				assign[i] = c
				moved++
			}
		}
		report.Iterations++
		report.Moved += moved
		if moved == 0 {
			break
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	centers, assign = x.split(centers, vecs, assign, report)
	centers, assign = x.merge(centers, vecs, assign, report)
	recenter(centers, vecs, assign, x.dims)

	if err := x.quantize(out, live, vecs, report); err != nil {
		x.logger.Warn("quantizer training failed", zap.Error(err))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.centers = centers
	out.members = make([][]int32, len(centers))
	out.entries = make([]*entry, len(live))
	// Raw vectors inserted after training stay beside their codes until the
	// next retrain trains on them.
	keepRaw := x.cfg.PQRetrainThreshold > 0
	for i, e := range live {
		switch {
		case out.pq == nil:
		case out.pq != s.pq:
			e = &entry{id: e.id, seq: e.seq, code: out.pq.encode(vecs[i]), slot: e.slot}
		case e.raw == nil:
		case keepRaw:
			if e.code == nil {
				e = &entry{id: e.id, seq: e.seq, raw: e.raw, code: out.pq.encode(e.raw), slot: e.slot}
			}
		default:
			e = &entry{id: e.id, seq: e.seq, code: out.pq.encode(e.raw), slot: e.slot}
		}
		out.entries[i] = e
		out.members[assign[i]] = append(out.members[assign[i]], int32(i))
	}
	return out, nil
}

func clusterSizes(n int, assign []int) []int {
	sizes := make([]int, n)
	for _, c := range assign {
		sizes[c]++
	}
	return sizes
}

// split divides clusters larger than MaxClusterSize in two while the cluster budget allows.
func (x *ClusterIndex) split(centers, vecs [][]float32, assign []int, report *OptimizeReport) ([][]float32, []int) {
	if x.cfg.MaxClusterSize <= 0 {
		return centers, assign
	}
	stuck := make(map[int]bool)
	for len(centers) < x.cfg.MaxClusters {
		sizes := clusterSizes(len(centers), assign)
		target := -1
		for c, n := range sizes {
			if n > x.cfg.MaxClusterSize && !stuck[c] && (target < 0 || n > sizes[target]) {
				target = c
			}
		}
		if target < 0 {
			break
		}
		var idx []int
		var pts [][]float32
		for i, c := range assign {
			if c == target {
				idx = append(idx, i)
				pts = append(pts, vecs[i])
			}
		}
		halves, sub := kmeans(pts, 2, splitIterations, x.rng)
		if len(halves) < 2 || allSame(sub) {
			stuck[target] = true
			continue
		}
		centers[target] = halves[0]
		centers = append(centers, halves[1])
		for j, i := range idx {
			if sub[j] == 1 {
				assign[i] = len(centers) - 1
			}
		}
		report.Splits++
	}
	return centers, assign
}

func allSame(a []int) bool {
	for _, v := range a[1:] {
		if v != a[0] {
			return false
		}
	}
	return true
}

// merge dissolves empty clusters and clusters smaller than MinClusterSize,
// smallest first, while more than MinClusters remain. Members move to their
// nearest surviving center.
func (x *ClusterIndex) merge(centers, vecs [][]float32, assign []int, report *OptimizeReport) ([][]float32, []int) {
	sizes := clusterSizes(len(centers), assign)
	order := make([]int, len(centers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return sizes[order[a]] < sizes[order[b]] })

	removed := make([]bool, len(centers))
	remaining := len(centers)
	for _, c := range order {
		if sizes[c] > 0 && (sizes[c] >= x.cfg.MinClusterSize || remaining <= x.cfg.MinClusters) {
			break
		}
		removed[c] = true
		remaining--
		if sizes[c] > 0 {
			report.Merges++
		}
	}
	if remaining == len(centers) {
		return centers, assign
	}

	kept := make([][]float32, 0, remaining)
	remap := make([]int, len(centers))
	for c, center := range centers {
		if removed[c] {
			remap[c] = -1
			continue
		}
		remap[c] = len(kept)
		kept = append(kept, center)
	}
	for i, c := range assign {
		if remap[c] >= 0 {
			assign[i] = remap[c]
			continue
		}
		assign[i], _ = nearest(kept, vecs[i])
	}
	return kept, assign
}

// quantize trains or retrains the product quantizer when its thresholds are met.
func (x *ClusterIndex) quantize(out *layout, live []*entry, vecs [][]float32, report *OptimizeReport) error {
	m := x.cfg.PQSubquantizers
	if m <= 0 {
		return nil
	}
	due := out.pq == nil && x.cfg.PQTrainThreshold > 0 && len(live) >= x.cfg.PQTrainThreshold
	if out.pq != nil && x.cfg.PQRetrainThreshold > 0 && out.sinceTrain >= uint64(x.cfg.PQRetrainThreshold) {
		due = true
	}
	if !due {
		return nil
	}
	q, err := trainQuantizer(vecs, m, x.rng)
	if err != nil {
		return err
	}
	out.pq = q
	out.sinceTrain = 0
	report.TrainedPQ = true
	return nil
}

// commit publishes the planned layout and folds in vectors inserted since the plan started.
func (x *ClusterIndex) commit(base *snapshot, p *layout, report *OptimizeReport) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	if cur.epoch != base.epoch {
		return
	}
	next := &snapshot{
		gen:        cur.gen + 1,
		epoch:      cur.epoch,
		centers:    p.centers,
		counts:     make([]int, len(p.centers)),
		members:    p.members,
		entries:    p.entries,
		pq:         p.pq,
		graph:      cur.graph,
		graphDead:  cur.graphDead,
		nextSeq:    cur.nextSeq,
		sinceTrain: p.sinceTrain + cur.sinceTrain - base.sinceTrain,
	}
	if p.pq != base.pq {
		next.sinceTrain = cur.sinceTrain - base.sinceTrain
	}
	for c, idxs := range next.members {
		next.counts[c] = len(idxs)
	}
	for _, e := range next.entries {
		if !e.slot.dead.Load() {
			next.live++
		}
	}
	fresh := sort.Search(len(cur.entries), func(i int) bool { return cur.entries[i].seq >= p.horizon })
	touched := make(map[int]bool, len(next.centers))
	for c := range next.centers {
		touched[c] = true
	}
	for _, e := range cur.entries[fresh:] {
		if e.slot.dead.Load() {
			continue
		}
		x.place(next, e, touched)
		report.Reassigned++
	}

	byID := make(map[int64]*entry, next.live)
	for _, e := range next.entries {
		if !e.slot.dead.Load() {
			byID[e.id] = e
		}
	}
	x.byID = byID
	x.snap.Store(next)
}

// scheduleGraph starts an asynchronous graph build when the index is large
// enough and the current graph is missing or has drifted from the live set.
// A graph over an index that shrank below the threshold is dropped.
func (x *ClusterIndex) scheduleGraph(report *OptimizeReport) {
	s := x.snap.Load()
	if x.cfg.GraphThreshold <= 0 || s.live < x.cfg.GraphThreshold {
		report.GraphDropped = x.dropGraph()
		return
	}
	if s.graph != nil && s.graphDrift() <= x.cfg.GraphMaxDelta/2 {
		return
	}
	if !x.building.CompareAndSwap(false, true) {
		return
	}
	report.GraphScheduled = true
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer x.building.Store(false)
		start := time.Now()
		gr := buildGraph(s.entries, s.nextSeq-1, s.pq)
		if x.closed.Load() {
			return
		}
		x.mu.Lock()
		next := *x.snap.Load()
		if next.epoch != s.epoch || next.live < x.cfg.GraphThreshold {
			x.mu.Unlock()
			return
		}
		next.graph = gr
		next.graphDead = gr.dead()
		next.gen++
		x.snap.Store(&next)
		x.mu.Unlock()
		x.logger.Debug("swapped vector graph", zap.Int("nodes", gr.len()), zap.Duration("took", time.Since(start)))
	}()
}

func (x *ClusterIndex) dropGraph() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	cur := x.snap.Load()
	if cur.graph == nil {
		return false
	}
	next := *cur
	next.graph = nil
	next.graphDead = 0
	next.gen++
	x.snap.Store(&next)
	x.logger.Debug("dropped vector graph", zap.Int("nodes", cur.graph.len()), zap.Int("live", cur.live))
	return true
}
