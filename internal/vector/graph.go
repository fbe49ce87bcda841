package vector

import (
	"bytes"
	"fmt"

	"github.com/coder/hnsw"
)

const graphEfSearch = 64

// graph is an immutable HNSW graph over the entries that were live when it was built.
// Node keys index into entries, so a graph survives compaction of the cluster arena.
type graph struct {
	g       *hnsw.Graph[int32]
	entries []*entry
	// seq is the highest entry sequence number considered by the build.
	seq uint64
}

func newHNSW() *hnsw.Graph[int32] {
	g := hnsw.NewGraph[int32]()
	g.Distance = hnsw.CosineDistance
	g.EfSearch = graphEfSearch
	return g
}

// buildGraph inserts every live entry with sequence number <= seq.
func buildGraph(entries []*entry, seq uint64, pq *quantizer) *graph {
	gr := &graph{g: newHNSW(), seq: seq}
	for _, e := range entries {
		if e.seq > seq || e.slot.dead.Load() {
			continue
		}
		key := int32(len(gr.entries))
		gr.entries = append(gr.entries, e)
		gr.g.Add(hnsw.MakeNode(key, e.vector(pq)))
	}
	return gr
}

func (gr *graph) len() int { return len(gr.entries) }

// dead counts nodes whose entry has been removed.
func (gr *graph) dead() int {
	n := 0
	for _, e := range gr.entries {
		if e.slot.dead.Load() {
			n++
		}
	}
	return n
}

// search returns candidates with their stored vectors; dead entries are skipped.
func (gr *graph) search(q []float32, n int, visit func(e *entry, v []float32)) {
	if gr.g.Len() == 0 {
		return
	}
	for _, node := range gr.g.Search(q, n) {
		e := gr.entries[node.Key]
		if e.slot.dead.Load() {
			continue
		}
		visit(e, node.Value)
	}
}

// export serializes the graph structure. Keys are written as chunk ids so the
// mapping can be restored against freshly loaded entries.
func (gr *graph) export() ([]int64, []byte, error) {
	ids := make([]int64, len(gr.entries))
	for i, e := range gr.entries {
		ids[i] = e.id
	}
	var buf bytes.Buffer
	if err := gr.g.Export(&buf); err != nil {
		return nil, nil, fmt.Errorf("export graph: %w", err)
	}
	return ids, buf.Bytes(), nil
}

// importGraph rebuilds a graph from an export, resolving chunk ids through lookup.
func importGraph(ids []int64, blob []byte, seq uint64, lookup func(int64) *entry) (*graph, error) {
	gr := &graph{g: newHNSW(), seq: seq, entries: make([]*entry, len(ids))}
	for i, id := range ids {
		gr.entries[i] = lookup(id)
	}
	if err := gr.g.Import(bytes.NewReader(blob)); err != nil {
		return nil, fmt.Errorf("import graph: %w", err)
	}
	if gr.g.Len() != len(ids) {
		return nil, fmt.Errorf("import graph: %d nodes for %d ids", gr.g.Len(), len(ids))
	}
	return gr, nil
}
