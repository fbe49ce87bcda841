package vector

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"math"
	"os"
	"path/filepath"
)

// On-disk layout, little-endian:
//
//	magic[8] version:u32 kind:u8 dims:u32 nextSeq:u64 sinceTrain:u64
//	hasPQ:u8 [m:u32 k:u32 sub:u32 codebooks:f32*m*k*sub]
//	centers:u32 [f32*dims]...
//	entries:u32 [id:i64 seq:u64 cluster:i32 enc:u8 payload]...
//	  payload is f32*dims (raw), u8*m (code) or both, raw first
//	hasGraph:u8 [seq:u64 n:u32 ids:i64*n blob:u32+bytes]
//	crc32(IEEE of everything above):u32
const (
	formatVersion uint32 = 1

	kindCluster byte = 1
	kindFlat    byte = 2

	encRaw  byte = 0
	encCode byte = 1
	encBoth byte = 2

	// deadKey marks graph nodes whose entry was removed before the save.
	deadKey int64 = -1
)

var magic = [8]byte{'S', 'H', 'R', 'B', 'V', 'E', 'C', 0}

// state is the serializable form shared by every index type.
type state struct {
	kind       byte
	dims       int
	nextSeq    uint64
	sinceTrain uint64
	pq         *quantizer
	centers    [][]float32
	entries    []*entry
	clusters   []int32
	graph      *graph
	// graphIDs and graphBlob are set by decode; encode exports graph instead.
	graphSeq  uint64
	graphIDs  []int64
	graphBlob []byte
}

func encodeState(st *state) ([]byte, error) {
	var buf bytes.Buffer
	w := func(v any) {
		_ = binary.Write(&buf, binary.LittleEndian, v)
	}
	buf.Write(magic[:])
	w(formatVersion)
	w(st.kind)
	w(uint32(st.dims))
	w(st.nextSeq)
	w(st.sinceTrain)
	if st.pq != nil {
		w(byte(1))
		w(uint32(st.pq.m))
		w(uint32(st.pq.k))
		w(uint32(st.pq.sub))
		for _, book := range st.pq.codebooks {
			w(book)
		}
	} else {
		w(byte(0))
	}
	w(uint32(len(st.centers)))
	for _, c := range st.centers {
		w(c)
	}
	w(uint32(len(st.entries)))
	for i, e := range st.entries {
		w(e.id)
		w(e.seq)
		w(st.clusters[i])
		switch {
		case e.raw != nil && e.code != nil:
			w(encBoth)
			w(e.raw)
			buf.Write(e.code)
		case e.raw != nil:
			w(encRaw)
			w(e.raw)
		default:
			w(encCode)
			buf.Write(e.code)
		}
	}
	if st.graph != nil {
		ids, blob, err := st.graph.export()
		if err != nil {
			return nil, err
		}
		for i, e := range st.graph.entries {
			if e.slot.dead.Load() {
				ids[i] = deadKey
			}
		}
		w(byte(1))
		w(st.graph.seq)
		w(uint32(len(ids)))
		w(ids)
		w(uint32(len(blob)))
		buf.Write(blob)
	} else {
		w(byte(0))
	}
	w(crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

// reader decodes fields sequentially and latches the first error.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b)-r.off {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrCorrupt, r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads a length prefix and rejects values that cannot fit in the remaining input.
func (r *reader) count(minSize int) int {
	n := int(r.u32())
	if r.err == nil && minSize > 0 && n > (len(r.b)-r.off)/minSize {
		r.err = fmt.Errorf("%w: count %d exceeds input", ErrCorrupt, n)
		return 0
	}
	return n
}

func (r *reader) floats(n int) []float32 {
	b := r.take(n * 4)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func decodeState(data []byte) (*state, error) {
	if len(data) < len(magic)+8 || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	r := &reader{b: data, off: len(magic)}
	if v := r.u32(); v != formatVersion {
		return nil, fmt.Errorf("%w: file version %d, supported %d", ErrVersionMismatch, v, formatVersion)
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	r.b = body

	st := &state{kind: r.u8(), dims: int(r.u32()), nextSeq: r.u64(), sinceTrain: r.u64()}
	if r.err == nil && st.dims <= 0 {
		return nil, fmt.Errorf("%w: dimensions %d", ErrCorrupt, st.dims)
	}
	if r.u8() == 1 {
		q := &quantizer{m: int(r.u32()), k: int(r.u32()), sub: int(r.u32())}
		if r.err == nil && (q.m*q.sub != st.dims || q.k <= 0 || q.k > pqCentroids) {
			return nil, fmt.Errorf("%w: quantizer shape %dx%dx%d", ErrCorrupt, q.m, q.k, q.sub)
		}
		q.codebooks = make([][]float32, q.m)
		for j := range q.codebooks {
			q.codebooks[j] = r.floats(q.k * q.sub)
		}
		st.pq = q
	}
	nc := r.count(st.dims * 4)
	st.centers = make([][]float32, nc)
	for i := range st.centers {
		st.centers[i] = r.floats(st.dims)
	}
	ne := r.count(21)
	st.entries = make([]*entry, 0, ne)
	st.clusters = make([]int32, 0, ne)
	for i := 0; i < ne && r.err == nil; i++ {
		e := &entry{id: int64(r.u64()), seq: r.u64(), slot: &slot{}}
		cluster := int32(r.u32())
		switch enc := r.u8(); enc {
		case encRaw:
			e.raw = r.floats(st.dims)
		case encCode, encBoth:
			if st.pq == nil {
				return nil, fmt.Errorf("%w: coded entry without quantizer", ErrCorrupt)
			}
			if enc == encBoth {
				e.raw = r.floats(st.dims)
			}
			e.code = append([]byte(nil), r.take(st.pq.m)...)
		default:
			return nil, fmt.Errorf("%w: entry encoding", ErrCorrupt)
		}
		if r.err == nil && (cluster < -1 || int(cluster) >= nc) {
			return nil, fmt.Errorf("%w: entry %d in cluster %d of %d", ErrCorrupt, e.id, cluster, nc)
		}
		st.entries = append(st.entries, e)
		st.clusters = append(st.clusters, cluster)
	}
	if r.u8() == 1 {
		st.graphSeq = r.u64()
		n := r.count(8)
		st.graphIDs = make([]int64, n)
		for i := range st.graphIDs {
			st.graphIDs[i] = int64(r.u64())
		}
		st.graphBlob = r.take(r.count(1))
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(body)-r.off)
	}
	return st, nil
}

// writeFileAtomic writes data to a temp file in the target directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync index: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// readState loads and decodes path. A missing file returns (nil, nil).
func readState(path string, kind byte, dims int) (*state, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	st, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	if st.kind != kind {
		return nil, fmt.Errorf("%w: index kind %d, expected %d", ErrVersionMismatch, st.kind, kind)
	}
	if st.dims != dims {
		return nil, fmt.Errorf("%w: file has %d dimensions, index has %d", ErrDimensionMismatch, st.dims, dims)
	}
	return st, nil
}
