package keyword

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"
)

var (
	bucketPostings = []byte("postings")
	bucketChunks   = []byte("chunks")
	bucketStats    = []byte("stats")
	keyCorpus      = []byte("corpus")
)

// maxTermBytes bounds posting bucket names; longer tokens are not indexed.
const maxTermBytes = 128

type chunkMeta struct {
	Length int      `json:"length"`
	Terms  []string `json:"terms"`
}

type corpusStats struct {
	Chunks      uint64 `json:"chunks"`
	TotalLength uint64 `json:"total_length"`
}

// BM25Index is a BM25 keyword index stored in bbolt. Postings live in one
// nested bucket per term, keyed by big-endian chunk id with the term frequency as value.
type BM25Index struct {
	db *bbolt.DB
	k1 float64
	b  float64
}

// NewBM25Index opens or creates the index database at path.
func NewBM25Index(path string, k1, b float64) (*BM25Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create keyword dir: %w", err)
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPostings, bucketChunks, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BM25Index{db: db, k1: k1, b: b}, nil
}

func chunkKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func readStats(tx *bbolt.Tx) (corpusStats, error) {
	var st corpusStats
	data := tx.Bucket(bucketStats).Get(keyCorpus)
	if data == nil {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode corpus stats: %w", err)
	}
	return st, nil
}

func writeStats(tx *bbolt.Tx, st corpusStats) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStats).Put(keyCorpus, data)
}

// removeChunk deletes a chunk's postings and metadata, returning its length.
func removeChunk(tx *bbolt.Tx, id int64) (int, bool, error) {
	key := chunkKey(id)
	data := tx.Bucket(bucketChunks).Get(key)
	if data == nil {
		return 0, false, nil
	}
	var meta chunkMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return 0, false, fmt.Errorf("decode chunk %d: %w", id, err)
	}
	postings := tx.Bucket(bucketPostings)
	for _, term := range meta.Terms {
		tb := postings.Bucket([]byte(term))
		if tb == nil {
			continue
		}
		if err := tb.Delete(key); err != nil {
			return 0, false, err
		}
		if k, _ := tb.Cursor().First(); k == nil {
			if err := postings.DeleteBucket([]byte(term)); err != nil {
				return 0, false, err
			}
		}
	}
	if err := tx.Bucket(bucketChunks).Delete(key); err != nil {
		return 0, false, err
	}
	return meta.Length, true, nil
}

// Index adds or replaces chunks in one transaction.
func (x *BM25Index) Index(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return x.db.Update(func(tx *bbolt.Tx) error {
		st, err := readStats(tx)
		if err != nil {
			return err
		}
		postings := tx.Bucket(bucketPostings)
		for _, d := range docs {
			if length, ok, err := removeChunk(tx, d.ChunkID); err != nil {
				return err
			} else if ok {
				st.Chunks--
				st.TotalLength -= uint64(length)
			}
			tokens := append(Tokenize(d.Title()), Tokenize(d.Content)...)
			tf := make(map[string]uint64)
			for _, t := range tokens {
				if len(t) <= maxTermBytes {
					tf[t]++
				}
			}
			meta := chunkMeta{Length: len(tokens), Terms: make([]string, 0, len(tf))}
			key := chunkKey(d.ChunkID)
			for term, n := range tf {
				tb, err := postings.CreateBucketIfNotExists([]byte(term))
				if err != nil {
					return fmt.Errorf("posting bucket %q: %w", term, err)
				}
				if err := tb.Put(key, binary.AppendUvarint(nil, n)); err != nil {
					return err
				}
				meta.Terms = append(meta.Terms, term)
			}
			data, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketChunks).Put(key, data); err != nil {
				return err
			}
			st.Chunks++
			st.TotalLength += uint64(meta.Length)
		}
		return writeStats(tx, st)
	})
}

// Delete removes chunks from the index. Unknown ids are ignored.
func (x *BM25Index) Delete(ctx context.Context, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bbolt.Tx) error {
		st, err := readStats(tx)
		if err != nil {
			return err
		}
		for _, id := range chunkIDs {
			length, ok, err := removeChunk(tx, id)
			if err != nil {
				return err
			}
			if ok {
				st.Chunks--
				st.TotalLength -= uint64(length)
			}
		}
		return writeStats(tx, st)
	})
}

// Search scores chunks with Okapi BM25 over the distinct query terms.
func (x *BM25Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	terms := Tokenize(query)
	if limit <= 0 || len(terms) == 0 {
		return nil, nil
	}
	scores := make(map[int64]float64)
	err := x.db.View(func(tx *bbolt.Tx) error {
		st, err := readStats(tx)
		if err != nil || st.Chunks == 0 {
			return err
		}
		n := float64(st.Chunks)
		avgLen := float64(st.TotalLength) / n
		postings := tx.Bucket(bucketPostings)
		chunks := tx.Bucket(bucketChunks)
		lengths := make(map[int64]float64)
		seen := make(map[string]bool, len(terms))
		for _, term := range terms {
			if seen[term] {
				continue
			}
			seen[term] = true
			if err := ctx.Err(); err != nil {
				return err
			}
			tb := postings.Bucket([]byte(term))
			if tb == nil {
				continue
			}
			type posting struct {
				id int64
				tf float64
			}
			var list []posting
			if err := tb.ForEach(func(k, v []byte) error {
				tf, _ := binary.Uvarint(v)
				list = append(list, posting{id: int64(binary.BigEndian.Uint64(k)), tf: float64(tf)})
				return nil
			}); err != nil {
				return err
			}
			df := float64(len(list))
			idf := math.Log((n-df+0.5)/(df+0.5) + 1)
			for _, p := range list {
				dl, ok := lengths[p.id]
				if !ok {
					var meta chunkMeta
					if data := chunks.Get(chunkKey(p.id)); data != nil {
						if err := json.Unmarshal(data, &meta); err != nil {
							return fmt.Errorf("decode chunk %d: %w", p.id, err)
						}
					}
					dl = float64(meta.Length)
					lengths[p.id] = dl
				}
				norm := x.k1 * (1 - x.b + x.b*dl/avgLen)
				scores[p.id] += idf * p.tf * (x.k1 + 1) / (p.tf + norm)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	out := make([]Result, 0, len(scores))
	for id, s := range scores {
		out = append(out, Result{ChunkID: id, Score: s})
	}
	sortResults(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DocCount returns the number of indexed chunks.
func (x *BM25Index) DocCount() (uint64, error) {
	var st corpusStats
	err := x.db.View(func(tx *bbolt.Tx) error {
		var err error
		st, err = readStats(tx)
		return err
	})
	return st.Chunks, err
}

// Close closes the database.
func (x *BM25Index) Close() error {
	return x.db.Close()
}
