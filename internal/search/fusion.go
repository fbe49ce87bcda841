package search

import (
	"sort"

	"github.com/hyperjump/shirabe/internal/keyword"
	"github.com/hyperjump/shirabe/internal/vector"
)

// Candidate is a chunk that appeared in at least one retrieval list.
type Candidate struct {
	ChunkID int64
	Score   float64
	// Ranks are 1-based; zero means absent from that list.
	SemanticRank int
	KeywordRank  int
}

// Fuse combines the semantic and keyword lists by reciprocal rank fusion: each
// list a chunk appears in contributes 1/(k+rank). Raw scores are ignored, so
// the two scales never need to be comparable. The result is ordered by
// descending score, ties by ascending chunk id.
func Fuse(semantic []vector.Result, kw []keyword.Result, k float64) []*Candidate {
	byID := make(map[int64]*Candidate, len(semantic)+len(kw))
	get := func(id int64) *Candidate {
		c, ok := byID[id]
		if !ok {
			c = &Candidate{ChunkID: id}
			byID[id] = c
		}
		return c
	}
	for i, r := range semantic {
		c := get(r.ChunkID)
		if c.SemanticRank == 0 {
			c.SemanticRank = i + 1
			c.Score += 1 / (k + float64(i+1))
		}
	}
	for i, r := range kw {
		c := get(r.ChunkID)
		if c.KeywordRank == 0 {
			c.KeywordRank = i + 1
			c.Score += 1 / (k + float64(i+1))
		}
	}
	out := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

func sortCandidates(cs []*Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].ChunkID < cs[j].ChunkID
	})
}
