// Package keyword provides lexical (BM25-style) search over chunks.
package keyword

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Document is the keyword view of a chunk.
type Document struct {
	ChunkID int64
	Path    string
	Header  []string
	Content string
}

// Title is the short text a chunk is known by: its file name and heading ancestry.
func (d Document) Title() string {
	parts := Tokenize(filepath.Base(d.Path))
	for _, h := range d.Header {
		parts = append(parts, Tokenize(h)...)
	}
	return strings.Join(parts, " ")
}

// Index defines keyword search operations over chunks.
type Index interface {
	// Index adds or replaces the given chunks.
	Index(ctx context.Context, docs []Document) error
	// Search returns up to limit chunks ordered by descending score, ties by ascending chunk id.
	Search(ctx context.Context, query string, limit int) ([]Result, error)
	Delete(ctx context.Context, chunkIDs []int64) error
	// DocCount returns the total number of chunks in the index.
	DocCount() (uint64, error)
	Close() error
}

// Result is a single keyword search hit.
type Result struct {
	ChunkID int64
	Score   float64
}

// Tokenize splits text into lowercase terms on any non letter/digit rune.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}
