// Package incremental decides how much of a document must be re-embedded after it changes.
package incremental

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hyperjump/shirabe/internal/chunker"
	"github.com/hyperjump/shirabe/internal/fileid"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/storage"
)

// Kind is the reindex decision for one document.
type Kind int

const (
	// Skip means the stored document is up to date.
	Skip Kind = iota
	// Full means every chunk is embedded from scratch.
	Full
	// Differential means chunks with unchanged content keep their embeddings.
	Differential
)

func (k Kind) String() string {
	switch k {
	case Skip:
		return "skip"
	case Full:
		return "full"
	case Differential:
		return "differential"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PlannedChunk is one chunk of the new version of a document.
type PlannedChunk struct {
	chunker.Piece
	Index int
	Hash  models.Hash
	// ReuseID is the id of an existing chunk with identical content, or 0 when
	// the chunk must be embedded.
	ReuseID int64
}

// Decision describes what indexing a document requires.
type Decision struct {
	Kind Kind
	Path string
	Hash models.Hash
	// Existing is the stored document, nil for a new one.
	Existing *models.Document
	// Chunks lists every chunk of the new version in order. Empty for Skip.
	Chunks []PlannedChunk
	// Removed lists stored chunks with no counterpart in the new version,
	// ordered by chunk id.
	Removed []models.ChunkHash
}

// RemovedIDs returns the ids of Removed.
func (d *Decision) RemovedIDs() []int64 {
	ids := make([]int64, len(d.Removed))
	for i, r := range d.Removed {
		ids[i] = r.ChunkID
	}
	return ids
}

// ToEmbed returns the chunks that need a new embedding.
func (d *Decision) ToEmbed() []PlannedChunk {
	var out []PlannedChunk
	for _, c := range d.Chunks {
		if c.ReuseID == 0 {
			out = append(out, c)
		}
	}
	return out
}

// Reused returns the number of chunks kept with their existing embedding.
func (d *Decision) Reused() int {
	n := 0
	for _, c := range d.Chunks {
		if c.ReuseID != 0 {
			n++
		}
	}
	return n
}

// Store is the read side of the content store the updater consults.
type Store interface {
	GetDocumentByPath(ctx context.Context, path string) (*models.Document, error)
	ListChunkHashes(ctx context.Context, docID int64) ([]models.ChunkHash, error)
}

// Updater compares documents against their stored versions.
type Updater struct {
	store      Store
	chunkerFor func(path string) chunker.Chunker
	force      bool
}

// Option configures an Updater.
type Option func(*Updater)

// WithForce makes every stored document a Full re-embed, whether or not its
// content changed; no existing embedding is reused.
func WithForce(force bool) Option {
	return func(u *Updater) { u.force = force }
}

// WithChunker overrides chunker selection.
func WithChunker(fn func(path string) chunker.Chunker) Option {
	return func(u *Updater) { u.chunkerFor = fn }
}

// New creates an updater that chunks with chunker.ForPath(path, opts).
func New(store Store, opts chunker.Options, options ...Option) *Updater {
	u := &Updater{
		store:      store,
		chunkerFor: func(path string) chunker.Chunker { return chunker.ForPath(path, opts) },
	}
	for _, o := range options {
		o(u)
	}
	return u
}

// NeedsReindex decides how to index content for path. Unchanged content is a
// Skip, a new or forced document is Full, and changed content is diffed against the
// stored chunk hashes as a multiset: equal content is reused regardless of
// position, so the cost is proportional to the chunks that changed.
func (u *Updater) NeedsReindex(ctx context.Context, path string, content string) (*Decision, error) {
	d := &Decision{Path: path, Hash: fileid.HashString(content)}
	existing, err := u.store.GetDocumentByPath(ctx, path)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup document: %w", err)
	}
	if err == nil {
		d.Existing = existing
	}
	if d.Existing != nil && d.Existing.ContentHash == d.Hash && !u.force {
		d.Kind = Skip
		return d, nil
	}

	pieces := u.chunkerFor(path).Chunk(content)
	d.Chunks = make([]PlannedChunk, len(pieces))
	for i, p := range pieces {
		d.Chunks[i] = PlannedChunk{Piece: p, Index: i, Hash: fileid.HashString(p.Content)}
	}
	if d.Existing == nil {
		d.Kind = Full
		return d, nil
	}

	stored, err := u.store.ListChunkHashes(ctx, d.Existing.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunk hashes: %w", err)
	}
	if u.force {
		d.Kind = Full
		d.Removed = append(d.Removed, stored...)
		sortByID(d.Removed)
		return d, nil
	}

	d.Kind = Differential
	sort.Slice(stored, func(i, j int) bool { return stored[i].ChunkIndex < stored[j].ChunkIndex })
	pool := make(map[models.Hash][]models.ChunkHash, len(stored))
	for _, s := range stored {
		pool[s.ContentHash] = append(pool[s.ContentHash], s)
	}
	for i := range d.Chunks {
		avail := pool[d.Chunks[i].Hash]
		if len(avail) == 0 {
			continue
		}
		d.Chunks[i].ReuseID = avail[0].ChunkID
		pool[d.Chunks[i].Hash] = avail[1:]
	}
	for _, left := range pool {
		d.Removed = append(d.Removed, left...)
	}
	sortByID(d.Removed)
	return d, nil
}

func sortByID(hs []models.ChunkHash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].ChunkID < hs[j].ChunkID })
}
