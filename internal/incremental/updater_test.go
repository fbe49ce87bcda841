package incremental

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hyperjump/shirabe/internal/chunker"
	"github.com/hyperjump/shirabe/internal/fileid"
	"github.com/hyperjump/shirabe/internal/models"
	"github.com/hyperjump/shirabe/internal/storage"
)

type fakeStore struct {
	docs   map[string]*models.Document
	hashes map[int64][]models.ChunkHash
	err    error
}

func (f *fakeStore) GetDocumentByPath(ctx context.Context, path string) (*models.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	if d, ok := f.docs[path]; ok {
		return d, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) ListChunkHashes(ctx context.Context, docID int64) ([]models.ChunkHash, error) {
	return f.hashes[docID], nil
}

// lines chunks one piece per non-empty line.
type lines struct{}

func (lines) Chunk(text string) []chunker.Piece {
	var out []chunker.Piece
	off := 0
	for _, l := range strings.Split(text, "\n") {
		if l != "" {
			out = append(out, chunker.Piece{Content: l, Start: off, End: off + len(l)})
		}
		off += len(l) + 1
	}
	return out
}

// stored registers content under path as if it had been indexed, with chunk ids from firstID.
func (f *fakeStore) stored(path, content string, docID, firstID int64) {
	f.docs[path] = &models.Document{ID: docID, Path: path, ContentHash: fileid.HashString(content)}
	for i, p := range (lines{}).Chunk(content) {
		f.hashes[docID] = append(f.hashes[docID], models.ChunkHash{
			ChunkID: firstID + int64(i), ChunkIndex: i, ContentHash: fileid.HashString(p.Content),
		})
	}
}

func newUpdater(store Store, opts ...Option) *Updater {
	opts = append([]Option{WithChunker(func(string) chunker.Chunker { return lines{} })}, opts...)
	return New(store, chunker.Options{}, opts...)
}

func newFake() *fakeStore {
	return &fakeStore{docs: map[string]*models.Document{}, hashes: map[int64][]models.ChunkHash{}}
}

func TestNeedsReindex(t *testing.T) {
	const original = "alpha\nbeta\ngamma\nbeta"
	tests := []struct {
		name        string
		content     string
		force       bool
		wantKind    Kind
		wantEmbed   []string
		wantReused  int
		wantRemoved []int64
	}{
		{"unchanged", original, false, Skip, nil, 0, nil},
		{"forced unchanged", original, true, Full, []string{"alpha", "beta", "gamma", "beta"}, 0, []int64{10, 11, 12, 13}},
		{"one chunk edited", "alpha\nbeta\nGAMMA\nbeta", false, Differential, []string{"GAMMA"}, 3, []int64{12}},
		{"forced edited", "alpha\nbeta\nGAMMA\nbeta", true, Full, []string{"alpha", "beta", "GAMMA", "beta"}, 0, []int64{10, 11, 12, 13}},
		{"reordered", "gamma\nbeta\nalpha\nbeta", false, Differential, nil, 4, nil},
		{"duplicate dropped", "alpha\nbeta\ngamma", false, Differential, nil, 3, []int64{13}},
		{"duplicate added", original + "\nbeta", false, Differential, []string{"beta"}, 4, nil},
		{"all replaced", "one\ntwo", false, Differential, []string{"one", "two"}, 0, []int64{10, 11, 12, 13}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFake()
			store.stored("/a.txt", original, 1, 10)
			d, err := newUpdater(store, WithForce(tt.force)).NeedsReindex(context.Background(), "/a.txt", tt.content)
			if err != nil {
				t.Fatal(err)
			}
			if d.Kind != tt.wantKind {
				t.Fatalf("Kind = %v, want %v", d.Kind, tt.wantKind)
			}
			var embed []string
			for _, c := range d.ToEmbed() {
				embed = append(embed, c.Content)
			}
			if strings.Join(embed, ",") != strings.Join(tt.wantEmbed, ",") {
				t.Errorf("ToEmbed = %v, want %v", embed, tt.wantEmbed)
			}
			if d.Reused() != tt.wantReused {
				t.Errorf("Reused = %d, want %d", d.Reused(), tt.wantReused)
			}
			removed := d.RemovedIDs()
			if len(removed) != len(tt.wantRemoved) {
				t.Fatalf("Removed = %v, want %v", removed, tt.wantRemoved)
			}
			for i := range removed {
				if removed[i] != tt.wantRemoved[i] {
					t.Errorf("Removed = %v, want %v", removed, tt.wantRemoved)
				}
			}
		})
	}
}

func TestNeedsReindex_ReuseKeepsPositionalOrder(t *testing.T) {
	store := newFake()
	store.stored("/a.txt", "x\ny\nx", 1, 100)
	d, err := newUpdater(store).NeedsReindex(context.Background(), "/a.txt", "x\nz\nx")
	if err != nil {
		t.Fatal(err)
	}
	// Equal content is matched to stored chunks in their original order.
	if d.Chunks[0].ReuseID != 100 || d.Chunks[2].ReuseID != 102 {
		t.Errorf("reuse ids = %d, %d", d.Chunks[0].ReuseID, d.Chunks[2].ReuseID)
	}
	if d.Chunks[1].ReuseID != 0 || d.Chunks[1].Index != 1 {
		t.Errorf("new chunk = %+v", d.Chunks[1])
	}
	if len(d.Removed) != 1 || d.Removed[0].ChunkID != 101 {
		t.Errorf("Removed = %v", d.Removed)
	}
}

func TestNeedsReindex_NewDocument(t *testing.T) {
	d, err := newUpdater(newFake()).NeedsReindex(context.Background(), "/new.txt", "a\nb")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != Full || d.Existing != nil || len(d.ToEmbed()) != 2 {
		t.Errorf("decision = %+v", d)
	}
	if d.Hash != fileid.HashString("a\nb") {
		t.Error("document hash not set")
	}
}

func TestNeedsReindex_StoreError(t *testing.T) {
	boom := errors.New("disk on fire")
	store := newFake()
	store.err = boom
	if _, err := newUpdater(store).NeedsReindex(context.Background(), "/a", "x"); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestKindString(t *testing.T) {
	if Skip.String() != "skip" || Full.String() != "full" || Differential.String() != "differential" {
		t.Error("unexpected kind names")
	}
}
