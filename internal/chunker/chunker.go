// Package chunker splits document text into ordered, embeddable pieces.
package chunker

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Piece is one chunk of a document. Start and End are byte offsets into the chunked text.
type Piece struct {
	Content       string
	HeaderContext []string
	Start         int
	End           int
}

// Chunker splits text into pieces in document order.
type Chunker interface {
	Chunk(text string) []Piece
}

// Options bounds chunk size in words.
type Options struct {
	MaxWords int
	Overlap  int
}

func (o Options) normalized() Options {
	if o.MaxWords <= 0 {
		o.MaxWords = 200
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxWords {
		o.Overlap = 0
	}
	return o
}

// ForPath picks the Markdown chunker for Markdown files and word windows for everything else.
func ForPath(path string, opts Options) Chunker {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".mdx":
		return NewMarkdown(opts)
	default:
		return NewWindow(opts)
	}
}

// Window splits text into overlapping word windows.
type Window struct {
	opts Options
}

// NewWindow creates a word-window chunker.
func NewWindow(opts Options) *Window {
	return &Window{opts: opts.normalized()}
}

// Chunk implements Chunker.
func (w *Window) Chunk(text string) []Piece {
	var pieces []Piece
	for _, s := range windows(wordSpans(text, 0, len(text)), w.opts.MaxWords, w.opts.Overlap) {
		pieces = append(pieces, Piece{Content: text[s.start:s.end], Start: s.start, End: s.end})
	}
	return pieces
}

type span struct {
	start, end int
}

// wordSpans returns byte spans of whitespace-separated words in text[from:to].
func wordSpans(text string, from, to int) []span {
	var spans []span
	start := -1
	for i := from; i < to; {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
		i += size
	}
	if start >= 0 {
		spans = append(spans, span{start, to})
	}
	return spans
}

// windows groups word spans into windows of at most max words sharing overlap words.
func windows(words []span, max, overlap int) []span {
	if len(words) == 0 {
		return nil
	}
	step := max - overlap
	if step <= 0 {
		step = 1
	}
	var out []span
	for i := 0; i < len(words); i += step {
		end := min(i+max, len(words))
		out = append(out, span{words[i].start, words[end-1].end})
		if end == len(words) {
			break
		}
	}
	return out
}
