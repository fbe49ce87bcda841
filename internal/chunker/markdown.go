package chunker

import (
	"strings"
)

// Markdown groups paragraphs under their heading ancestry. Fenced code blocks and
// tables are never split, even when they exceed the word budget.
type Markdown struct {
	opts Options
}

// NewMarkdown creates a Markdown-aware chunker.
func NewMarkdown(opts Options) *Markdown {
	return &Markdown{opts: opts.normalized()}
}

type block struct {
	start, end int
	words      int
	atomic     bool
	level      int // heading level, 0 for body blocks
}

// Chunk implements Chunker.
func (m *Markdown) Chunk(text string) []Piece {
	blocks := parseBlocks(text)

	var (
		pieces  []Piece
		group   []block
		words   int
		header  []string
		levels  []int
		headers []string
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		start, end := group[0].start, group[len(group)-1].end
		pieces = append(pieces, Piece{
			Content:       text[start:end],
			HeaderContext: header,
			Start:         start,
			End:           end,
		})
		group, words = nil, 0
	}
	headingOnly := func() bool {
		return len(group) == 1 && group[0].level > 0
	}

	for _, b := range blocks {
		switch {
		case b.level > 0:
			flush()
			for len(levels) > 0 && levels[len(levels)-1] >= b.level {
				levels = levels[:len(levels)-1]
				headers = headers[:len(headers)-1]
			}
			levels = append(levels, b.level)
			headers = append(headers, strings.TrimSpace(text[b.start:b.end]))
			header = append([]string(nil), headers...)
			group, words = []block{b}, b.words

		case !b.atomic && b.words > m.opts.MaxWords:
			prefix := -1
			if headingOnly() {
				prefix = group[0].start
				group, words = nil, 0
			} else {
				flush()
			}
			for i, w := range windows(wordSpans(text, b.start, b.end), m.opts.MaxWords, m.opts.Overlap) {
				start := w.start
				if i == 0 && prefix >= 0 {
					start = prefix
				}
				pieces = append(pieces, Piece{Content: text[start:w.end], HeaderContext: header, Start: start, End: w.end})
			}

		default:
			if len(group) > 0 && words+b.words > m.opts.MaxWords && !headingOnly() {
				flush()
			}
			group = append(group, b)
			words += b.words
		}
	}
	flush()
	return pieces
}

// parseBlocks splits text into headings, paragraphs, fenced code blocks, and tables.
func parseBlocks(text string) []block {
	var blocks []block
	add := func(start, end int, atomic bool, level int) {
		if end <= start {
			return
		}
		blocks = append(blocks, block{
			start:  start,
			end:    end,
			words:  len(strings.Fields(text[start:end])),
			atomic: atomic,
			level:  level,
		})
	}

	paraStart, paraEnd := -1, -1
	tableStart, tableEnd := -1, -1
	fenceStart := -1
	var fenceChar byte
	var fenceLen int

	flushPara := func() {
		if paraStart >= 0 {
			add(paraStart, paraEnd, false, 0)
			paraStart = -1
		}
	}
	flushTable := func() {
		if tableStart >= 0 {
			add(tableStart, tableEnd, true, 0)
			tableStart = -1
		}
	}

	for pos := 0; pos < len(text); {
		nl := strings.IndexByte(text[pos:], '\n')
		lineEnd, next := len(text), len(text)
		if nl >= 0 {
			lineEnd, next = pos+nl, pos+nl+1
		}
		line := strings.TrimRight(text[pos:lineEnd], "\r")
		trimmed := strings.TrimSpace(line)
		start := pos
		pos = next

		if fenceStart >= 0 {
			if c, n := fence(trimmed); c == fenceChar && n >= fenceLen && strings.Trim(trimmed, string(c)) == "" {
				add(fenceStart, lineEnd, true, 0)
				fenceStart = -1
			}
			continue
		}
		if c, n := fence(trimmed); n > 0 {
			flushPara()
			flushTable()
			fenceStart, fenceChar, fenceLen = start, c, n
			continue
		}
		if strings.HasPrefix(trimmed, "|") {
			flushPara()
			if tableStart < 0 {
				tableStart = start
			}
			tableEnd = lineEnd
			continue
		}
		flushTable()
		if level := headingLevel(trimmed); level > 0 {
			flushPara()
			add(start, lineEnd, false, level)
			continue
		}
		if trimmed == "" {
			flushPara()
			continue
		}
		if paraStart < 0 {
			paraStart = start
		}
		paraEnd = lineEnd
	}
	if fenceStart >= 0 {
		// unterminated fence runs to end of document
		add(fenceStart, len(text), true, 0)
	}
	flushPara()
	flushTable()
	return blocks
}

// fence returns the fence character and run length when line opens or closes a code fence.
func fence(line string) (byte, int) {
	if len(line) < 3 || (line[0] != '`' && line[0] != '~') {
		return 0, 0
	}
	c := line[0]
	n := 0
	for n < len(line) && line[n] == c {
		n++
	}
	if n < 3 {
		return 0, 0
	}
	return c, n
}

func headingLevel(line string) int {
	n := 0
	for n < len(line) && line[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n == len(line) || (line[n] != ' ' && line[n] != '\t') {
		return 0
	}
	return n
}
