package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "..."

// Highlight returns at most maxLen bytes of content (plus ellipses) around the
// first occurrence of any term, cut at word boundaries. Without a match it
// returns the start of content. Whitespace runs are collapsed.
func Highlight(content string, terms []string, maxLen int) string {
	content = strings.Join(strings.Fields(content), " ")
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	lower := strings.ToLower(content)
	hit := -1
	for _, t := range terms {
		if t == "" {
			continue
		}
		if i := strings.Index(lower, strings.ToLower(t)); i >= 0 && (hit < 0 || i < hit) {
			hit = i
		}
	}
	start := 0
	if hit > maxLen/3 {
		start = hit - maxLen/3
	}
	end := min(start+maxLen, len(content))
	if end == len(content) {
		start = max(end-maxLen, 0)
	}
	start = wordStart(content, start)
	end = wordEnd(content, end)

	var b strings.Builder
	if start > 0 {
		b.WriteString(ellipsis)
	}
	b.WriteString(strings.TrimSpace(content[start:end]))
	if end < len(content) {
		b.WriteString(ellipsis)
	}
	return b.String()
}

// wordStart moves i forward to the start of the next word unless it already
// begins one.
func wordStart(s string, i int) int {
	if i <= 0 {
		return 0
	}
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	prev, _ := utf8.DecodeLastRuneInString(s[:i])
	if unicode.IsSpace(prev) {
		return i
	}
	if j := strings.IndexByte(s[i:], ' '); j >= 0 {
		return i + j + 1
	}
	return i
}

// wordEnd moves i back to the end of the previous word unless it already ends one.
func wordEnd(s string, i int) int {
	if i >= len(s) {
		return len(s)
	}
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	if s[i] == ' ' {
		return i
	}
	if j := strings.LastIndexByte(s[:i], ' '); j > 0 {
		return j
	}
	return i
}
