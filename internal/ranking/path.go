package ranking

import (
	"path/filepath"
	"strings"
)

// MatchType describes how a query matched a path.
type MatchType int

const (
	MatchTypeNone MatchType = iota
	// MatchTypeDirectory means only parent directory names matched.
	MatchTypeDirectory
	// MatchTypePartial means some query words matched the file name.
	MatchTypePartial
	// MatchTypeAllWords means every query word matched the file name.
	MatchTypeAllWords
	// MatchTypePhrase means a phrase or all words in order matched the file name.
	MatchTypePhrase
	// MatchTypeExact means the file name without extension equals the query.
	MatchTypeExact
)

func (m MatchType) String() string {
	switch m {
	case MatchTypeNone:
		return "none"
	case MatchTypeDirectory:
		return "directory"
	case MatchTypePartial:
		return "partial"
	case MatchTypeAllWords:
		return "all_words"
	case MatchTypePhrase:
		return "phrase"
	case MatchTypeExact:
		return "exact"
	default:
		return "unknown"
	}
}

const (
	// maxDirComponents bounds how many parent directories take part in matching,
	// counted from the file upwards.
	maxDirComponents = 3
	// dirWeight is the credit for a word found only in a directory name.
	dirWeight = 0.5
	// minSubstring is the shortest word allowed to match inside a longer one.
	minSubstring = 3
)

// Match is the result of matching a query against one path.
type Match struct {
	// Ratio is in [0, 1]; 0 means no match.
	Ratio   float64
	Type    MatchType
	Matched []string
}

// MatchPath measures how well q names the file at path. Every query word found
// in the file name earns full credit, a word found only in one of the nearest
// parent directories earns half. An exact name or a phrase found in the file
// name is a full match.
func MatchPath(q *AnalyzedQuery, path string) Match {
	tokens := q.Tokens()
	if len(tokens) == 0 {
		return Match{}
	}
	base := filepath.Base(path)
	name := NormalizeFilename(base)
	nameWords := strings.Fields(name)
	ext := ExtractExtension(base)

	if name != "" && (name == strings.Join(tokens, " ") || compact(name) == compact(strings.Join(tokens, ""))) {
		return Match{Ratio: 1, Type: MatchTypeExact, Matched: tokens}
	}
	for _, p := range q.Phrases {
		if strings.Contains(name, p) {
			return Match{Ratio: 1, Type: MatchTypePhrase, Matched: tokens}
		}
	}

	var dirWords []string
	for _, c := range lastN(ExtractPathComponents(path), maxDirComponents) {
		dirWords = append(dirWords, strings.Fields(splitWords(c))...)
	}

	m := Match{}
	credit, inName := 0.0, 0
	for _, t := range tokens {
		switch {
		case wordMatch(t, nameWords) || ext != "" && t == ext:
			credit++
			inName++
			m.Matched = append(m.Matched, t)
		case wordMatch(t, dirWords):
			credit += dirWeight
			m.Matched = append(m.Matched, t)
		}
	}
	if credit == 0 {
		return Match{}
	}
	m.Ratio = credit / float64(len(tokens))
	switch {
	case inName == len(tokens) && TermsInOrder(tokens, name):
		m.Type = MatchTypePhrase
	case inName == len(tokens):
		m.Type = MatchTypeAllWords
	case inName > 0:
		m.Type = MatchTypePartial
	default:
		m.Type = MatchTypeDirectory
	}
	return m
}

// Boost turns a match ratio into a score multiplier in [1, maxBoost]. A ratio
// of zero, or a maxBoost not above 1, gives exactly 1.
func Boost(ratio, maxBoost float64) float64 {
	if ratio <= 0 || maxBoost <= 1 {
		return 1
	}
	return 1 + (maxBoost-1)*min(ratio, 1)
}

// wordMatch reports whether t equals one of words or, when t is long enough,
// occurs inside one.
func wordMatch(t string, words []string) bool {
	for _, w := range words {
		if w == t || len(t) >= minSubstring && strings.Contains(w, t) {
			return true
		}
	}
	return false
}

func compact(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s)
}

func lastN(s []string, n int) []string {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}

// NormalizeFilename drops the extension, turns separators into spaces and
// splits camelCase, returning lowercase words separated by single spaces.
func NormalizeFilename(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		filename = filename[:i]
	}
	return splitWords(filename)
}

func splitWords(s string) string {
	var b strings.Builder
	var prev rune
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			b.WriteByte(' ')
		case r >= 'A' && r <= 'Z' && prev >= 'a' && prev <= 'z':
			b.WriteByte(' ')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return strings.Join(strings.Fields(strings.ToLower(b.String())), " ")
}

// ExtractExtension returns the lowercased extension of filename without the dot.
func ExtractExtension(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		return strings.ToLower(filename[i+1:])
	}
	return ""
}

// ExtractPathComponents returns the directory names of path from the root
// down, excluding the file name.
func ExtractPathComponents(path string) []string {
	dir := filepath.Dir(filepath.Clean(path))
	var out []string
	for dir != "" && dir != "." && dir != string(filepath.Separator) {
		out = append(out, filepath.Base(dir))
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
