// Package ranking matches search queries against document paths. It decides
// how strongly a query names a file so the search engine can boost it.
package ranking

import (
	"regexp"
	"strings"
	"unicode"
)

// QueryType classifies a search query.
type QueryType int

const (
	QueryTypeSingleWord QueryType = iota
	QueryTypeMultiWord
	// QueryTypePhrase has at least one quoted phrase.
	QueryTypePhrase
	// QueryTypeWildcard contains * or ?.
	QueryTypeWildcard
	// QueryTypeBoolean has negated terms.
	QueryTypeBoolean
)

func (q QueryType) String() string {
	switch q {
	case QueryTypeSingleWord:
		return "single_word"
	case QueryTypeMultiWord:
		return "multi_word"
	case QueryTypePhrase:
		return "phrase"
	case QueryTypeWildcard:
		return "wildcard"
	case QueryTypeBoolean:
		return "boolean"
	default:
		return "unknown"
	}
}

// AnalyzedQuery is the parsed form of a query string.
type AnalyzedQuery struct {
	Original string
	// Terms are lowercased, edge-trimmed words outside quotes.
	Terms []string
	// Phrases are the lowercased contents of quoted strings.
	Phrases []string
	// NegatedTerms were written as -term.
	NegatedTerms []string
	QueryType    QueryType
	HasWildcard  bool
}

var phrasePattern = regexp.MustCompile(`["']([^"']+)["']`)

// Analyze parses query into terms, phrases and negations. Boolean operators
// (AND, OR, NOT) are dropped.
func Analyze(query string) *AnalyzedQuery {
	q := &AnalyzedQuery{
		Original:     query,
		Terms:        []string{},
		Phrases:      []string{},
		NegatedTerms: []string{},
		HasWildcard:  strings.ContainsAny(query, "*?"),
	}
	for _, m := range phrasePattern.FindAllStringSubmatch(query, -1) {
		if p := strings.TrimSpace(m[1]); p != "" {
			q.Phrases = append(q.Phrases, strings.ToLower(p))
		}
	}
	rest := phrasePattern.ReplaceAllString(query, " ")
	for _, word := range strings.Fields(rest) {
		switch {
		case strings.EqualFold(word, "AND"), strings.EqualFold(word, "OR"), strings.EqualFold(word, "NOT"):
			continue
		case strings.HasPrefix(word, "-"):
			if t := normalizeToken(word[1:]); t != "" {
				q.NegatedTerms = append(q.NegatedTerms, t)
			}
			continue
		}
		if t := normalizeToken(word); t != "" {
			q.Terms = append(q.Terms, t)
		}
	}
	q.QueryType = classify(q)
	return q
}

func classify(q *AnalyzedQuery) QueryType {
	switch {
	case q.HasWildcard:
		return QueryTypeWildcard
	case len(q.NegatedTerms) > 0:
		return QueryTypeBoolean
	case len(q.Phrases) > 0:
		return QueryTypePhrase
	case len(q.Terms) > 1:
		return QueryTypeMultiWord
	default:
		return QueryTypeSingleWord
	}
}

// normalizeToken lowercases token and strips punctuation and wildcards from
// its edges. Inner punctuation is kept.
func normalizeToken(token string) string {
	return strings.TrimFunc(strings.ToLower(token), func(r rune) bool {
		return (unicode.IsPunct(r) || r == '*' || r == '?') && r != '_'
	})
}

// Tokens returns the distinct words of the query to match against, terms first
// and then the words of each phrase. Negated terms are never included.
func (q *AnalyzedQuery) Tokens() []string {
	seen := make(map[string]bool, len(q.Terms))
	for _, n := range q.NegatedTerms {
		seen[n] = true
	}
	var out []string
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range q.Terms {
		add(t)
	}
	for _, p := range q.Phrases {
		for _, w := range strings.Fields(p) {
			add(normalizeToken(w))
		}
	}
	return out
}

// CountMatchingTerms counts the terms that occur in text, ignoring case.
func CountMatchingTerms(terms []string, text string) int {
	text = strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if strings.Contains(text, t) {
			n++
		}
	}
	return n
}

// TermsInOrder reports whether every term occurs in text, each after the
// previous one.
func TermsInOrder(terms []string, text string) bool {
	if len(terms) == 0 {
		return false
	}
	text = strings.ToLower(text)
	pos := 0
	for _, t := range terms {
		i := strings.Index(text[pos:], t)
		if i < 0 {
			return false
		}
		pos += i + len(t)
	}
	return true
}
