// Package cli renders search results, index reports and status for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/shirabe/internal/models"
)

const compactSnippetLen = 80

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact SearchOutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// ParseFormat maps a flag value to a format. Unknown values are an error.
func ParseFormat(s string) (SearchOutputFormat, error) {
	switch f := SearchOutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, compact or json)", s)
	}
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		for i, r := range response.Results {
			fmt.Fprintf(w, "%2d. %.4f  %s%s  %s\n", i+1, r.Score, r.DocumentPath, headerSuffix(r.HeaderContext),
				Truncate(r.Snippet, compactSnippetLen))
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms", len(response.Results), response.QueryTime)
	if response.Degraded {
		fmt.Fprint(w, " (degraded: one retrieval path was unavailable)")
	}
	fmt.Fprint(w, "\n\n")
	for i, r := range response.Results {
		writeOneResult(w, i+1, r)
	}
}

func writeOneResult(w io.Writer, rank int, r *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "#%d  Score: %.4f  (semantic %s, keyword %s", rank, r.Score, rankLabel(r.SemanticRank), rankLabel(r.KeywordRank))
	if r.Boost > 1 {
		fmt.Fprintf(w, ", boost x%.2f", r.Boost)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "%s%s\n", r.DocumentPath, headerSuffix(r.HeaderContext))
	fmt.Fprintf(w, "\n%s\n\n", r.Snippet)
}

func rankLabel(rank int) string {
	if rank == 0 {
		return "-"
	}
	return fmt.Sprintf("#%d", rank)
}

func headerSuffix(headers []string) string {
	if len(headers) == 0 {
		return ""
	}
	return " > " + strings.Join(headers, " > ")
}

// WriteIndexReport prints a run summary and up to maxErrors per-file errors.
func WriteIndexReport(w io.Writer, rep *models.IndexReport, maxErrors int) {
	fmt.Fprintf(w, "Indexed %d, skipped %d, failed %d, deleted %d in %s\n",
		rep.Indexed, rep.Skipped, rep.Failed, rep.Deleted, rep.Duration.Round(1e6))
	fmt.Fprintf(w, "Chunks: %d written, %d reused, %d removed, %d embeddings deduplicated\n",
		rep.ChunksWritten, rep.ChunksReused, rep.ChunksRemoved, rep.EmbeddingsDeduped)
	if rep.BatchFailures > 0 {
		fmt.Fprintf(w, "Batch failures: %d\n", rep.BatchFailures)
	}
	if rep.Cancelled {
		fmt.Fprintln(w, "Run cancelled; committed batches were kept")
	}
	for i, e := range rep.Errors {
		if i == maxErrors {
			fmt.Fprintf(w, "  ... and %d more errors\n", len(rep.Errors)-maxErrors)
			break
		}
		fmt.Fprintf(w, "  [%s] %s: %s\n", e.Stage, e.Path, e.Message)
	}
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Truncate shortens s to at most maxLen bytes without splitting a rune and
// appends "..." if anything was cut.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
