package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/shirabe/internal/indexer"
	"github.com/hyperjump/shirabe/internal/models"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:     "brown fox",
		QueryTime: 42,
		Results: []*models.SearchResult{
			{
				ChunkID:       3,
				DocumentPath:  "/docs/animals.md",
				HeaderContext: []string{"Animals", "Foxes"},
				Score:         0.0328,
				Snippet:       "the quick brown fox",
				SemanticRank:  1,
				KeywordRank:   1,
				Boost:         1.2,
			},
			{
				ChunkID:      9,
				DocumentPath: "/docs/dog.txt",
				Score:        0.0161,
				Snippet:      "fox jumps over lazy dog",
				KeywordRank:  2,
			},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.QueryTime != response.QueryTime {
		t.Errorf("decoded query=%q query_time=%d", decoded.Query, decoded.QueryTime)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].ChunkID != 3 || decoded.Results[1].SemanticRank != 0 {
		t.Errorf("decoded results = %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{
		"Found 2 results in 42ms",
		"#1  Score: 0.0328  (semantic #1, keyword #1, boost x1.20)",
		"/docs/animals.md > Animals > Foxes",
		"the quick brown fox",
		"(semantic -, keyword #2)",
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
	if strings.Contains(out, "degraded") {
		t.Errorf("healthy response reported as degraded:\n%s", out)
	}
}

func TestWriteSearchResults_textDegraded(t *testing.T) {
	resp := sampleResponse()
	resp.Degraded = true
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, resp, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "degraded") {
		t.Errorf("degraded flag not shown:\n%s", buf.String())
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], " 1. 0.0328  /docs/animals.md > Animals > Foxes") {
		t.Errorf("line 1 = %q", lines[0])
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    SearchOutputFormat
		wantErr bool
	}{
		{"", OutputText, false},
		{"text", OutputText, false},
		{"JSON", OutputJSON, false},
		{"compact", OutputCompact, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestWriteIndexReport(t *testing.T) {
	rep := &models.IndexReport{Indexed: 4, Skipped: 2, Deleted: 1, ChunksWritten: 12, Duration: 1500 * time.Millisecond}
	for i := 0; i < 4; i++ {
		rep.AddError("/docs/bad.bin", indexer.StageRead, errors.New("binary file"))
	}
	var buf bytes.Buffer
	WriteIndexReport(&buf, rep, 2)
	out := buf.String()
	for _, sub := range []string{
		"Indexed 4, skipped 2, failed 4, deleted 1 in 1.5s",
		"12 written",
		"[read] /docs/bad.bin: binary file",
		"... and 2 more errors",
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("report missing %q:\n%s", sub, out)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int64]string{
		0:       "0 B",
		1023:    "1023 B",
		1024:    "1.0 KiB",
		1536:    "1.5 KiB",
		5 << 20: "5.0 MiB",
	}
	for in, want := range tests {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"empty", "", 5, ""},
		{"short", "hi", 5, "hi"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"rune boundary", "héllo", 2, "h..."},
		{"maxLen zero", "ab", 0, "ab"},
		{"maxLen negative", "ab", -1, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.s, tt.maxLen)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Update(indexer.Progress{Total: 0})
	p.Finish()
	if buf.Len() != 0 {
		t.Errorf("empty run drew a bar: %q", buf.String())
	}
	p.Update(indexer.Progress{Total: 3, Staged: 2, Committed: 1})
	p.Update(indexer.Progress{Total: 3, Staged: 3, Committed: 3})
	p.Finish()
	if !strings.Contains(buf.String(), "3/3") {
		t.Errorf("bar output %q lacks final count", buf.String())
	}
}
