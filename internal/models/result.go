package models

import "time"

// SearchResult is a single fused hit.
type SearchResult struct {
	ChunkID       int64    `json:"chunk_id"`
	DocumentPath  string   `json:"document_path"`
	HeaderContext []string `json:"header_context,omitempty"`
	Score         float64  `json:"score"`
	Snippet       string   `json:"snippet"`
	// Ranks are 1-based; zero means the chunk was absent from that list.
	SemanticRank int     `json:"semantic_rank,omitempty"`
	KeywordRank  int     `json:"keyword_rank,omitempty"`
	Boost        float64 `json:"boost,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query   string          `json:"query"`
	Results []*SearchResult `json:"results"`
	// Degraded is set when one retrieval path was unavailable.
	Degraded  bool  `json:"degraded,omitempty"`
	QueryTime int64 `json:"query_time_ms"`
}

// FileError records a per-file failure during indexing.
type FileError struct {
	Path    string `json:"path"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// IndexReport summarizes one indexing run.
type IndexReport struct {
	RunID             string        `json:"run_id"`
	Indexed           int           `json:"indexed"`
	Skipped           int           `json:"skipped"`
	Failed            int           `json:"failed"`
	Deleted           int           `json:"deleted"`
	ChunksWritten     int           `json:"chunks_written"`
	ChunksReused      int           `json:"chunks_reused"`
	ChunksRemoved     int           `json:"chunks_removed"`
	EmbeddingsDeduped int           `json:"embeddings_deduped"`
	BatchFailures     int           `json:"batch_failures"`
	Cancelled         bool          `json:"cancelled,omitempty"`
	Duration          time.Duration `json:"duration_ns"`
	Errors            []FileError   `json:"errors,omitempty"`
}

// AddError appends a file error and counts the file as failed.
func (r *IndexReport) AddError(path, stage string, err error) {
	r.Failed++
	r.Errors = append(r.Errors, FileError{Path: path, Stage: stage, Message: err.Error()})
}
