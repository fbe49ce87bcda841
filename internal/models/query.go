package models

import (
	"errors"
	"strings"
)

// ErrInvalidLimit is returned when a query asks for zero or fewer results.
var ErrInvalidLimit = errors.New("limit must be positive")

// SearchQuery is a hybrid search request.
type SearchQuery struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	// Model, when set, must name the active embedding model.
	Model string `json:"model,omitempty"`
}

// Validate trims the query and caps Limit at maxLimit. An empty query is valid and
// yields no results; a non-positive limit is not.
func (q *SearchQuery) Validate(maxLimit int) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Limit <= 0 {
		return ErrInvalidLimit
	}
	if maxLimit > 0 && q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	return nil
}

// Empty reports whether the query has no searchable text.
func (q *SearchQuery) Empty() bool {
	return strings.TrimSpace(q.Query) == ""
}
