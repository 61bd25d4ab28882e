// Package models defines the wire types shared between the filescope API
// layer, the caching core, and the external search/embedding collaborators.
package models

import "time"

// Sort keys accepted by the search API.
const (
	SortByRelevance = "relevance"
	SortByDate      = "date"
	SortByName      = "name"
	SortBySize      = "size"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// SearchFilters narrows a search to matching documents. All fields are
// optional; zero values mean "no constraint".
type SearchFilters struct {
	FileType string `json:"fileType,omitempty"`
	DateFrom string `json:"dateFrom,omitempty"`
	DateTo   string `json:"dateTo,omitempty"`
}

// Map returns the filters as a map for canonical cache-key serialization.
// Empty fields are omitted so that an unset filter and an absent filter
// derive the same key.
func (f *SearchFilters) Map() map[string]any {
	if f == nil {
		return nil
	}
	m := make(map[string]any, 3)
	if f.FileType != "" {
		m["fileType"] = f.FileType
	}
	if f.DateFrom != "" {
		m["dateFrom"] = f.DateFrom
	}
	if f.DateTo != "" {
		m["dateTo"] = f.DateTo
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// SearchQuery is the structured query handed to the search index client.
type SearchQuery struct {
	Text          string         `json:"text,omitempty"`
	Vector        []float32      `json:"vector,omitempty"`
	Filters       *SearchFilters `json:"filters,omitempty"`
	Offset        int            `json:"offset"`
	PageSize      int            `json:"pageSize"`
	SortBy        string         `json:"sortBy,omitempty"`
	SortDirection string         `json:"sortDirection,omitempty"`
}

// SearchResult is one ranked item returned by the index.
type SearchResult struct {
	ID         string              `json:"id"`
	FileName   string              `json:"fileName"`
	FileType   string              `json:"fileType,omitempty"`
	Size       int64               `json:"size,omitempty"`
	ModifiedAt time.Time           `json:"modifiedAt,omitempty"`
	Score      float32             `json:"score"`
	Highlights map[string][]string `json:"highlights,omitempty"`
}

// SearchResponse is the full result set for one query, including the
// index-reported latency.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	TookMs  int64          `json:"tookMs"`
	Cached  bool           `json:"cached"`
}

// EmbeddingRecord is a computed image embedding plus the metadata needed to
// reuse it. Records are content-addressed by the digest of the source bytes.
type EmbeddingRecord struct {
	Vector    []float32 `json:"vector"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"createdAt"`
}
