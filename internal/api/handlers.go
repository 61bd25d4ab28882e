package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filescope/filescope/pkg/cache"
	"github.com/filescope/filescope/pkg/models"
)

// SearchRequest is the POST /api/v1/search body.
type SearchRequest struct {
	Text          string               `json:"text"`
	Vector        []float32            `json:"vector"`
	Filters       models.SearchFilters `json:"filters"`
	Offset        int                  `json:"offset"`
	PageSize      int                  `json:"pageSize"`
	SortBy        string               `json:"sortBy"`
	SortDirection string               `json:"sortDirection"`
}

var validSortKeys = map[string]bool{
	"":                     true,
	models.SortByRelevance: true,
	models.SortByDate:      true,
	models.SortByName:      true,
	models.SortBySize:      true,
}

func (r *SearchRequest) validate(defaultPageSize, maxPageSize int) error {
	if r.Text == "" && len(r.Vector) == 0 {
		return errors.New("either text or vector is required")
	}
	if r.Offset < 0 {
		return errors.New("offset must not be negative")
	}
	if r.PageSize < 0 {
		return errors.New("pageSize must not be negative")
	}
	if r.PageSize == 0 {
		r.PageSize = defaultPageSize
	}
	if r.PageSize > maxPageSize {
		r.PageSize = maxPageSize
	}
	if !validSortKeys[r.SortBy] {
		return errors.New("sortBy must be one of relevance, date, name, size")
	}
	switch r.SortDirection {
	case "", models.SortAsc, models.SortDesc:
	default:
		return errors.New("sortDirection must be asc or desc")
	}
	return nil
}

// cacheKeyParams folds everything the response depends on besides the
// vector into the key material: filters, free text, pagination, and sort.
// Must be called after validate so PageSize is resolved.
func (r *SearchRequest) cacheKeyParams() map[string]any {
	m := r.Filters.Map()
	if m == nil {
		m = make(map[string]any, 5)
	}
	if r.Text != "" {
		m["text"] = r.Text
	}
	m["offset"] = r.Offset
	m["pageSize"] = r.PageSize
	if r.SortBy != "" {
		m["sortBy"] = r.SortBy
	}
	if r.SortDirection != "" {
		m["sortDirection"] = r.SortDirection
	}
	return m
}

// handleSearch serves a query, preferring the cache for vector queries.
// Text-only queries bypass the cache entirely; their result sets shift as
// the index updates and keying them buys little.
func (s *Server) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.validate(s.defaultPageSize, s.maxPageSize); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	keyParams := req.cacheKeyParams()
	useCache := len(req.Vector) > 0 && s.queries != nil

	if useCache {
		cached, ok, err := s.queries.Get(ctx, req.Vector, keyParams)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if ok {
			c.JSON(http.StatusOK, cached)
			return
		}
	}

	query := &models.SearchQuery{
		Text:          req.Text,
		Vector:        req.Vector,
		Filters:       &req.Filters,
		Offset:        req.Offset,
		PageSize:      req.PageSize,
		SortBy:        req.SortBy,
		SortDirection: req.SortDirection,
	}

	start := time.Now()
	resp, err := s.index.Search(ctx, query)
	if err != nil {
		s.logger.Error("Search index query failed", map[string]interface{}{
			"request_id": requestID(c),
			"error":      err.Error(),
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": "search index unavailable"})
		return
	}
	if resp.TookMs == 0 {
		resp.TookMs = time.Since(start).Milliseconds()
	}
	resp.Cached = false

	if useCache {
		if err := s.queries.Set(ctx, req.Vector, keyParams, resp); err != nil {
			s.logger.Warn("Failed to cache search response", map[string]interface{}{
				"request_id": requestID(c),
				"error":      err.Error(),
			})
		}
	}

	c.JSON(http.StatusOK, resp)
}

// EmbeddingRequest is the POST /api/v1/embeddings body. Exactly one of
// ImageURL and ImageBase64 must be set.
type EmbeddingRequest struct {
	ImageURL    string `json:"imageUrl"`
	ImageBase64 string `json:"imageBase64"`
	UseCache    *bool  `json:"useCache"`
}

// EmbeddingResponse carries the embedding plus its content address so
// callers can correlate repeated submissions of the same image.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	Cached    bool      `json:"cached"`
	ImageHash string    `json:"imageHash"`
}

func (s *Server) handleEmbedding(c *gin.Context) {
	var req EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if (req.ImageURL == "") == (req.ImageBase64 == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of imageUrl and imageBase64 is required"})
		return
	}

	ctx := c.Request.Context()

	image, err := s.resolveImage(c, &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	digest, err := cache.DeriveDigestKey(image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	useCache := req.UseCache == nil || *req.UseCache
	if useCache && s.embeddings != nil {
		if rec, ok := s.embeddings.Get(ctx, digest); ok {
			c.JSON(http.StatusOK, EmbeddingResponse{
				Embedding: rec.Vector,
				Dimension: rec.Dimension,
				Model:     rec.Model,
				Cached:    true,
				ImageHash: digest,
			})
			return
		}
	}

	rec, err := s.embedder.GenerateEmbedding(ctx, image)
	if err != nil {
		s.logger.Error("Embedding generation failed", map[string]interface{}{
			"request_id": requestID(c),
			"error":      err.Error(),
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": "embedding service unavailable"})
		return
	}

	if s.embeddings != nil {
		s.embeddings.Put(ctx, digest, rec)
	}

	c.JSON(http.StatusOK, EmbeddingResponse{
		Embedding: rec.Vector,
		Dimension: rec.Dimension,
		Model:     rec.Model,
		Cached:    false,
		ImageHash: digest,
	})
}

func (s *Server) resolveImage(c *gin.Context, req *EmbeddingRequest) ([]byte, error) {
	if req.ImageBase64 != "" {
		payload := req.ImageBase64
		// Browsers submit data URLs; keep only the payload.
		if idx := strings.Index(payload, ";base64,"); idx >= 0 {
			payload = payload[idx+len(";base64,"):]
		}
		image, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errors.New("imageBase64 is not valid base64")
		}
		if len(image) == 0 {
			return nil, errors.New("imageBase64 decodes to an empty image")
		}
		return image, nil
	}

	if s.images == nil {
		return nil, errors.New("imageUrl is not supported: no object storage configured")
	}
	image, err := s.images.Fetch(c.Request.Context(), req.ImageURL)
	if err != nil {
		return nil, errors.New("failed to fetch image: " + err.Error())
	}
	return image, nil
}

// CacheStatsResponse reports the query cache tiers plus the embedding store.
type CacheStatsResponse struct {
	Query      cache.CombinedStats `json:"query"`
	Embeddings cache.TierStats     `json:"embeddings"`
}

func (s *Server) handleCacheStats(c *gin.Context) {
	var resp CacheStatsResponse
	if s.queries != nil {
		resp.Query = s.queries.CombinedStats()
	}
	if s.embeddings != nil {
		resp.Embeddings = s.embeddings.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

// handleCacheClear purges the local query tier. Shared entries and cached
// embeddings age out through their TTLs.
func (s *Server) handleCacheClear(c *gin.Context) {
	if s.queries != nil {
		s.queries.Clear()
	}
	s.logger.Info("Local query cache cleared", map[string]interface{}{
		"request_id": requestID(c),
	})
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
