// Package api exposes the filescope HTTP surface: search, embedding
// generation, and cache administration.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/filescope/filescope/pkg/cache"
	"github.com/filescope/filescope/pkg/embedding"
	"github.com/filescope/filescope/pkg/observability"
	"github.com/filescope/filescope/pkg/searchindex"
)

// ImageSource resolves an image reference to its raw bytes.
type ImageSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Options carries the collaborators the server needs. Index and Embedder are
// required; Images may be nil when no object storage is configured.
type Options struct {
	Index      searchindex.Searcher
	Embedder   embedding.Service
	Images     ImageSource
	Queries    *cache.QueryCache
	Embeddings *cache.EmbeddingStore

	DefaultPageSize int
	MaxPageSize     int
	RateLimitRPS    float64
	RateLimitBurst  int

	Logger observability.Logger
}

// Server is the filescope HTTP server.
type Server struct {
	router *gin.Engine

	index      searchindex.Searcher
	embedder   embedding.Service
	images     ImageSource
	queries    *cache.QueryCache
	embeddings *cache.EmbeddingStore

	defaultPageSize int
	maxPageSize     int

	logger observability.Logger
}

// NewServer wires the routes. Gin runs in release mode; logging goes through
// the injected logger rather than gin's own writer.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = observability.NewNoopLogger()
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 20
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	if opts.RateLimitRPS > 0 {
		router.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(opts.RateLimitRPS), opts.RateLimitBurst)))
	}

	s := &Server{
		router:          router,
		index:           opts.Index,
		embedder:        opts.Embedder,
		images:          opts.Images,
		queries:         opts.Queries,
		embeddings:      opts.Embeddings,
		defaultPageSize: opts.DefaultPageSize,
		maxPageSize:     opts.MaxPageSize,
		logger:          opts.Logger.WithPrefix("api"),
	}

	router.GET("/healthz", s.handleHealth)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/search", s.handleSearch)
		v1.POST("/embeddings", s.handleEmbedding)
		v1.GET("/cache/stats", s.handleCacheStats)
		v1.DELETE("/cache", s.handleCacheClear)
	}

	return s
}

// Handler exposes the router for net/http servers and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware tags every request with an ID, honoring one supplied
// by the caller so IDs survive proxy hops.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	return c.GetString("request_id")
}
