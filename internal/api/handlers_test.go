package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filescope/filescope/pkg/cache"
	"github.com/filescope/filescope/pkg/models"
)

type fakeIndex struct {
	resp  *models.SearchResponse
	err   error
	calls int
	last  *models.SearchQuery
}

func (f *fakeIndex) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	f.calls++
	f.last = query
	if f.err != nil {
		return nil, f.err
	}
	out := *f.resp
	return &out, nil
}

type fakeEmbedder struct {
	rec   *models.EmbeddingRecord
	err   error
	calls int
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, image []byte) (*models.EmbeddingRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rec, nil
}

type fakeImages struct {
	data []byte
	err  error
}

func (f *fakeImages) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.data, f.err
}

type testEnv struct {
	server   *Server
	index    *fakeIndex
	embedder *fakeEmbedder
}

func newTestServer(t *testing.T, opts Options) *testEnv {
	t.Helper()

	index := &fakeIndex{resp: &models.SearchResponse{
		Results: []models.SearchResult{{ID: "doc-1", FileName: "report.pdf", Score: 0.9}},
		Total:   1,
	}}
	embedder := &fakeEmbedder{rec: &models.EmbeddingRecord{
		Vector:    []float32{0.1, 0.2},
		Dimension: 2,
		Model:     "clip-vit-b32",
	}}

	if opts.Index == nil {
		opts.Index = index
	}
	if opts.Embedder == nil {
		opts.Embedder = embedder
	}
	if opts.Queries == nil {
		local, err := cache.NewLocalCache(cache.DefaultLocalConfig())
		require.NoError(t, err)
		opts.Queries = cache.NewQueryCache(local, cache.NewNoopSharedTier(), nil)
	}
	if opts.Embeddings == nil {
		mr := miniredis.RunT(t)
		tier, err := cache.NewSharedTier(cache.SharedConfig{Address: mr.Addr()}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = tier.Close() })
		opts.Embeddings = cache.NewEmbeddingStore(tier, 0, nil)
	}

	return &testEnv{server: NewServer(opts), index: index, embedder: embedder}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func TestSearchValidation(t *testing.T) {
	env := newTestServer(t, Options{})

	t.Run("text or vector required", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("negative offset rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x", Offset: -1})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown sort key rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x", SortBy: "color"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown sort direction rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x", SortDirection: "up"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("page size is clamped", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x", PageSize: 100000})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 100, env.index.last.PageSize)
	})

	t.Run("page size defaults when omitted", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 20, env.index.last.PageSize)
	})
}

func TestSearchTextQuery(t *testing.T) {
	env := newTestServer(t, Options{})

	w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "quarterly report"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.False(t, resp.Cached)

	// Text-only queries are never cached, so a repeat hits the index again.
	w = env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "quarterly report"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, env.index.calls)
}

func TestSearchVectorQueryCached(t *testing.T) {
	env := newTestServer(t, Options{})
	req := SearchRequest{
		Vector:  []float32{0.1, 0.2, 0.3},
		Filters: models.SearchFilters{FileType: "pdf"},
	}

	w := env.do(t, http.MethodPost, "/api/v1/search", req)
	require.Equal(t, http.StatusOK, w.Code)
	var first models.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.Cached)
	assert.Equal(t, 1, env.index.calls)

	w = env.do(t, http.MethodPost, "/api/v1/search", req)
	require.Equal(t, http.StatusOK, w.Code)
	var second models.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.Total, second.Total)

	// Served from cache; the index saw only the first request.
	assert.Equal(t, 1, env.index.calls)
}

func TestSearchFilterChangesCacheKey(t *testing.T) {
	env := newTestServer(t, Options{})
	vector := []float32{0.4, 0.5}

	w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Vector: vector})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{
		Vector:  vector,
		Filters: models.SearchFilters{FileType: "docx"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 2, env.index.calls)
}

func TestSearchCacheKeyCoversWholeRequest(t *testing.T) {
	env := newTestServer(t, Options{})
	vector := []float32{0.1, 0.2, 0.3}

	base := SearchRequest{Vector: vector}
	w := env.do(t, http.MethodPost, "/api/v1/search", base)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, env.index.calls)

	// Each variation answers a different request, so none may be served
	// from the page-1 cache entry.
	variations := []SearchRequest{
		{Vector: vector, Offset: 20},
		{Vector: vector, PageSize: 50},
		{Vector: vector, SortBy: models.SortByDate},
		{Vector: vector, SortBy: models.SortByDate, SortDirection: models.SortAsc},
		{Vector: vector, Text: "quarterly report"},
	}
	for i, req := range variations {
		w := env.do(t, http.MethodPost, "/api/v1/search", req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 2+i, env.index.calls, "variation %d must reach the index", i)

		var resp models.SearchResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.Cached, "variation %d", i)
	}

	// The unchanged request is still a cache hit.
	w = env.do(t, http.MethodPost, "/api/v1/search", base)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1+len(variations), env.index.calls)

	var resp models.SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
}

func TestSearchIndexFailure(t *testing.T) {
	env := newTestServer(t, Options{})
	env.index.err = errors.New("index down")

	w := env.do(t, http.MethodPost, "/api/v1/search", SearchRequest{Text: "x"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestEmbeddingBase64Flow(t *testing.T) {
	env := newTestServer(t, Options{})
	payload := base64.StdEncoding.EncodeToString([]byte("image bytes"))

	w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageBase64: payload})
	require.Equal(t, http.StatusOK, w.Code)

	var first EmbeddingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.Cached)
	assert.Equal(t, []float32{0.1, 0.2}, first.Embedding)
	assert.Equal(t, "clip-vit-b32", first.Model)
	assert.NotEmpty(t, first.ImageHash)
	assert.Equal(t, 1, env.embedder.calls)

	// Same bytes, so the second request is served from the store.
	w = env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageBase64: payload})
	require.Equal(t, http.StatusOK, w.Code)

	var second EmbeddingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.ImageHash, second.ImageHash)
	assert.Equal(t, first.Embedding, second.Embedding)
	assert.Equal(t, 1, env.embedder.calls)
}

func TestEmbeddingDataURLPrefix(t *testing.T) {
	env := newTestServer(t, Options{})

	raw := base64.StdEncoding.EncodeToString([]byte("png data"))
	w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{
		ImageBase64: "data:image/png;base64," + raw,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// The bare payload addresses the same content.
	w = env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageBase64: raw})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.embedder.calls)
}

func TestEmbeddingCacheBypass(t *testing.T) {
	env := newTestServer(t, Options{})
	payload := base64.StdEncoding.EncodeToString([]byte("image"))
	bypass := false

	w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageBase64: payload})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{
		ImageBase64: payload,
		UseCache:    &bypass,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp EmbeddingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, 2, env.embedder.calls)
}

func TestEmbeddingValidation(t *testing.T) {
	env := newTestServer(t, Options{})

	t.Run("no source", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("both sources", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{
			ImageURL:    "s3://bucket/key.png",
			ImageBase64: "aW1hZ2U=",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("invalid base64", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageBase64: "!!!"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("imageUrl without object storage", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageURL: "s3://bucket/key.png"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestEmbeddingImageURLFlow(t *testing.T) {
	env := newTestServer(t, Options{Images: &fakeImages{data: []byte("fetched image")}})

	w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{ImageURL: "s3://bucket/photo.jpg"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp EmbeddingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.NotEmpty(t, resp.ImageHash)
}

func TestEmbeddingServiceFailure(t *testing.T) {
	env := newTestServer(t, Options{})
	env.embedder.err = errors.New("model unavailable")

	w := env.do(t, http.MethodPost, "/api/v1/embeddings", EmbeddingRequest{
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("image")),
	})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestCacheStatsEndpoint(t *testing.T) {
	env := newTestServer(t, Options{})

	// One full miss, one local hit.
	req := SearchRequest{Vector: []float32{0.6, 0.7}}
	env.do(t, http.MethodPost, "/api/v1/search", req)
	env.do(t, http.MethodPost, "/api/v1/search", req)

	w := env.do(t, http.MethodGet, "/api/v1/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats CacheStatsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Query.Local.Hits)
	assert.Equal(t, int64(1), stats.Query.Local.Misses)
	assert.Equal(t, int64(1), stats.Query.Overall.Hits)
}

func TestCacheClearEndpoint(t *testing.T) {
	env := newTestServer(t, Options{})
	req := SearchRequest{Vector: []float32{0.8, 0.9}}

	env.do(t, http.MethodPost, "/api/v1/search", req)
	require.Equal(t, 1, env.index.calls)

	w := env.do(t, http.MethodDelete, "/api/v1/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)

	env.do(t, http.MethodPost, "/api/v1/search", req)
	assert.Equal(t, 2, env.index.calls)
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t, Options{})

	t.Run("generated when absent", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/healthz", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("caller-supplied ID is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "trace-123")
		w := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, "trace-123", w.Header().Get("X-Request-ID"))
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestServer(t, Options{RateLimitRPS: 1, RateLimitBurst: 2})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		w := env.do(t, http.MethodGet, "/healthz", nil)
		codes[w.Code]++
	}

	assert.Equal(t, 2, codes[http.StatusOK])
	assert.Equal(t, 3, codes[http.StatusTooManyRequests])
}
