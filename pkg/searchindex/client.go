// Package searchindex talks to the external search index service. The index
// executes queries; filescope only caches its responses.
package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/filescope/filescope/pkg/models"
	"github.com/filescope/filescope/pkg/observability"
)

// Searcher executes a structured query against the index.
type Searcher interface {
	Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error)
}

// ClientConfig configures the HTTP index client.
type ClientConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Client is an HTTP Searcher.
type Client struct {
	endpoint string
	http     *http.Client
	logger   observability.Logger
}

func NewClient(cfg ClientConfig, logger observability.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("search index endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.WithPrefix("search-index"),
	}, nil
}

// Search posts the query and decodes the result set. Index failures are
// returned to the caller; unlike cache tiers, the index is load-bearing.
func (c *Client) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build index request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search index request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search index returned status %d: %s", resp.StatusCode, snippet)
	}

	var result models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode index response: %w", err)
	}

	c.logger.Debug("Index query executed", map[string]interface{}{
		"total":       result.Total,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &result, nil
}
