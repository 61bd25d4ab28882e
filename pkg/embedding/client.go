// Package embedding provides the client for the external embedding-generation
// service, which turns image bytes into fixed-length vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/filescope/filescope/pkg/models"
	"github.com/filescope/filescope/pkg/observability"
)

// Service computes an embedding for an image payload. It is the expensive
// operation the embedding cache exists to avoid; it may fail or time out.
type Service interface {
	GenerateEmbedding(ctx context.Context, image []byte) (*models.EmbeddingRecord, error)
}

// ClientConfig configures the HTTP embedding client.
type ClientConfig struct {
	// Endpoint is the URL of the embedding function.
	Endpoint string `mapstructure:"endpoint"`
	// Dimension is the expected vector length; responses with a different
	// dimension are rejected.
	Dimension int `mapstructure:"dimension"`
	// Timeout bounds a single request attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries uint64 `mapstructure:"max_retries"`
}

// DefaultClientConfig returns defaults matching the production embedding
// function (a 512-dimensional CLIP model behind a 30s invocation limit).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dimension:  512,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
	}
}

// Client calls the embedding service over HTTP with exponential backoff on
// transient failures.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger observability.Logger
}

// NewClient creates an embedding service client.
func NewClient(cfg ClientConfig, logger observability.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is required")
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultClientConfig().Dimension
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.WithPrefix("embedding-client"),
	}, nil
}

type embedRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

type embedResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Embedding []float32 `json:"embedding"`
		Dimension int       `json:"dimension"`
		Model     string    `json:"model"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateEmbedding posts the image to the embedding function and returns
// the resulting vector. Transient failures (transport errors, 5xx) are
// retried with exponential backoff; 4xx responses fail immediately.
func (c *Client) GenerateEmbedding(ctx context.Context, image []byte) (*models.EmbeddingRecord, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("image payload is empty")
	}

	body, err := json.Marshal(embedRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	var parsed embedResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("embedding service returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, payload))
		}

		if err := json.Unmarshal(payload, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode embedding response: %w", err))
		}
		if !parsed.Success {
			return backoff.Permanent(fmt.Errorf("embedding service error %s: %s", parsed.Error.Code, parsed.Error.Message))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}

	if len(parsed.Data.Embedding) != c.cfg.Dimension {
		return nil, fmt.Errorf("unexpected embedding dimension: got %d, want %d",
			len(parsed.Data.Embedding), c.cfg.Dimension)
	}

	return &models.EmbeddingRecord{
		Vector:    parsed.Data.Embedding,
		Dimension: len(parsed.Data.Embedding),
		Model:     parsed.Data.Model,
		CreatedAt: time.Now().UTC(),
	}, nil
}
