package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/filescope/filescope/internal/api"
	"github.com/filescope/filescope/internal/config"
	"github.com/filescope/filescope/pkg/cache"
	"github.com/filescope/filescope/pkg/embedding"
	"github.com/filescope/filescope/pkg/observability"
	"github.com/filescope/filescope/pkg/searchindex"
	"github.com/filescope/filescope/pkg/storage"
)

func main() {
	// Local development convenience. Missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger("filescope").Fatal("Failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger := observability.NewLoggerWithLevel("filescope", observability.ParseLogLevel(cfg.Logging.Level))

	local, err := cache.NewLocalCache(cfg.Cache.Local)
	if err != nil {
		logger.Fatal("Failed to create local cache", map[string]interface{}{"error": err.Error()})
	}

	// Separate shared tier instances keep query and embedding traffic
	// from sharing counters and breaker state.
	queryTier, err := cache.NewSharedTier(cfg.Cache.Shared, logger)
	if err != nil {
		logger.Fatal("Failed to connect shared cache tier", map[string]interface{}{"error": err.Error()})
	}
	defer queryTier.Close()

	embeddingTier, err := cache.NewSharedTier(cfg.Cache.Shared, logger)
	if err != nil {
		logger.Fatal("Failed to connect shared cache tier", map[string]interface{}{"error": err.Error()})
	}
	defer embeddingTier.Close()

	queries := cache.NewQueryCache(local, queryTier, logger)
	embeddings := cache.NewEmbeddingStore(embeddingTier, cfg.Cache.EmbeddingTTL, logger)

	index, err := searchindex.NewClient(searchindex.ClientConfig{
		Endpoint: cfg.Search.IndexEndpoint,
		Timeout:  cfg.Search.IndexTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create search index client", map[string]interface{}{"error": err.Error()})
	}

	embedder, err := embedding.NewClient(cfg.Embedding, logger)
	if err != nil {
		logger.Fatal("Failed to create embedding client", map[string]interface{}{"error": err.Error()})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var images api.ImageSource
	if cfg.Storage.Region != "" {
		fetcher, err := storage.NewImageFetcher(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Fatal("Failed to create image fetcher", map[string]interface{}{"error": err.Error()})
		}
		images = fetcher
	} else {
		logger.Info("Object storage not configured, imageUrl requests will be rejected", nil)
	}

	server := api.NewServer(api.Options{
		Index:           index,
		Embedder:        embedder,
		Images:          images,
		Queries:         queries,
		Embeddings:      embeddings,
		DefaultPageSize: cfg.Search.DefaultPageSize,
		MaxPageSize:     cfg.Search.MaxPageSize,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		Logger:          logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{"address": cfg.Server.ListenAddress})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	logger.Info("Server stopped", nil)
}
