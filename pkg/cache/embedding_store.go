package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/filescope/filescope/pkg/models"
	"github.com/filescope/filescope/pkg/observability"
)

// Embedding store defaults. Embeddings are a stable function of immutable
// input bytes, so they live far longer than search results: the original
// deployment kept them for 30 days.
const (
	DefaultEmbeddingTTL       = 30 * 24 * time.Hour
	defaultEmbeddingKeyPrefix = "emb:"
)

// EmbeddingStore caches computed image embeddings in the shared tier,
// content-addressed by the digest of the source bytes. Digest keys only:
// embedding reuse requires the source image to be byte-identical, never
// merely similar, so vector-sampling keys are rejected.
type EmbeddingStore struct {
	shared SharedTier
	ttl    time.Duration
	logger observability.Logger
}

// NewEmbeddingStore creates an embedding store over the given shared tier.
// A zero TTL falls back to DefaultEmbeddingTTL.
func NewEmbeddingStore(shared SharedTier, ttl time.Duration, logger observability.Logger) *EmbeddingStore {
	if ttl <= 0 {
		ttl = DefaultEmbeddingTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &EmbeddingStore{
		shared: shared,
		ttl:    ttl,
		logger: logger.WithPrefix("embedding-store"),
	}
}

// Get returns the embedding stored under the digest key, if any. Keys that
// are not digest keys are treated as misses and logged; they indicate a
// caller wiring bug, not a cache fault.
func (s *EmbeddingStore) Get(ctx context.Context, digestKey string) (*models.EmbeddingRecord, bool) {
	if !isDigestKey(digestKey) {
		s.logger.Error("Embedding store called with a non-digest key", map[string]interface{}{
			"key": digestKey,
		})
		return nil, false
	}

	data, ok := s.shared.Get(ctx, defaultEmbeddingKeyPrefix+digestKey)
	if !ok {
		return nil, false
	}

	var rec models.EmbeddingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("Discarding undecodable embedding entry", map[string]interface{}{
			"key":   digestKey,
			"error": err.Error(),
		})
		return nil, false
	}
	return &rec, true
}

// Put stores an embedding under its digest key. A Put after a slow compute
// always runs, even if a concurrent request has already populated the key:
// embeddings for identical bytes are expected to be equal, so last-write-wins
// is safe.
func (s *EmbeddingStore) Put(ctx context.Context, digestKey string, rec *models.EmbeddingRecord) {
	if !isDigestKey(digestKey) {
		s.logger.Error("Embedding store called with a non-digest key", map[string]interface{}{
			"key": digestKey,
		})
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("Failed to marshal embedding record", map[string]interface{}{
			"key":   digestKey,
			"error": err.Error(),
		})
		return
	}
	s.shared.Set(ctx, defaultEmbeddingKeyPrefix+digestKey, data, s.ttl)
}

// Stats exposes the backing tier's counters.
func (s *EmbeddingStore) Stats() TierStats {
	return s.shared.Stats()
}

func isDigestKey(key string) bool {
	return strings.HasPrefix(key, digestKeyVersion+":")
}
