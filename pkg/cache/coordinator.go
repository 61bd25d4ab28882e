package cache

import (
	"context"
	"encoding/json"

	"github.com/filescope/filescope/pkg/models"
	"github.com/filescope/filescope/pkg/observability"
)

// QueryCache composes the local and shared tiers into one logical cache for
// search responses, keyed by query vector plus filters.
//
// Read path: a local hit short-circuits. A local miss falls through to the
// shared tier; a shared hit is promoted into the local tier before it is
// returned, so the next request for the same key is served locally. Writes
// go through to both tiers, each with its own TTL.
//
// QueryCache is safe for concurrent use. Two concurrent misses for the same
// key may both trigger the expensive search and both write the result back;
// the last write wins. Single-flight de-duplication is deliberately absent.
type QueryCache struct {
	local  *LocalCache
	shared SharedTier
	logger observability.Logger
}

// NewQueryCache composes the two tiers. The shared tier may be a
// NoopSharedTier; the coordinator never checks.
func NewQueryCache(local *LocalCache, shared SharedTier, logger observability.Logger) *QueryCache {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &QueryCache{
		local:  local,
		shared: shared,
		logger: logger.WithPrefix("query-cache"),
	}
}

// Get looks up a cached search response for the query vector and filters.
// The returned response has Cached set. The only possible error is
// ErrInvalidInput from key derivation.
func (q *QueryCache) Get(ctx context.Context, vector []float32, filters map[string]any) (*models.SearchResponse, bool, error) {
	key, err := DeriveVectorKey(vector, filters)
	if err != nil {
		return nil, false, err
	}

	if data, ok := q.local.Get(key); ok {
		if resp := decodeResponse(data, q.logger, key); resp != nil {
			return resp, true, nil
		}
		// Drop the corrupt entry so the next lookup misses cleanly
		// instead of re-failing the decode on every access.
		q.local.Remove(key)
	}

	data, ok := q.shared.Get(ctx, key)
	if !ok {
		return nil, false, nil
	}

	resp := decodeResponse(data, q.logger, key)
	if resp == nil {
		return nil, false, nil
	}

	// Promote so the next lookup is served locally. The write is a plain
	// local insert; if eviction pressure discards it immediately, nothing
	// is lost but the promotion.
	q.local.Set(key, data)

	return resp, true, nil
}

// Set writes the search response through to both tiers. Each tier applies
// its own TTL, so the same key may legitimately outlive the local copy in
// the shared tier or vice versa.
func (q *QueryCache) Set(ctx context.Context, vector []float32, filters map[string]any, resp *models.SearchResponse) error {
	key, err := DeriveVectorKey(vector, filters)
	if err != nil {
		return err
	}

	data, err := json.Marshal(resp)
	if err != nil {
		// A response that cannot be serialized is a caller bug.
		return err
	}

	q.local.Set(key, data)
	q.shared.Set(ctx, key, data, 0)
	return nil
}

// Clear purges the local tier only. Shared entries expire via their TTL.
func (q *QueryCache) Clear() {
	q.local.Clear()
}

// CombinedStats returns per-tier stats plus the overall view. Overall is
// computed over coordinator attempts: every Get touches the local tier, so
// local attempts are the attempt universe, and hits from either tier count.
func (q *QueryCache) CombinedStats() CombinedStats {
	local := q.local.Stats()
	shared := q.shared.Stats()

	overall := TierStats{
		Hits:    local.Hits + shared.Hits,
		Entries: local.Entries,
		Bytes:   local.Bytes,
	}
	attempts := local.Hits + local.Misses
	overall.Misses = attempts - overall.Hits
	if overall.Misses < 0 {
		// Shared tier saw traffic from outside this coordinator.
		overall.Misses = 0
	}
	overall.HitRate = hitRate(overall.Hits, overall.Misses)

	return CombinedStats{Local: local, Shared: shared, Overall: overall}
}

func decodeResponse(data []byte, logger observability.Logger, key string) *models.SearchResponse {
	var resp models.SearchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		logger.Warn("Discarding undecodable cache entry", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil
	}
	resp.Cached = true
	return &resp
}
