package cache

import "sync/atomic"

// TierStats is a point-in-time snapshot of one cache tier.
type TierStats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Entries int     `json:"entries"`
	Bytes   int64   `json:"bytes"`
}

// CombinedStats reports per-tier stats plus the overall view across both
// tiers. Overall is computed over the union of coordinator attempts, not an
// average of the tier rates: the shared tier only sees local-miss traffic.
type CombinedStats struct {
	Local   TierStats `json:"local"`
	Shared  TierStats `json:"shared"`
	Overall TierStats `json:"overall"`
}

// counters tracks hits and misses with atomic increments.
type counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *counters) hit()  { c.hits.Add(1) }
func (c *counters) miss() { c.misses.Add(1) }

// snapshot fills the hit/miss portion of a TierStats.
func (c *counters) snapshot() TierStats {
	s := TierStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
