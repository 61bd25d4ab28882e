package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Local tier defaults. The entry budget matches the original deployment's
// per-process cache sizing; the byte budget keeps a worst-case process
// resident set predictable.
const (
	DefaultLocalMaxEntries = 1000
	DefaultLocalMaxBytes   = 64 << 20 // 64 MiB
	DefaultLocalTTL        = 5 * time.Minute
)

// LocalConfig configures the in-process cache tier.
type LocalConfig struct {
	// MaxEntries bounds the number of cached entries.
	MaxEntries int `mapstructure:"max_entries"`
	// MaxBytes bounds the approximate total payload size.
	MaxBytes int64 `mapstructure:"max_bytes"`
	// TTL is applied uniformly at insert time.
	TTL time.Duration `mapstructure:"ttl"`
}

// DefaultLocalConfig returns the default local tier configuration.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		MaxEntries: DefaultLocalMaxEntries,
		MaxBytes:   DefaultLocalMaxBytes,
		TTL:        DefaultLocalTTL,
	}
}

type localEntry struct {
	data      []byte
	storedAt  time.Time
	expiresAt time.Time
}

// LocalCache is the in-process cache tier: LRU-evicted, TTL-expired, bounded
// by both entry count and approximate byte size. All operations are
// synchronous, perform no I/O, and are safe for concurrent use.
type LocalCache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, *localEntry]
	maxBytes int64
	curBytes int64
	ttl      time.Duration
	stats    counters

	// now is replaceable in tests to exercise TTL boundaries.
	now func() time.Time
}

// NewLocalCache creates a local cache tier. Zero config fields fall back to
// the package defaults.
func NewLocalCache(cfg LocalConfig) (*LocalCache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultLocalMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultLocalMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLocalTTL
	}

	c := &LocalCache{
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		now:      time.Now,
	}

	// The eviction callback keeps the byte accounting in step with the LRU
	// list. Every mutation of entries happens under c.mu, so the callback
	// never races with the counter.
	entries, err := lru.NewWithEvict[string, *localEntry](cfg.MaxEntries, func(key string, e *localEntry) {
		c.curBytes -= int64(len(e.data))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU store: %w", err)
	}
	c.entries = entries

	return c, nil
}

// Get returns the payload stored under key, refreshing its recency. Expired
// entries are removed on access and reported as misses.
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		c.stats.miss()
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.entries.Remove(key)
		c.stats.miss()
		return nil, false
	}

	c.stats.hit()
	return e.data, true
}

// Set stores the payload under key with the tier's TTL, evicting
// least-recently-used entries until both the entry and byte budgets hold.
func (c *LocalCache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace, never patch: remove any previous entry so the byte
	// accounting stays exact.
	c.entries.Remove(key)

	now := c.now()
	c.entries.Add(key, &localEntry{
		data:      data,
		storedAt:  now,
		expiresAt: now.Add(c.ttl),
	})
	c.curBytes += int64(len(data))

	for c.curBytes > c.maxBytes && c.entries.Len() > 0 {
		c.entries.RemoveOldest()
	}
}

// Remove drops the entry stored under key, if any. The eviction callback
// keeps the byte accounting in step.
func (c *LocalCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Remove(key)
}

// Has reports whether key holds an unexpired entry. It does not refresh
// recency and does not touch the hit/miss counters.
func (c *LocalCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(key)
	return ok && !c.now().After(e.expiresAt)
}

// Clear drops every entry. Counters survive so hit-rate history is not lost.
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	c.curBytes = 0
}

// Stats returns a snapshot of the tier's counters and footprint.
func (c *LocalCache) Stats() TierStats {
	c.mu.Lock()
	entries := c.entries.Len()
	bytes := c.curBytes
	c.mu.Unlock()

	s := c.stats.snapshot()
	s.Entries = entries
	s.Bytes = bytes
	return s
}
