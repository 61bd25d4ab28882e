package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sony/gobreaker"

	"github.com/filescope/filescope/pkg/observability"
)

// Shared tier defaults.
const (
	DefaultSharedTTL         = 15 * time.Minute
	DefaultSharedKeyPrefix   = "filescope:cache:"
	DefaultSharedOpTimeout   = 2 * time.Second
	defaultSharedDialTimeout = 5 * time.Second
)

// SharedTier is the distributed cache layer reachable by every process
// instance. Implementations must never surface I/O failures: an error
// during Get degrades to a miss, an error during Set to a no-op. The cache
// is a performance optimization, not a correctness dependency.
type SharedTier interface {
	// Get returns the payload stored under key, or false on miss.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores the payload under key with the given TTL. Best effort.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration)
	// BatchGet resolves several keys in one round trip. The result has one
	// element per input key; absent entries are nil.
	BatchGet(ctx context.Context, keys []string) [][]byte
	// Stats returns the tier's hit/miss counters.
	Stats() TierStats
	// Close releases the backing connection, if any.
	Close() error
}

// SharedConfig configures the Redis-backed shared tier. An empty Address
// means the tier is disabled; construction then yields a NoopSharedTier and
// callers behave exactly as if every lookup missed.
type SharedConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	OpTimeout   time.Duration `mapstructure:"op_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultSharedConfig returns the default shared tier configuration with the
// tier disabled (no address).
func DefaultSharedConfig() SharedConfig {
	return SharedConfig{
		KeyPrefix:   DefaultSharedKeyPrefix,
		TTL:         DefaultSharedTTL,
		OpTimeout:   DefaultSharedOpTimeout,
		DialTimeout: defaultSharedDialTimeout,
	}
}

// NewSharedTier constructs the shared tier selected by configuration: a
// Redis-backed tier when an address is present, a no-op tier otherwise.
// Selection happens here, once, so business logic never branches on
// "disabled".
func NewSharedTier(cfg SharedConfig, logger observability.Logger) (SharedTier, error) {
	if cfg.Address == "" {
		return NewNoopSharedTier(), nil
	}
	return NewRedisSharedTier(cfg, logger)
}

// RedisSharedTier implements SharedTier over Redis. Operations run behind a
// circuit breaker so a struggling Redis degrades to misses quickly instead
// of holding every request for a full timeout.
type RedisSharedTier struct {
	client  *redis.Client
	breaker *gobreaker.CircuitBreaker
	cfg     SharedConfig
	logger  observability.Logger
	stats   counters
}

// NewRedisSharedTier creates and pings a Redis-backed shared tier.
func NewRedisSharedTier(cfg SharedConfig, logger observability.Logger) (*RedisSharedTier, error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultSharedKeyPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSharedTTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultSharedOpTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultSharedDialTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "shared_cache",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
	})

	logger.Info("Shared cache tier initialized", map[string]interface{}{
		"addr": cfg.Address,
		"db":   cfg.Database,
	})

	return &RedisSharedTier{
		client:  client,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger.WithPrefix("shared"),
	}, nil
}

// Get retrieves a payload from Redis. Any transport error, timeout, or open
// circuit degrades to a miss and is logged.
func (t *RedisSharedTier) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.client.Get(ctx, t.makeKey(key)).Bytes()
	})
	if err != nil {
		t.stats.miss()
		if err != redis.Nil {
			t.logger.Warn("Shared cache get degraded to miss", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
		return nil, false
	}

	t.stats.hit()
	return result.([]byte), true
}

// Set stores a payload in Redis with the given TTL (the tier default when
// zero). Failures are logged and swallowed.
func (t *RedisSharedTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = t.cfg.TTL
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.client.Set(ctx, t.makeKey(key), data, ttl).Err()
	})
	if err != nil {
		t.logger.Warn("Shared cache set dropped", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// BatchGet resolves several keys with a single MGET. A failed round trip
// degrades every key to a miss; within a successful round trip, absent or
// malformed entries degrade individually.
func (t *RedisSharedTier) BatchGet(ctx context.Context, keys []string) [][]byte {
	out := make([][]byte, len(keys))
	if len(keys) == 0 {
		return out
	}

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = t.makeKey(k)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.OpTimeout)
	defer cancel()

	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.client.MGet(ctx, fullKeys...).Result()
	})
	if err != nil {
		for range keys {
			t.stats.miss()
		}
		t.logger.Warn("Shared cache batch get degraded to misses", map[string]interface{}{
			"keys":  len(keys),
			"error": err.Error(),
		})
		return out
	}

	for i, val := range result.([]interface{}) {
		if s, ok := val.(string); ok {
			out[i] = []byte(s)
			t.stats.hit()
		} else {
			t.stats.miss()
		}
	}
	return out
}

// Stats returns the tier's hit/miss counters. Entry count and byte footprint
// are not tracked here: the backing store is shared across processes and
// owns its own accounting.
func (t *RedisSharedTier) Stats() TierStats {
	return t.stats.snapshot()
}

// Clear removes every key under the tier's prefix. Used by tests and
// operational tooling; normal operation lets entries expire via TTL.
func (t *RedisSharedTier) Clear(ctx context.Context) error {
	iter := t.client.Scan(ctx, 0, t.cfg.KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := t.client.Del(ctx, iter.Val()).Err(); err != nil {
			t.logger.Warn("Failed to delete shared cache key", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("shared cache scan failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (t *RedisSharedTier) Close() error {
	return t.client.Close()
}

func (t *RedisSharedTier) makeKey(key string) string {
	return t.cfg.KeyPrefix + key
}

// NoopSharedTier is the disabled shared tier: every Get is an unconditional
// miss and every Set is a no-op. Callers cannot distinguish it from an
// empty Redis tier.
type NoopSharedTier struct {
	stats counters
}

// NewNoopSharedTier creates a disabled shared tier.
func NewNoopSharedTier() *NoopSharedTier {
	return &NoopSharedTier{}
}

func (t *NoopSharedTier) Get(ctx context.Context, key string) ([]byte, bool) {
	t.stats.miss()
	return nil, false
}

func (t *NoopSharedTier) Set(ctx context.Context, key string, data []byte, ttl time.Duration) {}

func (t *NoopSharedTier) BatchGet(ctx context.Context, keys []string) [][]byte {
	for range keys {
		t.stats.miss()
	}
	return make([][]byte, len(keys))
}

func (t *NoopSharedTier) Stats() TierStats {
	return t.stats.snapshot()
}

func (t *NoopSharedTier) Close() error { return nil }
