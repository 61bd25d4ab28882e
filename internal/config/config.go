// Package config loads the filescope server configuration from file and
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/filescope/filescope/pkg/cache"
	"github.com/filescope/filescope/pkg/embedding"
	"github.com/filescope/filescope/pkg/storage"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Cache     CacheConfig            `mapstructure:"cache"`
	Search    SearchConfig           `mapstructure:"search"`
	Embedding embedding.ClientConfig `mapstructure:"embedding"`
	Storage   storage.S3Config       `mapstructure:"storage"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddress  string  `mapstructure:"listen_address"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// CacheConfig groups the cache tiers. The shared tier is active if and only
// if an address is configured; its absence is not an error.
type CacheConfig struct {
	Local        cache.LocalConfig  `mapstructure:"local"`
	Shared       cache.SharedConfig `mapstructure:"shared"`
	EmbeddingTTL time.Duration      `mapstructure:"embedding_ttl"`
}

// SearchConfig bounds search requests.
type SearchConfig struct {
	IndexEndpoint   string        `mapstructure:"index_endpoint"`
	IndexTimeout    time.Duration `mapstructure:"index_timeout"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
	MaxPageSize     int           `mapstructure:"max_page_size"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from config.yaml (working directory or ./configs)
// and the FILESCOPE_* environment, environment winning. A missing config
// file is fine; defaults cover everything except external endpoints.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	v.SetEnvPrefix("FILESCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Search.MaxPageSize < cfg.Search.DefaultPageSize {
		return nil, fmt.Errorf("search.max_page_size (%d) must be >= search.default_page_size (%d)",
			cfg.Search.MaxPageSize, cfg.Search.DefaultPageSize)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.rate_limit_rps", 50.0)
	v.SetDefault("server.rate_limit_burst", 100)

	v.SetDefault("cache.local.max_entries", cache.DefaultLocalMaxEntries)
	v.SetDefault("cache.local.max_bytes", cache.DefaultLocalMaxBytes)
	v.SetDefault("cache.local.ttl", cache.DefaultLocalTTL)

	v.SetDefault("cache.shared.address", "")
	v.SetDefault("cache.shared.database", 0)
	v.SetDefault("cache.shared.key_prefix", cache.DefaultSharedKeyPrefix)
	v.SetDefault("cache.shared.ttl", cache.DefaultSharedTTL)
	v.SetDefault("cache.shared.op_timeout", cache.DefaultSharedOpTimeout)

	v.SetDefault("cache.embedding_ttl", cache.DefaultEmbeddingTTL)

	v.SetDefault("search.index_timeout", 10*time.Second)
	v.SetDefault("search.default_page_size", 20)
	v.SetDefault("search.max_page_size", 100)

	v.SetDefault("embedding.dimension", 512)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_retries", 2)

	v.SetDefault("storage.request_timeout", 20*time.Second)
	v.SetDefault("storage.max_object_bytes", 32<<20)

	v.SetDefault("logging.level", "INFO")
}
