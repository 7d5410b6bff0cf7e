package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailpool.db"`

	// Cache
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheCapacity int           `env:"CACHE_CAPACITY" envDefault:"100"`
	DefaultFolder string        `env:"DEFAULT_FOLDER" envDefault:"INBOX"`

	// Connection pool
	PoolCapacity     int   `env:"POOL_CAPACITY" envDefault:"20"`
	FetchConcurrency int64 `env:"FETCH_CONCURRENCY" envDefault:"8"`

	// IMAP
	IMAPAddr           string        `env:"IMAP_ADDR"` // host:port; resolved per account domain when empty
	IMAPDialTimeout    time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPCommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"45s"`

	// OAuth2
	OAuthTokenURL      string        `env:"OAUTH_TOKEN_URL" envDefault:"https://login.microsoftonline.com/common/oauth2/v2.0/token"`
	TokenRefreshBuffer time.Duration `env:"TOKEN_REFRESH_BUFFER" envDefault:"5m"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.CacheCapacity <= 0 {
		return nil, fmt.Errorf("CACHE_CAPACITY must be positive, got %d", cfg.CacheCapacity)
	}
	if cfg.PoolCapacity <= 0 {
		return nil, fmt.Errorf("POOL_CAPACITY must be positive, got %d", cfg.PoolCapacity)
	}
	if cfg.FetchConcurrency <= 0 {
		return nil, fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", cfg.FetchConcurrency)
	}

	return cfg, nil
}
