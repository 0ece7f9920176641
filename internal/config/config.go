// Package config loads the server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config is the server configuration. Empty DATABASE_URL selects the
// in-memory store; REDIS_URL is only used together with a database.
type Config struct {
	Port        string `env:"PORT"         envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	CatalogPath string `env:"CATALOG_PATH"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	// HarmonyPointsPerToken is the points credited per target token an
	// exchange produces, before the ledger multiplier.
	HarmonyPointsPerToken decimal.Decimal `env:"HARMONY_POINTS_PER_TOKEN" envDefault:"0.1"`

	CacheTTL        time.Duration `env:"CACHE_TTL"        envDefault:"30s"`
	StoreTimeout    time.Duration `env:"STORE_TIMEOUT"    envDefault:"2s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT"  envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Load reads Config from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if !cfg.HarmonyPointsPerToken.IsPositive() {
		return Config{}, fmt.Errorf("parse env: HARMONY_POINTS_PER_TOKEN must be positive, got %s", cfg.HarmonyPointsPerToken)
	}
	if cfg.StoreTimeout <= 0 {
		return Config{}, fmt.Errorf("parse env: STORE_TIMEOUT must be positive, got %s", cfg.StoreTimeout)
	}
	return cfg, nil
}
