package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// === Config ===

type config struct {
	// Driver selects the persistence: memory, sqlite or postgres.
	Driver      string `env:"ES_DRIVER" envDefault:"sqlite"`
	SQLitePath  string `env:"ES_SQLITE_PATH" envDefault:"events.db"`
	PostgresDSN string `env:"ES_POSTGRES_DSN"`

	// RedisAddr enables the Redis write lock when set.
	RedisAddr   string `env:"ES_REDIS_ADDR"`
	RedisPrefix string `env:"ES_REDIS_PREFIX" envDefault:"es:"`

	// NatsURL moves projection records into a JetStream key/value bucket.
	NatsURL    string `env:"NATS_URL"`
	NatsBucket string `env:"ES_NATS_BUCKET" envDefault:"es_projections"`

	LogLevel slog.Level `env:"ES_LOG_LEVEL" envDefault:"info"`
	Tracing  bool       `env:"ES_TRACING"`

	MetricsAddr   string        `env:"ES_METRICS_ADDR" envDefault:":9090"`
	ServeInterval time.Duration `env:"ES_SERVE_INTERVAL" envDefault:"5s"`
	LockTimeout   time.Duration `env:"ES_LOCK_TIMEOUT" envDefault:"30s"`
	BlockSize     int           `env:"ES_PERSIST_BLOCK_SIZE" envDefault:"1000"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return cfg, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
	if cfg.Driver == "postgres" && cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("ES_POSTGRES_DSN is required for the postgres driver")
	}
	return cfg, nil
}
