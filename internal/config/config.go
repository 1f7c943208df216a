package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type (
	// Config holds all configuration for the application.
	Config struct {
		Port        string `env:"PORT" envDefault:"8080"`
		LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
		DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
		RedisURL    string `env:"REDIS_URL,required,notEmpty"`
		NumWorkers  int    `env:"NUM_WORKERS" envDefault:"10"`

		Kafka     Kafka
		Outbox    Outbox
		Retry     Retry
		Webhook   Webhook
		RateLimit RateLimit
		Upstream  Upstream

		StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"5m"`
	}

	Kafka struct {
		Brokers []string `env:"KAFKA_BROKERS,required,notEmpty" envSeparator:","`
		GroupID string   `env:"KAFKA_GROUP_ID" envDefault:"notification-service"`
	}

	Outbox struct {
		PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
		BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
		LockEnabled  bool          `env:"PUBLISHER_LOCK_ENABLED" envDefault:"true"`
	}

	Retry struct {
		Interval  time.Duration `env:"RETRY_INTERVAL" envDefault:"30s"`
		BatchSize int           `env:"RETRY_BATCH_SIZE" envDefault:"100"`
		Lease     time.Duration `env:"RETRY_LEASE" envDefault:"1m"`
	}

	Webhook struct {
		Secret  string        `env:"WEBHOOK_SECRET" envDefault:"carddemo-webhook-secret"`
		Timeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	}

	RateLimit struct {
		Window time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	}

	// Upstream locates the internal services the partner gateway proxies to.
	Upstream struct {
		AccountURL     string        `env:"UPSTREAM_ACCOUNT_URL" envDefault:"http://localhost:8081"`
		CardURL        string        `env:"UPSTREAM_CARD_URL" envDefault:"http://localhost:8082"`
		TransactionURL string        `env:"UPSTREAM_TRANSACTION_URL" envDefault:"http://localhost:8083"`
		Timeout        time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"10s"`
	}
)

// Load reads configuration from environment variables, after merging a .env
// file from the working directory when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.NumWorkers <= 0 {
		return nil, fmt.Errorf("NUM_WORKERS must be positive, got %d", cfg.NumWorkers)
	}
	if cfg.Outbox.BatchSize <= 0 || cfg.Retry.BatchSize <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive")
	}

	return cfg, nil
}

// SlogLevel maps LOG_LEVEL to a slog level. Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
