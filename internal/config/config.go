package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the full runtime configuration of the mirror process, loaded
// from MIRROR_* environment variables.
type Config struct {
	// PostgresDSN is the mirror database. Required.
	PostgresDSN string `env:"MIRROR_POSTGRES_DSN,required,notEmpty"`

	// NATSURL is the JetStream ingestion endpoint. Empty disables the
	// NATS subscriber.
	NATSURL string `env:"MIRROR_NATS_URL" envDefault:"nats://localhost:4222"`

	// FeedWSURL is the ledger gateway's live websocket feed. Empty disables
	// the feed client.
	FeedWSURL string `env:"MIRROR_FEED_WS_URL"`

	// GatewayURL is the ledger gateway's HTTP base for range scans. Empty
	// disables catch-up scanning.
	GatewayURL string `env:"MIRROR_GATEWAY_URL"`

	// HTTPAddr is the query/intake API listen address.
	HTTPAddr string `env:"MIRROR_HTTP_ADDR" envDefault:":8080"`

	// FeeBps is the marketplace fee in basis points applied to sales.
	// Required: a wrong fee silently corrupts every sale record, so there
	// is no default to fall back to.
	FeeBps uint32 `env:"MIRROR_FEE_BPS,required,notEmpty"`

	// FeeRecipient is the wallet credited with marketplace fees. Required.
	FeeRecipient string `env:"MIRROR_FEE_RECIPIENT,required,notEmpty"`

	// Workers sizes the ingestion worker pool.
	Workers int `env:"MIRROR_WORKERS" envDefault:"4"`

	// DedupCacheSize is the capacity of the in-memory idempotency LRU.
	DedupCacheSize int `env:"MIRROR_DEDUP_CACHE_SIZE" envDefault:"100000"`

	// MediaRoot is the blob store directory for mirrored token media.
	MediaRoot string `env:"MIRROR_MEDIA_ROOT" envDefault:"./media"`

	// MigrationsDir holds the SQL migration files applied at startup.
	MigrationsDir string `env:"MIRROR_MIGRATIONS_DIR" envDefault:"./migrations"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `env:"MIRROR_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FeeBps > 10000 {
		return nil, fmt.Errorf("MIRROR_FEE_BPS %d exceeds 10000", cfg.FeeBps)
	}
	return &cfg, nil
}
