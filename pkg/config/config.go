package config

import (
	"os"
	"strings"
	"time"
)

// Config holds daemon configuration. Everything comes from environment
// variables with dev-safe defaults.
type Config struct {
	Port        string
	LogLevel    string
	DBDriver    string
	DatabaseURL string

	// SignerURL points at the remote signing oracle; empty selects the
	// in-process dev oracle.
	SignerURL     string
	SignerTimeout time.Duration

	// VerifierURL points at the scoring service; empty selects a fixed
	// dev scorer.
	VerifierURL     string
	VerifierTimeout time.Duration

	// NATSURL selects the broker bus; empty selects the in-process bus.
	NATSURL string

	// AnchorBucket enables S3 checkpoint anchoring when set.
	AnchorBucket string
	AnchorPrefix string

	// PolicyFile optionally overrides seeded policy defaults.
	PolicyFile string

	// RateLimitPerMinute caps public API requests per client IP.
	RateLimitPerMinute int
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Load reads configuration from the environment.
func Load() *Config {
	cfg := &Config{
		Port:               envOr("PORT", "8080"),
		LogLevel:           envOr("LOG_LEVEL", "INFO"),
		DBDriver:           envOr("DB_DRIVER", "sqlite"),
		DatabaseURL:        envOr("DATABASE_URL", "file:aimcore.db"),
		SignerURL:          os.Getenv("SIGNER_URL"),
		SignerTimeout:      5 * time.Second,
		VerifierURL:        os.Getenv("VERIFIER_URL"),
		VerifierTimeout:    30 * time.Second,
		NATSURL:            os.Getenv("NATS_URL"),
		AnchorBucket:       os.Getenv("ANCHOR_BUCKET"),
		AnchorPrefix:       os.Getenv("ANCHOR_PREFIX"),
		PolicyFile:         os.Getenv("POLICY_FILE"),
		RateLimitPerMinute: 120,
	}
	if d, err := time.ParseDuration(os.Getenv("SIGNER_TIMEOUT")); err == nil && d > 0 {
		cfg.SignerTimeout = d
	}
	if d, err := time.ParseDuration(os.Getenv("VERIFIER_TIMEOUT")); err == nil && d > 0 {
		cfg.VerifierTimeout = d
	}
	if strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		cfg.DBDriver = "postgres"
	}
	return cfg
}
