package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/greaterdan/aimcore/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DB_DRIVER", "DATABASE_URL",
		"SIGNER_URL", "VERIFIER_URL", "NATS_URL", "ANCHOR_BUCKET",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "file:aimcore.db", cfg.DatabaseURL)
	assert.Empty(t, cfg.SignerURL, "dev oracle by default")
	assert.Equal(t, 5*time.Second, cfg.SignerTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://aim@db:5432/aim?sslmode=disable")
	t.Setenv("SIGNER_URL", "http://pqsigner:8200")
	t.Setenv("SIGNER_TIMEOUT", "2s")

	cfg := config.Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver, "postgres URL selects the postgres driver")
	assert.Equal(t, "http://pqsigner:8200", cfg.SignerURL)
	assert.Equal(t, 2*time.Second, cfg.SignerTimeout)
}
