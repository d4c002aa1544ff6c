package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aegis-kernel/aegis/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("NONCE_STORE", "")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KEYSTORE_DIR", "")
	t.Setenv("PROOF_TTL_SECONDS", "")
	t.Setenv("OTLP_ENDPOINT", "")
	t.Setenv("TELEMETRY_ENABLED", "")

	cfg := config.Load()

	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.NonceStore)
	assert.Equal(t, "aegis.db", cfg.SQLitePath)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, uint64(300), cfg.ProofTTLSeconds)
	assert.False(t, cfg.TelemetryOn)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NONCE_STORE", "redis")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")
	t.Setenv("PROOF_TTL_SECONDS", "60")
	t.Setenv("TELEMETRY_ENABLED", "true")

	cfg := config.Load()

	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.NonceStore)
	assert.Equal(t, "redis.internal:6379", cfg.RedisAddr)
	assert.Equal(t, uint64(60), cfg.ProofTTLSeconds)
	assert.True(t, cfg.TelemetryOn)
}

func TestLoad_InvalidTTLFallsBack(t *testing.T) {
	t.Setenv("PROOF_TTL_SECONDS", "not-a-number")
	cfg := config.Load()
	assert.Equal(t, uint64(300), cfg.ProofTTLSeconds)
}
