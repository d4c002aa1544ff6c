package config

import (
	"os"
	"strconv"
)

// Config holds kernel configuration.
type Config struct {
	LogLevel        string
	NonceStore      string // "memory", "sqlite" or "redis"
	SQLitePath      string
	RedisAddr       string
	KeystoreDir     string
	ProofTTLSeconds uint64
	OTLPEndpoint    string
	TelemetryOn     bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	nonceStore := os.Getenv("NONCE_STORE")
	if nonceStore == "" {
		nonceStore = "memory"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "aegis.db"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	keystoreDir := os.Getenv("KEYSTORE_DIR")
	if keystoreDir == "" {
		keystoreDir = ".aegis/keys"
	}

	ttl := uint64(300)
	if raw := os.Getenv("PROOF_TTL_SECONDS"); raw != "" {
		if parsed, err := strconv.ParseUint(raw, 10, 64); err == nil && parsed > 0 {
			ttl = parsed
		}
	}

	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}

	telemetryOn := os.Getenv("TELEMETRY_ENABLED") == "true"

	return &Config{
		LogLevel:        logLevel,
		NonceStore:      nonceStore,
		SQLitePath:      sqlitePath,
		RedisAddr:       redisAddr,
		KeystoreDir:     keystoreDir,
		ProofTTLSeconds: ttl,
		OTLPEndpoint:    otlpEndpoint,
		TelemetryOn:     telemetryOn,
	}
}
