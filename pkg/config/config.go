// Package config loads gateway configuration from the environment and
// per-cluster context profiles from YAML.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Ledger backing store: "memory", "sqlite", or "postgres".
	LedgerBackend string
	SQLitePath    string
	DatabaseURL   string

	// Redis backs the session signal store when set; empty means in-memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// AuthSecret signs and verifies bearer tokens. Empty disables auth and
	// the middleware fails closed.
	AuthSecret string
	// EvidenceSecret derives the evidence-pack seal key.
	EvidenceSecret string

	// RulesPath points at a YAML sanitizer rule pack; empty uses built-ins.
	RulesPath string
	// ProfilesDir holds per-cluster context profiles.
	ProfilesDir string

	ApprovalTTL time.Duration
	SessionTTL  time.Duration

	OTLPEndpoint string
	OTLPEnabled  bool
	RateLimitRPS int
	RateBurst    int
}

// Load reads configuration from environment variables with development
// defaults.
func Load() *Config {
	return &Config{
		Port:           envOr("PORT", "8080"),
		LogLevel:       envOr("LOG_LEVEL", "INFO"),
		LedgerBackend:  envOr("LEDGER_BACKEND", "sqlite"),
		SQLitePath:     envOr("LEDGER_SQLITE_PATH", "kubegate-audit.db"),
		DatabaseURL:    envOr("DATABASE_URL", "postgres://kubegate@localhost:5432/kubegate?sslmode=disable"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envInt("REDIS_DB", 0),
		AuthSecret:     os.Getenv("AUTH_SECRET"),
		EvidenceSecret: os.Getenv("EVIDENCE_SECRET"),
		RulesPath:      os.Getenv("RULES_PATH"),
		ProfilesDir:    envOr("PROFILES_DIR", "profiles"),
		ApprovalTTL:    envDuration("APPROVAL_TTL", time.Hour),
		SessionTTL:     envDuration("SESSION_TTL", 30*time.Minute),
		OTLPEndpoint:   envOr("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:    os.Getenv("OTLP_ENABLED") == "true",
		RateLimitRPS:   envInt("RATE_LIMIT_RPS", 10),
		RateBurst:      envInt("RATE_LIMIT_BURST", 20),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
