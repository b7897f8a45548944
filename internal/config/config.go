// Package config loads server settings from a .env file and the process
// environment. Values already set in the environment win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// MinJWTSecretLen is the shortest accepted HMAC signing secret, in bytes.
const MinJWTSecretLen = 32

// Config holds every setting the server reads at startup.
type Config struct {
	// Core
	Port     string
	LogLevel string

	// Storage
	DatabaseURL  string
	RedisURL     string
	CacheTTL     time.Duration
	FixturesPath string

	// Security
	JWTSecret string

	// Order path
	LockTimeout    time.Duration
	OrderTimeout   time.Duration
	PriceTolerance decimal.Decimal

	// HTTP surface
	RateLimitRPS   float64
	RateLimitBurst int
	IdempotencyTTL time.Duration
}

// Load reads .env from the current or the parent directory, then the
// environment. A missing or short JWT_SECRET is the only fatal problem;
// malformed optional values fall back to their defaults with a warning.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if err = godotenv.Load("../.env"); err != nil && !os.IsNotExist(err) {
			slog.Warn("could not read .env, using process environment", "error", err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		return nil, errors.New("config: JWT_SECRET is required")
	}
	if len(secret) < MinJWTSecretLen {
		return nil, fmt.Errorf("config: JWT_SECRET must be at least %d bytes, got %d", MinJWTSecretLen, len(secret))
	}

	cfg := &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:  getEnv("DATABASE_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		CacheTTL:     getEnvAsDuration("CACHE_TTL", 30*time.Second),
		FixturesPath: getEnv("FIXTURES_PATH", ""),

		JWTSecret: secret,

		LockTimeout:    getEnvAsDuration("LOCK_TIMEOUT", 2*time.Second),
		OrderTimeout:   getEnvAsDuration("ORDER_TIMEOUT", 10*time.Second),
		PriceTolerance: getEnvAsDecimal("PRICE_TOLERANCE", decimal.RequireFromString("0.05")),

		RateLimitRPS:   getEnvAsFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 40),
		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 10*time.Minute),
	}

	if cfg.LockTimeout < time.Millisecond {
		slog.Warn("LOCK_TIMEOUT below 1ms, using default", "value", cfg.LockTimeout.String(), "default", "2s")
		cfg.LockTimeout = 2 * time.Second
	}
	// An order waits for up to two row locks inside one commit unit.
	if cfg.OrderTimeout <= cfg.LockTimeout {
		raised := 2 * cfg.LockTimeout
		slog.Warn("ORDER_TIMEOUT must exceed LOCK_TIMEOUT, raising it",
			"order_timeout", cfg.OrderTimeout.String(),
			"lock_timeout", cfg.LockTimeout.String(),
			"raised_to", raised.String(),
		)
		cfg.OrderTimeout = raised
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"lock_timeout", cfg.LockTimeout.String(),
		"order_timeout", cfg.OrderTimeout.String(),
		"price_tolerance", cfg.PriceTolerance.String(),
	)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid integer setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		slog.Warn("invalid number setting, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return v
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid duration setting, using default", "key", key, "value", raw, "default", fallback.String())
		return fallback
	}
	return v
}

// getEnvAsDecimal accepts fractions in [0, 1).
func getEnvAsDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || v.IsNegative() || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		slog.Warn("invalid fraction setting, using default", "key", key, "value", raw, "default", fallback.String())
		return fallback
	}
	return v
}
