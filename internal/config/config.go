// Package config loads process configuration from the environment,
// following the same pattern as the rest of this repo's ancestry: an
// optional .env file plus typed getenv helpers, no generic config
// framework.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AccountConfig is the per-account mode policy recognized in §6.6.
type AccountConfig struct {
	ID     string
	Policy string // auto | force_mock | force_live | off
}

// Config holds the options §6.6 recognizes.
type Config struct {
	DataDir string
	Port    int
	LogLevel string

	CalendarCode string // routed to the Calendar Client, e.g. "NSE"

	BusSubscriberQueue int

	GreeksRiskFreeRate float64
	GreeksCacheSize    int

	ReconcilerMinInterval      time.Duration
	ReconcilerPerAccountMaxTokens int

	OrderRetryBaseMS     int
	OrderRetryCapMS      int
	OrderRetryMaxAttempts int

	OrderCircuitConsecutiveFailures int
	OrderCircuitOpenDurationS       int

	TokenRefreshHour        int
	TokenRefreshTZ          string
	TokenPreemptiveMinutes  int

	Accounts []AccountConfig

	// DLQ archive bucket, optional — empty disables S3 archival.
	DLQBucket string
	DLQRegion string

	// Idempotency HMAC secret for Order Executor task IDs.
	IdempotencySecret string
}

// Load reads configuration from the environment, optionally seeded by a
// .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:  getEnv("DATA_DIR", "./data"),
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		CalendarCode: getEnv("CALENDAR_CODE", "NSE"),

		BusSubscriberQueue: getEnvAsInt("BUS_SUBSCRIBER_QUEUE", 1024),

		GreeksRiskFreeRate: getEnvAsFloat("GREEKS_RISK_FREE_RATE", 0.065),
		GreeksCacheSize:    getEnvAsInt("GREEKS_CACHE_SIZE", 50000),

		ReconcilerMinInterval:         getEnvAsDuration("RECONCILER_MIN_INTERVAL_MS", 500*time.Millisecond),
		ReconcilerPerAccountMaxTokens: getEnvAsInt("RECONCILER_PER_ACCOUNT_MAX_TOKENS", 3000),

		OrderRetryBaseMS:      getEnvAsInt("ORDER_RETRY_BASE_MS", 500),
		OrderRetryCapMS:       getEnvAsInt("ORDER_RETRY_CAP_MS", 30000),
		OrderRetryMaxAttempts: getEnvAsInt("ORDER_RETRY_MAX_ATTEMPTS", 5),

		OrderCircuitConsecutiveFailures: getEnvAsInt("ORDER_CIRCUIT_CONSECUTIVE_FAILURES", 5),
		OrderCircuitOpenDurationS:       getEnvAsInt("ORDER_CIRCUIT_OPEN_DURATION_S", 30),

		TokenRefreshHour:       getEnvAsInt("TOKEN_REFRESH_HOUR", 7),
		TokenRefreshTZ:         getEnv("TOKEN_REFRESH_TZ", "Asia/Kolkata"),
		TokenPreemptiveMinutes: getEnvAsInt("TOKEN_PREEMPTIVE_MINUTES", 60),

		DLQBucket:         getEnv("DLQ_BUCKET", ""),
		DLQRegion:         getEnv("DLQ_REGION", "auto"),
		IdempotencySecret: getEnv("IDEMPOTENCY_SECRET", "dev-only-change-me"),

		Accounts: parseAccounts(getEnv("ACCOUNTS", "primary:auto")),
	}

	return cfg, nil
}

// parseAccounts reads §6.6's `accounts.*.mode` policies from a single
// comma-separated ACCOUNTS env var of the form "id:policy,id2:policy2",
// since a structured config file loader is out of core scope per §1.
func parseAccounts(raw string) []AccountConfig {
	var out []AccountConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 2)
		policy := "auto"
		if len(parts) == 2 {
			policy = parts[1]
		}
		out = append(out, AccountConfig{ID: parts[0], Policy: policy})
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
