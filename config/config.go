// Package config loads the runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RateBudget is a request allowance per sliding window.
type RateBudget struct {
	Limit  int
	Window time.Duration
}

func (b RateBudget) String() string {
	return fmt.Sprintf("%d/%s", b.Limit, b.Window)
}

// RuntimeConfig is read once at startup and treated as immutable.
type RuntimeConfig struct {
	Port        string
	Environment string

	RedisURL    string
	StoreDriver string
	DatabaseURL string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	JWTSecret   string
	FrontendURL string
	BackendURL  string

	RenewEnabled   bool
	RenewInterval  time.Duration
	RenewLookahead time.Duration
	RenewRate      float64
	ChannelTTL     time.Duration

	PullSyncEnabled  bool
	PullSyncInterval time.Duration

	SyncPast        time.Duration
	SyncFuture      time.Duration
	SyncConcurrency int
	SyncPassTimeout time.Duration

	ProviderDialTimeout time.Duration
	ProviderTimeout     time.Duration

	RateLimitAuth    RateBudget
	RateLimitAPI     RateBudget
	RateLimitWebhook RateBudget
	TrustProxy       bool
}

// IsProduction reports whether APP_ENV is production.
func (c *RuntimeConfig) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// WebhookAddress is the callback URL registered with the provider.
func (c *RuntimeConfig) WebhookAddress() string {
	return strings.TrimRight(c.BackendURL, "/") + "/api/webhook/calendar"
}

// RuntimeConfigFromEnv reads the configuration. Missing required variables are reported together.
func RuntimeConfigFromEnv() (*RuntimeConfig, error) {
	cfg := &RuntimeConfig{
		Port:        GetEnv("PORT", "3001"),
		Environment: GetEnv("APP_ENV", "development"),

		RedisURL:    GetEnv("REDIS_URL", "redis://localhost:6379"),
		StoreDriver: strings.ToLower(GetEnv("STORE_DRIVER", "redis")),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  GetEnv("GOOGLE_REDIRECT_URL", "http://localhost:3001/api/auth/google/callback"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		FrontendURL: GetEnv("FRONTEND_URL", "http://localhost:3000"),
		BackendURL:  GetEnv("BACKEND_URL", "http://localhost:3001"),

		RenewEnabled:   ParseBoolOrDefault(os.Getenv("CALENDAR_WEBHOOK_RENEW_ENABLED"), true),
		RenewInterval:  ParseDurationOrDefault(os.Getenv("CALENDAR_WEBHOOK_RENEW_INTERVAL"), time.Hour),
		RenewLookahead: ParseDurationOrDefault(os.Getenv("CALENDAR_WEBHOOK_RENEW_LOOKAHEAD"), 24*time.Hour),
		RenewRate:      parseFloatOrDefault(os.Getenv("CALENDAR_WEBHOOK_RENEW_RATE"), 5),
		ChannelTTL:     ParseDurationOrDefault(os.Getenv("CALENDAR_CHANNEL_TTL"), 0),

		PullSyncEnabled:  ParseBoolOrDefault(os.Getenv("CALENDAR_PULL_SYNC_ENABLED"), true),
		PullSyncInterval: ParseDurationOrDefault(os.Getenv("CALENDAR_PULL_SYNC_INTERVAL"), 15*time.Minute),

		SyncPast:        ParseDurationOrDefault(os.Getenv("CALENDAR_SYNC_PAST"), 30*24*time.Hour),
		SyncFuture:      ParseDurationOrDefault(os.Getenv("CALENDAR_SYNC_FUTURE"), 365*24*time.Hour),
		SyncConcurrency: parseIntOrDefault(os.Getenv("CALENDAR_SYNC_CONCURRENCY"), 4),
		SyncPassTimeout: ParseDurationOrDefault(os.Getenv("CALENDAR_SYNC_TIMEOUT"), 2*time.Minute),

		ProviderDialTimeout: ParseDurationOrDefault(os.Getenv("PROVIDER_DIAL_TIMEOUT"), 5*time.Second),
		ProviderTimeout:     ParseDurationOrDefault(os.Getenv("PROVIDER_TIMEOUT"), 45*time.Second),

		RateLimitAuth:    ParseRateBudgetOrDefault(os.Getenv("RATE_LIMIT_AUTH"), RateBudget{Limit: 5, Window: 15 * time.Minute}),
		RateLimitAPI:     ParseRateBudgetOrDefault(os.Getenv("RATE_LIMIT_API"), RateBudget{Limit: 100, Window: time.Minute}),
		RateLimitWebhook: ParseRateBudgetOrDefault(os.Getenv("RATE_LIMIT_WEBHOOK"), RateBudget{Limit: 1000, Window: time.Minute}),
		TrustProxy:       ParseBoolOrDefault(os.Getenv("TRUST_PROXY"), false),
	}

	var missing []string
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch cfg.StoreDriver {
	case "redis", "postgres":
	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.SyncConcurrency < 1 {
		cfg.SyncConcurrency = 1
	}
	return cfg, nil
}

// GetEnv returns the environment value or the default when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func ParseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}

func ParseBoolOrDefault(raw string, def bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return def
}

func parseIntOrDefault(raw string, def int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return n
	}
	return def
}

func parseFloatOrDefault(raw string, def float64) float64 {
	if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f > 0 {
		return f
	}
	return def
}

// ParseRateBudgetOrDefault parses "limit/window", e.g. "100/1m".
func ParseRateBudgetOrDefault(raw string, def RateBudget) RateBudget {
	parts := strings.SplitN(strings.TrimSpace(raw), "/", 2)
	if len(parts) != 2 {
		return def
	}
	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || limit <= 0 {
		return def
	}
	window, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil || window <= 0 {
		return def
	}
	return RateBudget{Limit: limit, Window: window}
}
