// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/relaygate/internal/chain"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage. Empty URLs select the in-memory implementations.
	DatabaseURL string
	RedisURL    string
	// AutoMigrate applies pending migrations at startup.
	AutoMigrate bool

	// Sanctions
	SanctionsRedisKey         string
	SanctionsBreakerThreshold int
	SanctionsBreakerCooldown  time.Duration
	SanctionsTimeout          time.Duration
	// SanctionedAddresses seeds the in-memory list when no database is set.
	SanctionedAddresses []string

	// RPCURLs maps chain name to JSON-RPC endpoint.
	RPCURLs map[string]string

	// Scoring
	HalfLifeOverrides map[string]int

	// Security
	AdminSecret    string
	RateLimitRPM   int
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultSanctionsRedisKey = "sanctions:wallets"
	DefaultBreakerThreshold  = 5
	DefaultBreakerCooldown   = 30 * time.Second
	DefaultSanctionsTimeout  = 2 * time.Second
	DefaultRateLimitRPM      = 120
	DefaultRateLimitBurst    = 20
)

// rpcEnv names the RPC URL variable for each supported chain.
var rpcEnv = map[string]string{
	chain.Ethereum: "RPC_URL_ETHEREUM",
	chain.Polygon:  "RPC_URL_POLYGON",
	chain.Arbitrum: "RPC_URL_ARBITRUM",
	chain.Optimism: "RPC_URL_OPTIMISM",
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	overrides, err := ParseHalfLifeOverrides(os.Getenv("HALF_LIFE_OVERRIDES"))
	if err != nil {
		return nil, err
	}

	env := getEnv("ENV", DefaultEnv)
	defaultFormat := "text"
	if env == "production" {
		defaultFormat = "json"
	}

	cfg := &Config{
		Port:                      getEnv("PORT", DefaultPort),
		Env:                       env,
		LogLevel:                  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                 getEnv("LOG_FORMAT", defaultFormat),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		AutoMigrate:               getEnvBool("AUTO_MIGRATE", env == "development"),
		SanctionsRedisKey:         getEnv("SANCTIONS_REDIS_KEY", DefaultSanctionsRedisKey),
		SanctionsBreakerThreshold: int(getEnvInt64("SANCTIONS_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		SanctionsBreakerCooldown:  getEnvDuration("SANCTIONS_BREAKER_COOLDOWN", DefaultBreakerCooldown),
		SanctionsTimeout:          getEnvDuration("SANCTIONS_TIMEOUT", DefaultSanctionsTimeout),
		SanctionedAddresses:       splitList(os.Getenv("SANCTIONED_ADDRESSES")),
		RPCURLs:                   make(map[string]string),
		HalfLifeOverrides:         overrides,
		AdminSecret:               os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:              int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:            int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:               splitList(os.Getenv("CORS_ORIGINS")),
		OTLPEndpoint:              os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:          getEnvFloat("TRACE_SAMPLE_RATIO", 1),
	}
	for name, key := range rpcEnv {
		if url := strings.TrimSpace(os.Getenv(key)); url != "" {
			cfg.RPCURLs[name] = url
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.SanctionsBreakerThreshold < 1 {
		return fmt.Errorf("SANCTIONS_BREAKER_THRESHOLD must be at least 1")
	}
	if c.RateLimitRPM < 1 || c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATIO must be between 0 and 1, got %v", c.TraceSampleRatio)
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Chains lists chains with a configured RPC URL, sorted.
func (c *Config) Chains() []string {
	names := make([]string, 0, len(c.RPCURLs))
	for name := range c.RPCURLs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseHalfLifeOverrides parses "key=days,key=days". Days must be positive.
func ParseHalfLifeOverrides(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range splitList(s) {
		key, val, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("HALF_LIFE_OVERRIDES: expected key=days, got %q", part)
		}
		days, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || days < 1 {
			return nil, fmt.Errorf("HALF_LIFE_OVERRIDES: %s: days must be a positive integer", key)
		}
		out[key] = days
	}
	return out, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
