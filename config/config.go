package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"quotestreamv1/internal/model"
	"quotestreamv1/internal/quote"
)

// Config holds all application configuration loaded from environment
// variables.
type Config struct {
	// Pipeline selection
	QuoteSource string // "synthetic" or "native"
	QuoteBroker string // "redis" or "memory"

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	WSAddr        string
	MetricsAddr   string
	BridgeURL     string

	// Streaming
	SubscribeTickers string
	TickIntervalMs   int
}

// Load reads configuration from environment variables with sensible
// defaults. Vendor credentials are loaded separately because they are
// only required for the native source.
func Load() *Config {
	return &Config{
		QuoteSource: getEnv("QUOTE_SOURCE", "synthetic"),
		QuoteBroker: getEnv("QUOTE_BROKER", "redis"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		WSAddr:        getEnv("WS_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		BridgeURL:     getEnv("VENDOR_BRIDGE_URL", ""),

		// Default: Samsung Electronics + SK Hynix
		SubscribeTickers: getEnv("SUBSCRIBE_TICKERS", "005930,000660"),
		TickIntervalMs:   getEnvInt("TICK_INTERVAL_MS", 1000),
	}
}

// UseNativeSource reports whether the native vendor adapter is selected.
func (c *Config) UseNativeSource() bool {
	return strings.EqualFold(c.QuoteSource, "native")
}

// UseBroker reports whether the real broker publisher is selected.
func (c *Config) UseBroker() bool {
	return !strings.EqualFold(c.QuoteBroker, "memory")
}

// TickInterval returns the synthetic generation interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// ParseTickers splits and normalizes the subscription list.
func (c *Config) ParseTickers() []string {
	parts := strings.Split(c.SubscribeTickers, ",")
	tickers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		tickers = append(tickers, model.NormalizeTicker(p))
	}
	return tickers
}

// VendorCredentials loads the native source's login material. Fatal when
// a required variable is missing: the native source cannot run without
// credentials.
func VendorCredentials() quote.Credentials {
	return quote.Credentials{
		Account:    mustEnv("VENDOR_ACCOUNT"),
		Password:   mustEnv("VENDOR_PASSWORD"),
		APIKey:     mustEnv("VENDOR_API_KEY"),
		TOTPSecret: mustEnv("VENDOR_TOTP_SECRET"),
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Printf("[config] ignoring invalid %s=%q", key, v)
	}
	return fallback
}
