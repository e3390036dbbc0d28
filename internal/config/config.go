// Package config loads exchange configuration from the environment
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/StreetsDigital/thenexusengine/adx/internal/events"
	"github.com/StreetsDigital/thenexusengine/adx/internal/exchange"
	"github.com/StreetsDigital/thenexusengine/adx/internal/fraud"
)

// Endpoint configuration sources
const (
	EndpointSourceStorage = "storage"
	EndpointSourceRedis   = "redis"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	HTTPPort    string
	DatabaseURL string // in-memory storage when empty
	RedisURL    string // process-local limiter and history when empty
	GeoIPDBPath string // geo lookup disabled when empty

	EndpointSource string // "storage" or "redis"
	TrustProxy     bool
	TrackURL       string
	MaxBodySize    int64

	Strategy               exchange.Strategy
	DefaultQPS             int
	DefaultTMax            time.Duration
	DefaultEndpointTimeout time.Duration
	WinNoticeTimeout       time.Duration
	GeoTimeout             time.Duration
	FloorMultiplier        float64
	DefaultCurrency        string
	FallbackMarkup         string

	FraudThreshold     float64
	FraudIgnoreHeaders []string

	RegistryRefresh    time.Duration
	EventBufferSize    int
	EventBatchSize     int
	EventFlushInterval time.Duration

	MetricsNamespace string
	LogLevel         string
	LogFormat        string
}

// Load reads configuration from environment variables with sane defaults.
// Files given in envFiles, or ".env" when none are given, are loaded first
// if they exist; variables already set in the environment win.
func Load(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		EndpointSource: strings.ToLower(getEnv("ENDPOINT_SOURCE", EndpointSourceStorage)),
		TrustProxy:     parseBoolEnv("TRUST_PROXY", false),
		TrackURL:       os.Getenv("TRACK_URL"),
		MaxBodySize:    int64(parseIntEnv("MAX_REQUEST_SIZE", 512*1024)),

		DefaultQPS:             parseIntEnv("DEFAULT_QPS", 100),
		DefaultTMax:            parseMillisEnv("DEFAULT_TMAX_MS", 500*time.Millisecond),
		DefaultEndpointTimeout: parseMillisEnv("ENDPOINT_TIMEOUT_MS", 300*time.Millisecond),
		WinNoticeTimeout:       parseMillisEnv("WIN_NOTICE_TIMEOUT_MS", 2*time.Second),
		GeoTimeout:             parseMillisEnv("GEO_TIMEOUT_MS", 50*time.Millisecond),
		FloorMultiplier:        parseFloatEnv("FLOOR_MULTIPLIER", exchange.DefaultFloorMultiplier),
		DefaultCurrency:        strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),
		FallbackMarkup:         os.Getenv("FALLBACK_MARKUP"),

		FraudThreshold:     parseFloatEnv("FRAUD_THRESHOLD", fraud.DefaultThreshold),
		FraudIgnoreHeaders: parseListEnv("FRAUD_IGNORE_HEADERS"),

		RegistryRefresh:    parseDurationEnv("REGISTRY_REFRESH", 30*time.Second),
		EventBufferSize:    parseIntEnv("EVENT_BUFFER_SIZE", 1000),
		EventBatchSize:     parseIntEnv("EVENT_BATCH_SIZE", 100),
		EventFlushInterval: parseDurationEnv("EVENT_FLUSH_INTERVAL", time.Second),

		MetricsNamespace: getEnv("METRICS_NAMESPACE", "adx"),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	strategy, err := exchange.ParseStrategy(getEnv("SOURCING_STRATEGY", string(exchange.StrategyHybrid)))
	if err != nil {
		return nil, fmt.Errorf("SOURCING_STRATEGY: %w", err)
	}
	cfg.Strategy = strategy

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return errors.New("HTTP_PORT is required")
	}
	if c.FraudThreshold <= 0 || c.FraudThreshold > 1 {
		return fmt.Errorf("FRAUD_THRESHOLD must be in (0, 1], got %v", c.FraudThreshold)
	}
	if c.DefaultQPS < 0 {
		return fmt.Errorf("DEFAULT_QPS must not be negative, got %d", c.DefaultQPS)
	}
	if c.DefaultTMax <= 0 {
		return errors.New("DEFAULT_TMAX_MS must be positive")
	}
	if c.EventBufferSize <= 0 || c.EventBatchSize <= 0 {
		return errors.New("EVENT_BUFFER_SIZE and EVENT_BATCH_SIZE must be positive")
	}
	if c.EndpointSource != EndpointSourceStorage && c.EndpointSource != EndpointSourceRedis {
		return fmt.Errorf("ENDPOINT_SOURCE must be %q or %q, got %q", EndpointSourceStorage, EndpointSourceRedis, c.EndpointSource)
	}
	if c.EndpointSource == EndpointSourceRedis && c.RedisURL == "" {
		return errors.New("ENDPOINT_SOURCE=redis requires REDIS_URL")
	}
	if c.FloorMultiplier < 1 {
		return fmt.Errorf("FLOOR_MULTIPLIER must be at least 1, got %v", c.FloorMultiplier)
	}
	return nil
}

// Exchange returns the auction engine configuration
func (c *Config) Exchange() *exchange.Config {
	cfg := exchange.DefaultConfig()
	cfg.Strategy = c.Strategy
	cfg.DefaultTMax = c.DefaultTMax
	cfg.DefaultEndpointTimeout = c.DefaultEndpointTimeout
	cfg.DefaultQPS = c.DefaultQPS
	cfg.WinNoticeTimeout = c.WinNoticeTimeout
	cfg.GeoTimeout = c.GeoTimeout
	cfg.FloorMultiplier = c.FloorMultiplier
	cfg.DefaultCurrency = c.DefaultCurrency
	cfg.FallbackMarkup = c.FallbackMarkup
	return cfg
}

// Fraud returns the fraud scorer configuration
func (c *Config) Fraud() fraud.Config {
	cfg := fraud.DefaultConfig()
	cfg.Threshold = c.FraudThreshold
	cfg.IgnoreHeaders = c.FraudIgnoreHeaders
	return cfg
}

// Events returns the event recorder configuration
func (c *Config) Events() *events.Config {
	cfg := events.DefaultConfig()
	cfg.BufferSize = c.EventBufferSize
	cfg.BatchSize = c.EventBatchSize
	cfg.FlushInterval = c.EventFlushInterval
	return cfg
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := files[:0:0]
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("loading env files: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloatEnv(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseMillisEnv(key string, fallback time.Duration) time.Duration {
	ms := parseIntEnv(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func parseListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
