// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings (consumed by the hosting runtime, not the core)
	Host        string
	Port        int
	CORSOrigins []string

	// Database
	DatabaseURL string

	// Cache/lock store
	RedisURL string

	// Shopping provider
	ShoppingAPIKey  string
	ShoppingBaseURL string
	ProviderTimeout time.Duration

	// FX (OpenExchangeRates)
	OpenExchangeRatesKey string
	FxBaseURL            string
	FxTimeout            time.Duration

	// LLM
	LLMEnabled                 bool
	LLMAPIKey                  string
	LLMBaseURL                 string
	LLMModel                   string
	LLMTimeout                 time.Duration
	LLMMaxCallsPerReconcile    int
	LLMMaxFractionPerReconcile float64

	// Pattern suggester
	PatternSuggestMaxConcurrency int
	SuggestBatchTimeout          time.Duration

	// Cache TTLs
	ShoppingCacheTTL time.Duration
	DetailCacheTTL   time.Duration
	FxCacheTTL       time.Duration
	LLMParseCacheTTL time.Duration
	SuggestCacheTTL  time.Duration

	// Worker
	ReconcileInterval time.Duration
	SuggestInterval   time.Duration
	ReconcileLimit    int

	// Debug capture (S3-compatible object storage; raw payloads, short retention)
	StorageEnabled      bool
	StorageEndpoint     string // AWS_ENDPOINT_URL_S3 for S3-compatible stores
	StorageAccessKey    string // AWS_ACCESS_KEY_ID
	StorageSecretKey    string // AWS_SECRET_ACCESS_KEY
	StorageBucket       string
	StorageRegion       string
	DebugCaptureEnabled bool
	DebugCaptureMaxAge  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Host:        getEnv("HOST", "0.0.0.0"),
		Port:        getEnvInt("PORT", 8080),
		CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:3000"}),

		DatabaseURL: getEnv("DATABASE_URL", "file:compass.db?_journal=WAL&_timeout=5000"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		ShoppingAPIKey:  getEnv("SHOPPING_API_KEY", ""),
		ShoppingBaseURL: getEnv("SHOPPING_BASE_URL", "https://serpapi.com/search"),
		ProviderTimeout: getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),

		OpenExchangeRatesKey: getEnv("OPENEXCHANGERATES_KEY", ""),
		FxBaseURL:            getEnv("FX_BASE_URL", "https://openexchangerates.org/api"),
		FxTimeout:            getEnvDuration("FX_TIMEOUT", 15*time.Second),

		LLMEnabled:                 getEnvBool("LLM_ENABLED", false),
		LLMAPIKey:                  getEnv("LLM_API_KEY", ""),
		LLMBaseURL:                 getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModel:                   getEnv("LLM_MODEL", "gpt-5-mini"),
		LLMTimeout:                 getEnvDuration("LLM_TIMEOUT", 30*time.Second),
		LLMMaxCallsPerReconcile:    getEnvInt("LLM_MAX_CALLS_PER_RECONCILE", 25),
		LLMMaxFractionPerReconcile: getEnvFloat("LLM_MAX_FRACTION_PER_RECONCILE", 0.1),

		PatternSuggestMaxConcurrency: getEnvInt("PATTERN_SUGGEST_MAX_CONCURRENCY", 2),
		SuggestBatchTimeout:          getEnvDuration("SUGGEST_BATCH_TIMEOUT", 90*time.Second),

		ShoppingCacheTTL: getEnvDuration("SHOPPING_CACHE_TTL", 1*time.Hour),
		DetailCacheTTL:   getEnvDuration("DETAIL_CACHE_TTL", 7*24*time.Hour),
		FxCacheTTL:       getEnvDuration("FX_CACHE_TTL", 1*time.Hour),
		LLMParseCacheTTL: getEnvDuration("LLM_PARSE_CACHE_TTL", 180*24*time.Hour),
		SuggestCacheTTL:  getEnvDuration("SUGGEST_CACHE_TTL", 24*time.Hour),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		SuggestInterval:   getEnvDuration("SUGGEST_INTERVAL", 24*time.Hour),
		ReconcileLimit:    getEnvInt("RECONCILE_LIMIT", 500),

		StorageEndpoint:  getEnv("AWS_ENDPOINT_URL_S3", ""),
		StorageAccessKey: getEnv("AWS_ACCESS_KEY_ID", ""),
		StorageSecretKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		StorageBucket:    getEnvWithFallback("BUCKET_NAME", "STORAGE_BUCKET", ""),
		StorageRegion:    getEnv("AWS_REGION", "auto"),

		DebugCaptureEnabled: getEnvBool("DEBUG_CAPTURE_ENABLED", false),
		DebugCaptureMaxAge:  getEnvDuration("DEBUG_CAPTURE_MAX_AGE", 7*24*time.Hour),
	}

	// Object storage only works with a bucket and endpoint
	cfg.StorageEnabled = cfg.StorageBucket != "" && cfg.StorageEndpoint != ""
	if cfg.DebugCaptureEnabled && !cfg.StorageEnabled {
		cfg.DebugCaptureEnabled = false
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LLMEnabled && c.LLMAPIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required when LLM_ENABLED=true")
	}
	if c.LLMMaxCallsPerReconcile < 0 {
		return fmt.Errorf("LLM_MAX_CALLS_PER_RECONCILE must be >= 0")
	}
	if c.LLMMaxFractionPerReconcile < 0 || c.LLMMaxFractionPerReconcile > 1 {
		return fmt.Errorf("LLM_MAX_FRACTION_PER_RECONCILE must be in [0,1]")
	}
	if c.PatternSuggestMaxConcurrency < 1 || c.PatternSuggestMaxConcurrency > 8 {
		return fmt.Errorf("PATTERN_SUGGEST_MAX_CONCURRENCY must be in [1,8]")
	}
	return nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvWithFallback tries the primary key, then the fallback key.
func getEnvWithFallback(key, fallbackKey, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if value := os.Getenv(fallbackKey); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as a float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvSlice returns the environment variable as a comma-separated slice or a default.
func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
