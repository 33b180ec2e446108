package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds client configuration loaded from the environment.
type Config struct {
	AppEnv              string
	APIBaseURL          string
	APITimeout          time.Duration
	RedisURL            string
	SessionNamespace    string
	OrderLookupAttempts int
	OrderLookupBackoff  time.Duration
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
	CartLockTTL         time.Duration
	LogFormat           string
	LogLevel            string
	TracingEnabled      bool
	OTLPEndpoint        string
	MetricsNamespace    string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:              valueOrDefault(k.String("APP_ENV"), "development"),
		APIBaseURL:          strings.TrimRight(strings.TrimSpace(k.String("API_BASE_URL")), "/"),
		APITimeout:          parseDuration(k.String("API_TIMEOUT"), "15s"),
		RedisURL:            strings.TrimSpace(k.String("REDIS_URL")),
		SessionNamespace:    valueOrDefault(k.String("SESSION_NAMESPACE"), "toko"),
		OrderLookupAttempts: parseInt(k.String("ORDER_LOOKUP_ATTEMPTS"), 3),
		OrderLookupBackoff:  parseDuration(k.String("ORDER_LOOKUP_BACKOFF"), "250ms"),
		BreakerMinRequests:  parseInt(k.String("BREAKER_MIN_REQUESTS"), 5),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),
		CartLockTTL:         parseDuration(k.String("CART_LOCK_TTL"), "10s"),
		LogFormat:           valueOrDefault(k.String("OBS_LOG_FORMAT"), "console"),
		LogLevel:            valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
		TracingEnabled:      parseBool(k.String("OBS_ENABLE_TRACING")),
		OTLPEndpoint:        strings.TrimSpace(k.String("OBS_OTLP_ENDPOINT")),
		MetricsNamespace:    valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "toko_cart"),
	}

	if cfg.APIBaseURL == "" {
		return nil, errors.New("API_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
		return nil, fmt.Errorf("API_BASE_URL is invalid: %w", err)
	}
	if cfg.OrderLookupAttempts < 1 {
		cfg.OrderLookupAttempts = 1
	}

	return cfg, nil
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
