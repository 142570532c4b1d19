package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const minMasterSecretLen = 32

// Config holds the application configuration
type Config struct {
	DatabaseURL  string
	RedisURL     string
	Port         string
	APIKey       string
	JWTSecret    string
	MasterSecret string

	OTPDigits   int
	OTPInterval int
	OTPWindow   int

	RateLimitRequests int
	RateLimitWindow   time.Duration

	QueryTimeout time.Duration
	DevMode      bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:              "8080",
		OTPDigits:         6,
		OTPInterval:       30,
		OTPWindow:         1,
		RateLimitRequests: 10,
		RateLimitWindow:   60 * time.Second,
		QueryTimeout:      3 * time.Second,
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	cfg.DatabaseURL = databaseURL

	// REDIS_URL is optional; without it rate limiting falls back to the
	// in-process sliding window.
	cfg.RedisURL = os.Getenv("REDIS_URL")

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("API_KEY environment variable is required")
	}
	cfg.APIKey = apiKey

	// JWT_SECRET is optional; when set, signed service tokens are accepted
	// as bearer credentials in addition to the static API key.
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	masterSecret := os.Getenv("MASTER_SECRET")
	if masterSecret == "" {
		return nil, fmt.Errorf("MASTER_SECRET environment variable is required")
	}
	if len(masterSecret) < minMasterSecretLen {
		return nil, fmt.Errorf("MASTER_SECRET must be at least %d characters", minMasterSecretLen)
	}
	cfg.MasterSecret = masterSecret

	var err error
	if cfg.OTPDigits, err = intEnv("OTP_DIGITS", cfg.OTPDigits); err != nil {
		return nil, err
	}
	if cfg.OTPDigits != 6 && cfg.OTPDigits != 8 {
		return nil, fmt.Errorf("OTP_DIGITS must be 6 or 8, got %d", cfg.OTPDigits)
	}
	if cfg.OTPInterval, err = intEnv("OTP_INTERVAL", cfg.OTPInterval); err != nil {
		return nil, err
	}
	if cfg.OTPInterval <= 0 {
		return nil, fmt.Errorf("OTP_INTERVAL must be positive, got %d", cfg.OTPInterval)
	}
	if cfg.OTPWindow, err = intEnv("OTP_WINDOW", cfg.OTPWindow); err != nil {
		return nil, err
	}
	// The drift window is bounded: never more than 2 steps either side.
	if cfg.OTPWindow < 0 || cfg.OTPWindow > 2 {
		return nil, fmt.Errorf("OTP_WINDOW must be between 0 and 2, got %d", cfg.OTPWindow)
	}

	if cfg.RateLimitRequests, err = intEnv("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests); err != nil {
		return nil, err
	}
	if cfg.RateLimitRequests <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", cfg.RateLimitRequests)
	}
	windowSecs, err := intEnv("RATE_LIMIT_WINDOW", int(cfg.RateLimitWindow/time.Second))
	if err != nil {
		return nil, err
	}
	// A zero or negative window would quietly disable the limiter
	if windowSecs <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %d", windowSecs)
	}
	cfg.RateLimitWindow = time.Duration(windowSecs) * time.Second

	timeoutMs, err := intEnv("QUERY_TIMEOUT_MS", int(cfg.QueryTimeout/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.QueryTimeout = time.Duration(timeoutMs) * time.Millisecond

	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	return cfg, nil
}

// intEnv parses an optional integer environment variable, keeping def when unset
func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}
