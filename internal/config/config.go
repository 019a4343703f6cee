// Package config loads runtime settings from the environment and an optional .env file.
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
)

// Config holds every runtime setting of the server.
type Config struct {
	HTTPAddr         string
	StoreDriver      string
	DatabaseURL      string
	RedisAddr        string
	BorrowRateLimit  float64
	BorrowRateBurst  int
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	OTLPEndpoint     string
	LogLevel         slog.Level
	ServiceName      string
}

var (
	// ErrMissingDatabaseURL is returned when a SQL driver is selected without a DSN.
	ErrMissingDatabaseURL = errors.New("DATABASE_URL is required for sql store drivers")

	// ErrUnknownStoreDriver is returned for a STORE_DRIVER outside the supported set.
	ErrUnknownStoreDriver = errors.New("unknown STORE_DRIVER")
)

// StoreDrivers lists the accepted STORE_DRIVER values.
var StoreDrivers = []string{"memory", "postgres", "pgx", "mysql", "sqlite3"}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the process environment and validates it.
func FromEnv() (Config, error) {
	var errs []error

	cfg := Config{
		HTTPAddr:     GetEnv("HTTP_ADDR", ":8080"),
		StoreDriver:  strings.ToLower(GetEnv("STORE_DRIVER", "memory")),
		DatabaseURL:  GetEnv("DATABASE_URL"),
		RedisAddr:    GetEnv("REDIS_ADDR"),
		OTLPEndpoint: GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:  GetEnv("SERVICE_NAME", "librashelf"),
	}

	var err error
	if cfg.BorrowRateLimit, err = strconv.ParseFloat(GetEnv("BORROW_RATE_LIMIT", "100"), 64); err != nil {
		errs = append(errs, fmt.Errorf("BORROW_RATE_LIMIT: %w", err))
	}
	if cfg.BorrowRateBurst, err = strconv.Atoi(GetEnv("BORROW_RATE_BURST", "200")); err != nil {
		errs = append(errs, fmt.Errorf("BORROW_RATE_BURST: %w", err))
	}
	if cfg.RetryMaxAttempts, err = strconv.Atoi(GetEnv("RETRY_MAX_ATTEMPTS", "5")); err != nil {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS: %w", err))
	}
	if cfg.RetryBaseDelay, err = time.ParseDuration(GetEnv("RETRY_BASE_DELAY", "5ms")); err != nil {
		errs = append(errs, fmt.Errorf("RETRY_BASE_DELAY: %w", err))
	}
	if err = cfg.LogLevel.UnmarshalText([]byte(GetEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	known := false
	for _, d := range StoreDrivers {
		if c.StoreDriver == d {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q (want one of %s)", ErrUnknownStoreDriver, c.StoreDriver, strings.Join(StoreDrivers, ", "))
	}
	if c.StoreDriver != "memory" && c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be positive, got %d", c.RetryMaxAttempts)
	}
	return nil
}

// GetEnv returns the value of key, or the first default when key is unset.
func GetEnv(key string, defaultValue ...string) string {
	value, exists := os.LookupEnv(key)
	if !exists && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return value
}
