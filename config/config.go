package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Host string // default: "" (all interfaces)
	Port string // default: 8080

	// Logging
	LogLevel string // debug|info|warn|error, default: info
	LogFile  string // empty: stderr only

	// Upstream
	UpstreamTimeout time.Duration // default: 120s

	// Storage
	StorageBackend string // "file" or "postgres", default: file
	StorageFile    string // default: providers.json
	PostgresDSN    string

	// Cache / rate limiting
	RedisAddr     string // empty: rate limiting disabled
	RedisPassword string
	RedisDB       int
	RateLimitTPM  int64 // tokens per minute per client, default: 100000

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp", default: none
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Host:                 os.Getenv("HOST"),
		Port:                 getEnv("PORT", "8080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFile:              os.Getenv("LOG_FILE"),
		StorageBackend:       getEnv("STORAGE_BACKEND", "file"),
		StorageFile:          getEnv("STORAGE_FILE", "providers.json"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "none"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	secs, err := getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	if secs <= 0 {
		return nil, fmt.Errorf("UPSTREAM_TIMEOUT_SECONDS must be positive, got %d", secs)
	}
	cfg.UpstreamTimeout = time.Duration(secs) * time.Second

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = db

	tpm, err := getEnvInt("RATE_LIMIT_TPM", 100000)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitTPM = int64(tpm)

	// Validation
	switch cfg.StorageBackend {
	case "file":
		if cfg.StorageFile == "" {
			return nil, fmt.Errorf("STORAGE_FILE is required with the file backend")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required with the postgres backend")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q, want file or postgres", cfg.StorageBackend)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	switch cfg.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q, want none, stdout or otlp", cfg.OTELExporterType)
	}

	return cfg, nil
}

// Addr returns the host:port the server should listen on.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// ParseLevel maps a config level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q, want debug, info, warn or error", s)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
