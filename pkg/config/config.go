package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds host configuration. The kernel itself is configured by a
// Manifest; Config only says where things live.
type Config struct {
	ManifestPath string
	LogLevel     string
	LogFormat    string

	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	OTelEnabled  bool
	OTelEndpoint string

	ArchiveBucket string
	ArchiveRegion string

	BusBuffer int
	BusRate   float64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ManifestPath:  getenv("OPENIBANK_KERNEL_MANIFEST", "openibank.yaml"),
		LogLevel:      strings.ToUpper(getenv("OPENIBANK_LOG_LEVEL", "INFO")),
		LogFormat:     strings.ToLower(getenv("OPENIBANK_LOG_FORMAT", "text")),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    os.Getenv("OPENIBANK_SQLITE_PATH"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTelEnabled:   os.Getenv("OPENIBANK_OTEL_ENABLED") == "true",
		ArchiveBucket: os.Getenv("OPENIBANK_ARCHIVE_BUCKET"),
		ArchiveRegion: getenv("OPENIBANK_ARCHIVE_REGION", "us-east-1"),
		BusBuffer:     64,
	}

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return nil, fmt.Errorf("config: OPENIBANK_LOG_LEVEL %q: want DEBUG, INFO, WARN or ERROR", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return nil, fmt.Errorf("config: OPENIBANK_LOG_FORMAT %q: want text or json", cfg.LogFormat)
	}

	if v := os.Getenv("OPENIBANK_BUS_BUFFER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: OPENIBANK_BUS_BUFFER %q: want a positive integer", v)
		}
		cfg.BusBuffer = n
	}
	if v := os.Getenv("OPENIBANK_BUS_RATE"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r < 0 {
			return nil, fmt.Errorf("config: OPENIBANK_BUS_RATE %q: want a non-negative number", v)
		}
		cfg.BusRate = r
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
