// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all pearsync daemon configuration. Per-sync settings live in
// the persistent sync-config store, not here.
type Config struct {
	// State database
	StateDBPath string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics
	MetricsAddr string

	// Scan service
	ScanWorkers int

	// Session key for state cache encryption (hex, 32 bytes)
	SessionKey string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		StateDBPath: envOr("PEARSYNC_STATE_DB", "pearsync.db"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		MetricsAddr: envOr("METRICS_ADDR", ""),
		ScanWorkers: envInt("PEARSYNC_SCAN_WORKERS", 1),
		SessionKey:  envOr("PEARSYNC_SESSION_KEY", ""),
	}

	if cfg.ScanWorkers < 1 {
		return nil, fmt.Errorf("PEARSYNC_SCAN_WORKERS must be at least 1")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
