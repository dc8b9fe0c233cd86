package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := lookup(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			invalid(key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := lookup(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			invalid(key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration parses a Go duration string such as "90s"; a bare integer is
// read in the given unit.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(n) * unit
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		invalid(key, err)
		return fallback
	}
	return parsed
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func invalid(key string, err error) {
	slog.Warn("invalid configuration value, using default", "key", key, "error", err)
}
