package logger

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds the logger configuration.
type Config struct {
	Level     slog.Level
	Format    string // "json" or "text"
	AddSource bool
	Writer    io.Writer
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: "json",
		Writer: os.Stdout,
	}
}

// LoadConfig reads LOG_LEVEL, LOG_FORMAT and LOG_ADD_SOURCE.
// Unknown values are ignored and keep their defaults.
func LoadConfig() Config {
	config := DefaultConfig()

	if level, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		config.Level = level
	}

	if format := strings.ToLower(os.Getenv("LOG_FORMAT")); format == "text" || format == "json" {
		config.Format = format
	}

	if addSourceStr := os.Getenv("LOG_ADD_SOURCE"); addSourceStr != "" {
		if addSource, err := strconv.ParseBool(addSourceStr); err == nil {
			config.AddSource = addSource
		}
	}

	return config
}

// ParseLevel accepts DEBUG, INFO, WARN, ERROR in any case, or a numeric slog level.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return 0, false
	case "DEBUG":
		return slog.LevelDebug, true
	case "INFO":
		return slog.LevelInfo, true
	case "WARN", "WARNING":
		return slog.LevelWarn, true
	case "ERROR":
		return slog.LevelError, true
	}
	if levelInt, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return slog.Level(levelInt), true
	}
	return 0, false
}
