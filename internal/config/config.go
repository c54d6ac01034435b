package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/vdavid/vmail-leases/internal/lease"
)

type Config struct {
	Environment string
	AdminToken  string
	DBHost      string
	DBPort      string
	DBUsername  string
	DBPassword  string
	DBName      string
	DBSSLMode   string
	Port        string

	// Raw leak detection settings, as read from the environment.
	LeakDetectionEnabled string
	LeaseTimeoutMillis   string
	SweepIntervalMillis  string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:          env,
		AdminToken:           os.Getenv("VMAIL_ADMIN_TOKEN"),
		DBHost:               getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:               getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:           getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:           os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:               getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:            getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                 getEnvOrDefault("PORT", "11764"),
		LeakDetectionEnabled: os.Getenv("VMAIL_LEASE_LEAK_DETECTION"),
		LeaseTimeoutMillis:   os.Getenv("VMAIL_LEASE_TIMEOUT_MS"),
		SweepIntervalMillis:  os.Getenv("VMAIL_LEASE_SWEEP_INTERVAL_MS"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("VMAIL_ADMIN_TOKEN is required")
	}

	if !isValidPort(c.Port) {
		return fmt.Errorf("PORT is not a valid port number: %q", c.Port)
	}

	if c.PersistLeaks() && !isValidPort(c.DBPort) {
		return fmt.Errorf("VMAIL_DB_PORT is not a valid port number: %q", c.DBPort)
	}

	return nil
}

// LeakDetection parses the leak detector configuration.
// It never fails startup: an invalid setting is logged and leak detection stays off.
func (c *Config) LeakDetection() lease.DetectorConfig {
	cfg, err := lease.ParseDetectorConfig(c.LeakDetectionEnabled, c.LeaseTimeoutMillis, c.SweepIntervalMillis)
	if err != nil {
		var cfgErr *lease.ConfigurationError
		if errors.As(err, &cfgErr) {
			slog.Warn("lease leak detection disabled", "setting", cfgErr.Setting, "value", cfgErr.Value, "error", cfgErr.Err)
		} else {
			slog.Warn("lease leak detection disabled", "error", err)
		}
	}
	return cfg
}

// PersistLeaks reports whether leak reports are written to Postgres.
func (c *Config) PersistLeaks() bool {
	return c.DBPassword != ""
}

func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
