package lease

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout is how long a lease may be held before it counts as leaked.
	DefaultTimeout = 60 * time.Second
	// DefaultSweepInterval is the delay between two leak detector passes.
	DefaultSweepInterval = 10 * time.Second
)

// DetectorConfig is the process-wide leak detection configuration.
// The zero value has leak detection disabled.
type DetectorConfig struct {
	Enabled       bool
	Timeout       time.Duration
	SweepInterval time.Duration
}

// DefaultDetectorConfig returns leak detection disabled, with the default timings.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Enabled:       false,
		Timeout:       DefaultTimeout,
		SweepInterval: DefaultSweepInterval,
	}
}

// ParseDetectorConfig builds a DetectorConfig from raw setting values.
// Empty values keep their defaults. On any invalid value it returns the disabled
// default together with a *ConfigurationError.
func ParseDetectorConfig(enabled, timeoutMillis, intervalMillis string) (DetectorConfig, error) {
	cfg := DefaultDetectorConfig()

	if v := strings.TrimSpace(enabled); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return DefaultDetectorConfig(), &ConfigurationError{Setting: "enabled", Value: enabled, Err: err}
		}
		cfg.Enabled = on
	}

	var err error
	if cfg.Timeout, err = parseMillis("timeout", timeoutMillis, cfg.Timeout); err != nil {
		return DefaultDetectorConfig(), err
	}
	if cfg.SweepInterval, err = parseMillis("sweep_interval", intervalMillis, cfg.SweepInterval); err != nil {
		return DefaultDetectorConfig(), err
	}
	return cfg, nil
}

func parseMillis(setting, raw string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &ConfigurationError{Setting: setting, Value: raw, Err: err}
	}
	if ms <= 0 {
		return 0, &ConfigurationError{Setting: setting, Value: raw, Err: errors.New("must be positive")}
	}
	return time.Duration(ms) * time.Millisecond, nil
}
