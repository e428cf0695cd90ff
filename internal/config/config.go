// Package config loads the demo binary's configuration from a YAML
// file plus environment variable overrides, following the teacher
// stack's defaults-then-env-overrides pattern. The core packages
// (tracecontext, security, logger, tracker) never read the process
// environment themselves; only this demo-facing loader does.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"obscore/pkg/obserrors"
)

// Config is the demo binary's full configuration surface.
type Config struct {
	App     AppConfig     `yaml:"app"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracker TrackerConfig `yaml:"tracker"`
}

// AppConfig names the running instance for trace context defaults.
type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// LoggingConfig configures the Sanitizer's MaskingPolicy and the
// Logger Core's default sink.
type LoggingConfig struct {
	Mode       string `yaml:"mode"` // "development" or "production"
	StrictMode bool   `yaml:"strict_mode"`
	MaxDepth   int    `yaml:"max_depth"`
	Level      string `yaml:"level"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TrackerConfig configures the Access Tracker's bounds and background
// compaction cadence.
type TrackerConfig struct {
	MaxTrackedIPs       int           `yaml:"max_tracked_ips"`
	MaxEventsPerIP      int           `yaml:"max_events_per_ip"`
	RetentionTTL        time.Duration `yaml:"retention_ttl"`
	CompactionInterval  time.Duration `yaml:"compaction_interval"`
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	BruteForceWindow    time.Duration `yaml:"brute_force_window"`
	RateLimitThreshold  int           `yaml:"rate_limit_threshold"`
	RateLimitWindow     time.Duration `yaml:"rate_limit_window"`
}

// Load reads configFile (if non-empty), applies defaults for anything
// left unset, applies environment variable overrides, and validates
// the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, obserrors.InvalidInput("load_config", "failed to read config file: "+err.Error())
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, obserrors.InvalidInput("load_config", "failed to parse config file: "+err.Error())
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "obscoredemo"
	}
	if cfg.App.Environment == "" {
		cfg.App.Environment = "production"
	}
	if cfg.App.Version == "" {
		cfg.App.Version = "v0.1.0"
	}

	if cfg.Logging.Mode == "" {
		cfg.Logging.Mode = "production"
	}
	if cfg.Logging.MaxDepth == 0 {
		cfg.Logging.MaxDepth = 50
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9401"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Tracker.MaxTrackedIPs == 0 {
		cfg.Tracker.MaxTrackedIPs = 100000
	}
	if cfg.Tracker.MaxEventsPerIP == 0 {
		cfg.Tracker.MaxEventsPerIP = 200
	}
	if cfg.Tracker.RetentionTTL == 0 {
		cfg.Tracker.RetentionTTL = 24 * time.Hour
	}
	if cfg.Tracker.CompactionInterval == 0 {
		cfg.Tracker.CompactionInterval = 5 * time.Minute
	}
	if cfg.Tracker.BruteForceThreshold == 0 {
		cfg.Tracker.BruteForceThreshold = 5
	}
	if cfg.Tracker.BruteForceWindow == 0 {
		cfg.Tracker.BruteForceWindow = 5 * time.Minute
	}
	if cfg.Tracker.RateLimitThreshold == 0 {
		cfg.Tracker.RateLimitThreshold = 100
	}
	if cfg.Tracker.RateLimitWindow == 0 {
		cfg.Tracker.RateLimitWindow = time.Minute
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.App.Name = getEnvString("OBSCORE_APP_NAME", cfg.App.Name)
	cfg.App.Environment = getEnvString("OBSCORE_APP_ENVIRONMENT", cfg.App.Environment)

	cfg.Logging.Mode = getEnvString("OBSCORE_LOGGING_MODE", cfg.Logging.Mode)
	cfg.Logging.StrictMode = getEnvBool("OBSCORE_LOGGING_STRICT_MODE", cfg.Logging.StrictMode)
	cfg.Logging.MaxDepth = getEnvInt("OBSCORE_LOGGING_MAX_DEPTH", cfg.Logging.MaxDepth)
	cfg.Logging.Level = getEnvString("OBSCORE_LOGGING_LEVEL", cfg.Logging.Level)

	cfg.Metrics.Enabled = getEnvBool("OBSCORE_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Addr = getEnvString("OBSCORE_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Metrics.Path = getEnvString("OBSCORE_METRICS_PATH", cfg.Metrics.Path)

	cfg.Tracker.MaxTrackedIPs = getEnvInt("OBSCORE_TRACKER_MAX_IPS", cfg.Tracker.MaxTrackedIPs)
	cfg.Tracker.MaxEventsPerIP = getEnvInt("OBSCORE_TRACKER_MAX_EVENTS_PER_IP", cfg.Tracker.MaxEventsPerIP)
	cfg.Tracker.RetentionTTL = getEnvDuration("OBSCORE_TRACKER_RETENTION_TTL", cfg.Tracker.RetentionTTL)
	cfg.Tracker.CompactionInterval = getEnvDuration("OBSCORE_TRACKER_COMPACTION_INTERVAL", cfg.Tracker.CompactionInterval)
}

// Validate rejects configurations the core cannot run safely with.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Logging.Mode != "development" && cfg.Logging.Mode != "production" {
		errs = append(errs, fmt.Sprintf("logging.mode must be development or production, got %q", cfg.Logging.Mode))
	}
	if cfg.Logging.MaxDepth <= 0 {
		errs = append(errs, "logging.max_depth must be positive")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr cannot be empty when metrics are enabled")
	}
	if cfg.Tracker.MaxTrackedIPs <= 0 {
		errs = append(errs, "tracker.max_tracked_ips must be positive")
	}
	if cfg.Tracker.MaxEventsPerIP <= 0 {
		errs = append(errs, "tracker.max_events_per_ip must be positive")
	}
	if cfg.Tracker.RetentionTTL <= 0 {
		errs = append(errs, "tracker.retention_ttl must be positive")
	}
	if cfg.Tracker.CompactionInterval <= 0 {
		errs = append(errs, "tracker.compaction_interval must be positive")
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return obserrors.InvalidInput("validate_config", msg)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
