// Package config provides environment-based configuration for the dashboard server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dashboard server.
type Config struct {
	// Server configuration
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DataDir is where the device/task config, history and task logs live.
	DataDir string `yaml:"data_dir"`

	// Authentication
	JWTSecret string        `yaml:"jwt_secret"`
	JWTExpiry time.Duration `yaml:"jwt_expiry"`

	// AuditDSN is an optional Postgres DSN for the audit event store.
	// When empty, audit events go to the structured log only.
	AuditDSN string `yaml:"audit_dsn"`

	// Secrets encryption (age keys) for credentials at rest.
	AgePublicKey  string `yaml:"age_public_key"`
	AgePrivateKey string `yaml:"age_private_key"`

	// Logging
	LogJSON  bool   `yaml:"log_json"`
	LogLevel string `yaml:"log_level"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Scheduler configuration
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	// PollInterval is how often the scheduler checks for due tasks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BackupTimeout bounds a single backup run.
	BackupTimeout time.Duration `yaml:"backup_timeout"`
}

// Load reads configuration from the environment, with an optional YAML file
// overlay pointed to by DEQ_CONFIG applied first.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DEQ_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.Host = getEnv("DEQ_HOST", cfg.Host)
	cfg.Port = getIntEnv("DEQ_PORT", cfg.Port)
	cfg.DataDir = getEnv("DEQ_DATA_DIR", cfg.DataDir)
	cfg.JWTSecret = getEnv("DEQ_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTExpiry = getDurationEnv("DEQ_JWT_EXPIRY", cfg.JWTExpiry)
	cfg.AuditDSN = getEnv("DEQ_AUDIT_DSN", cfg.AuditDSN)
	cfg.AgePublicKey = getEnv("DEQ_AGE_PUBLIC_KEY", cfg.AgePublicKey)
	cfg.AgePrivateKey = getEnv("DEQ_AGE_PRIVATE_KEY", cfg.AgePrivateKey)
	cfg.LogJSON = getBoolEnv("DEQ_LOG_JSON", cfg.LogJSON)
	cfg.LogLevel = getEnv("DEQ_LOG_LEVEL", cfg.LogLevel)
	cfg.ShutdownTimeout = getDurationEnv("DEQ_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.Scheduler.PollInterval = getDurationEnv("DEQ_SCHEDULER_POLL_INTERVAL", cfg.Scheduler.PollInterval)
	cfg.Scheduler.BackupTimeout = getDurationEnv("DEQ_BACKUP_TIMEOUT", cfg.Scheduler.BackupTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler poll interval must be at least 1s, got %s", c.Scheduler.PollInterval)
	}
	return nil
}

// LoadWithDefaults returns a configuration with defaults only, skipping the
// environment and validation. Useful for testing.
func LoadWithDefaults() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            7654,
		DataDir:         "/var/lib/deq",
		JWTExpiry:       24 * time.Hour,
		LogJSON:         true,
		LogLevel:        "info",
		ShutdownTimeout: 30 * time.Second,
		Scheduler: SchedulerConfig{
			PollInterval:  60 * time.Second,
			BackupTimeout: time.Hour,
		},
	}
}

// getEnv retrieves an environment variable with a fallback default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable with a fallback default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getBoolEnv retrieves a boolean environment variable with a fallback default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getDurationEnv retrieves a duration environment variable with a fallback default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
