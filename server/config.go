package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Debaq/printerhub/common/config"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig          `toml:"server"`
	Security SecurityConfig        `toml:"security"`
	Database config.DatabaseConfig `toml:"database"`
	Logging  config.LoggingConfig  `toml:"logging"`
	Uploads  UploadsConfig         `toml:"uploads"`
}

// ServerConfig holds server-specific settings.
type ServerConfig struct {
	HTTPPort             int    `toml:"http_port"`
	BindAddress          string `toml:"bind_address"`
	OfflineThresholdSecs int    `toml:"offline_threshold_secs"` // seconds without heartbeat before a printer reads as offline
	PollBatchSize        int    `toml:"poll_batch_size"`        // max commands delivered per poll, capped at 10
	MinAgentVersion      string `toml:"min_agent_version"`      // semver floor for agent heartbeats, empty = accept all
	SessionHours         int    `toml:"session_hours"`
	RememberMeMultiplier int    `toml:"remember_me_multiplier"`
}

// SecurityConfig holds login rate limiting and password policy settings.
type SecurityConfig struct {
	RateLimitEnabled       bool `toml:"rate_limit_enabled"`
	RateLimitMaxAttempts   int  `toml:"rate_limit_max_attempts"`
	RateLimitBlockMinutes  int  `toml:"rate_limit_block_minutes"`
	RateLimitWindowMinutes int  `toml:"rate_limit_window_minutes"`
	PasswordMinLength      int  `toml:"password_min_length"`
	PasswordRequireUpper   bool `toml:"password_require_upper"`
	PasswordRequireNumber  bool `toml:"password_require_number"`
}

// UploadsConfig controls where print file blobs are stored.
type UploadsConfig struct {
	Backend     string `toml:"backend"` // "local" or "s3"
	Dir         string `toml:"dir"`
	MaxSizeMB   int64  `toml:"max_size_mb"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3Bucket    string `toml:"s3_bucket"`
	S3UseSSL    bool   `toml:"s3_use_ssl"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:             8080,
			BindAddress:          "0.0.0.0",
			OfflineThresholdSecs: 60,
			PollBatchSize:        10,
			MinAgentVersion:      "",
			SessionHours:         24,
			RememberMeMultiplier: 7,
		},
		Security: SecurityConfig{
			RateLimitEnabled:       true,
			RateLimitMaxAttempts:   5,
			RateLimitBlockMinutes:  15,
			RateLimitWindowMinutes: 15,
			PasswordMinLength:      8,
		},
		Database: config.DatabaseConfig{
			Path: "printerhub.db",
		},
		Logging: config.LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		Uploads: UploadsConfig{
			Backend:   "local",
			Dir:       "uploads",
			MaxSizeMB: 100,
		},
	}
}

// LoadConfig loads configuration from a TOML file with environment variable
// overrides applied on top.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := config.LoadTOML(configPath, cfg); err != nil {
			return nil, err
		}
	}

	if val := os.Getenv("SERVER_HTTP_PORT"); val != "" {
		var port int
		if _, err := fmt.Sscanf(val, "%d", &port); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("BIND_ADDRESS"); val != "" {
		cfg.Server.BindAddress = val
	}
	if val := os.Getenv("OFFLINE_THRESHOLD_SECS"); val != "" {
		var v int
		if _, err := fmt.Sscanf(val, "%d", &v); err == nil {
			cfg.Server.OfflineThresholdSecs = v
		}
	}
	if val := os.Getenv("MIN_AGENT_VERSION"); val != "" {
		cfg.Server.MinAgentVersion = val
	}
	if val := os.Getenv("UPLOADS_BACKEND"); val != "" {
		cfg.Uploads.Backend = val
	}
	if val := os.Getenv("UPLOADS_DIR"); val != "" {
		cfg.Uploads.Dir = val
	}
	if val := os.Getenv("S3_ENDPOINT"); val != "" {
		cfg.Uploads.S3Endpoint = val
	}
	if val := os.Getenv("S3_ACCESS_KEY"); val != "" {
		cfg.Uploads.S3AccessKey = val
	}
	if val := os.Getenv("S3_SECRET_KEY"); val != "" {
		cfg.Uploads.S3SecretKey = val
	}
	if val := os.Getenv("S3_BUCKET"); val != "" {
		cfg.Uploads.S3Bucket = val
	}

	config.ApplyLoggingEnvOverrides(&cfg.Logging)
	config.ApplyDatabaseEnvOverrides(&cfg.Database)

	return cfg, nil
}

// ValidatePassword checks a password against the configured policy.
func (c *SecurityConfig) ValidatePassword(password string) error {
	minLen := c.PasswordMinLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		return fmt.Errorf("password must be at least %d characters", minLen)
	}
	if c.PasswordRequireUpper && !strings.ContainsFunc(password, func(r rune) bool { return r >= 'A' && r <= 'Z' }) {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if c.PasswordRequireNumber && !strings.ContainsFunc(password, func(r rune) bool { return r >= '0' && r <= '9' }) {
		return fmt.Errorf("password must contain at least one number")
	}
	return nil
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(configPath string) error {
	return config.WriteDefaultTOML(configPath, DefaultConfig())
}
