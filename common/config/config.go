// Package config provides shared configuration utilities for PrinterHub components
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// DatabaseConfig holds database connection settings. SQLite is the default
// single-writer embedded store; PostgreSQL is available for multi-writer
// deployments.
type DatabaseConfig struct {
	Driver   string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path     string `toml:"path"`   // SQLite file path
	DSN      string `toml:"dsn"`    // Full DSN, overrides Host/Port/... when set
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Name     string `toml:"name"`

	MaxOpenConns        int `toml:"max_open_conns"`
	MaxIdleConns        int `toml:"max_idle_conns"`
	ConnMaxLifetimeSecs int `toml:"conn_max_lifetime_secs"`
}

// EffectiveDriver normalizes the configured driver name, defaulting to sqlite.
func (c *DatabaseConfig) EffectiveDriver() string {
	d := strings.ToLower(strings.TrimSpace(c.Driver))
	if d == "" {
		return "sqlite"
	}
	return d
}

// BuildDSN returns the connection string for the effective driver. For SQLite
// this is the file path; for PostgreSQL either the explicit DSN or one
// assembled from the host fields.
func (c *DatabaseConfig) BuildDSN() string {
	switch c.EffectiveDriver() {
	case "postgres", "postgresql":
		if c.DSN != "" {
			return c.DSN
		}
		host := c.Host
		if host == "" {
			host = "localhost"
		}
		port := c.Port
		if port == 0 {
			port = 5432
		}
		name := c.Name
		if name == "" {
			name = "printerhub"
		}
		dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=disable", host, port, name)
		if c.User != "" {
			dsn += " user=" + c.User
		}
		if c.Password != "" {
			dsn += " password=" + c.Password
		}
		return dsn
	default:
		if c.DSN != "" {
			return c.DSN
		}
		return c.Path
	}
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// ApplyDatabaseEnvOverrides applies common environment variable overrides
func ApplyDatabaseEnvOverrides(cfg *DatabaseConfig) {
	if val := os.Getenv("DB_DRIVER"); val != "" {
		cfg.Driver = val
	}
	if val := os.Getenv("DB_PATH"); val != "" {
		cfg.Path = val
	}
	if val := os.Getenv("DB_DSN"); val != "" {
		cfg.DSN = val
	}
}

// ApplyLoggingEnvOverrides applies logging environment variable overrides
func ApplyLoggingEnvOverrides(cfg *LoggingConfig) {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		cfg.Level = val
	}
}

// LoadTOML loads a TOML configuration file into the provided structure
func LoadTOML(configPath string, config interface{}) error {
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("config file not found: %w", err)
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// WriteDefaultTOML writes a default TOML configuration file with the provided structure
func WriteDefaultTOML(configPath string, config interface{}) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
