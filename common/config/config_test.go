package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestEffectiveDriver(t *testing.T) {
	tests := []struct {
		driver string
		want   string
	}{
		{"", "sqlite"},
		{"sqlite", "sqlite"},
		{" Postgres ", "postgres"},
		{"POSTGRESQL", "postgresql"},
	}
	for _, tt := range tests {
		cfg := &DatabaseConfig{Driver: tt.driver}
		if got := cfg.EffectiveDriver(); got != tt.want {
			t.Errorf("EffectiveDriver(%q) = %q, want %q", tt.driver, got, tt.want)
		}
	}
}

func TestBuildDSN_SQLite(t *testing.T) {
	cfg := &DatabaseConfig{Path: "data/printerhub.db"}
	if got := cfg.BuildDSN(); got != "data/printerhub.db" {
		t.Errorf("BuildDSN() = %q, want path", got)
	}

	cfg = &DatabaseConfig{Path: "ignored.db", DSN: "file:custom.db?cache=shared"}
	if got := cfg.BuildDSN(); got != "file:custom.db?cache=shared" {
		t.Errorf("explicit DSN should win, got %q", got)
	}
}

func TestBuildDSN_Postgres(t *testing.T) {
	cfg := &DatabaseConfig{Driver: "postgres", Host: "db.local", Port: 5433, User: "hub", Password: "s3cret", Name: "fleet"}
	dsn := cfg.BuildDSN()
	for _, part := range []string{"host=db.local", "port=5433", "dbname=fleet", "user=hub", "password=s3cret"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("DSN missing %q: %s", part, dsn)
		}
	}

	// Defaults kick in when only the driver is set.
	cfg = &DatabaseConfig{Driver: "postgres"}
	dsn = cfg.BuildDSN()
	for _, part := range []string{"host=localhost", "port=5432", "dbname=printerhub"} {
		if !strings.Contains(dsn, part) {
			t.Errorf("default DSN missing %q: %s", part, dsn)
		}
	}
}

func TestTOMLRoundTrip(t *testing.T) {
	type wrapped struct {
		Database DatabaseConfig `toml:"database"`
		Logging  LoggingConfig  `toml:"logging"`
	}

	path := filepath.Join(t.TempDir(), "server.toml")
	in := wrapped{
		Database: DatabaseConfig{Driver: "sqlite", Path: "x.db"},
		Logging:  LoggingConfig{Level: "debug"},
	}
	if err := WriteDefaultTOML(path, &in); err != nil {
		t.Fatalf("WriteDefaultTOML: %v", err)
	}

	var out wrapped
	if err := LoadTOML(path, &out); err != nil {
		t.Fatalf("LoadTOML: %v", err)
	}
	if out.Database.Path != "x.db" || out.Logging.Level != "debug" {
		t.Errorf("round trip mismatch: %+v", out)
	}
}
