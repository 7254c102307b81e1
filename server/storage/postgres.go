package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver via database/sql

	"github.com/Debaq/printerhub/common/config"
)

// PostgresStore implements Store using PostgreSQL via pgx.
type PostgresStore struct {
	*BaseStore
}

// NewPostgresStore creates a new PostgreSQL-backed store. Connection pool
// limits come from the database config; zero values keep the driver
// defaults.
func NewPostgresStore(cfg *config.DatabaseConfig) (*PostgresStore, error) {
	dsn := cfg.BuildDSN()
	if dsn == "" {
		return nil, fmt.Errorf("postgres requires a DSN or host/name configuration")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeSecs) * time.Second)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{
		BaseStore: NewBaseStore(db, &PostgresDialect{}, dsn),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	logInfo("postgres store ready", "host", cfg.Host, "database", cfg.Name)
	return store, nil
}

// initSchema creates tables if they don't exist. Mirrors the SQLite schema
// with native PostgreSQL types.
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS printers (
		id BIGSERIAL PRIMARY KEY,
		token TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		is_public BOOLEAN NOT NULL DEFAULT FALSE,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_printers_token ON printers(token);
	CREATE INDEX IF NOT EXISTS idx_printers_last_seen ON printers(last_seen);

	CREATE TABLE IF NOT EXISTS printer_states (
		printer_id BIGINT PRIMARY KEY REFERENCES printers(id) ON DELETE CASCADE,
		status TEXT NOT NULL DEFAULT 'idle',
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_file TEXT,
		temp_hotend DOUBLE PRECISION NOT NULL DEFAULT 0,
		temp_bed DOUBLE PRECISION NOT NULL DEFAULT 0,
		temp_hotend_target DOUBLE PRECISION NOT NULL DEFAULT 0,
		temp_bed_target DOUBLE PRECISION NOT NULL DEFAULT 0,
		print_speed INTEGER NOT NULL DEFAULT 100,
		fan_speed INTEGER NOT NULL DEFAULT 0,
		time_remaining BIGINT,
		image TEXT,
		uptime TEXT,
		bed_status TEXT,
		filament TEXT,
		tags TEXT,
		files TEXT,
		raw_data TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		printer_id BIGINT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		kind TEXT NOT NULL DEFAULT 'generic',
		type TEXT NOT NULL DEFAULT 'basic',
		command TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_commands_printer_status ON commands(printer_id, status);
	CREATE INDEX IF NOT EXISTS idx_commands_priority ON commands(priority, created_at);

	CREATE TABLE IF NOT EXISTS command_history (
		id BIGSERIAL PRIMARY KEY,
		command_id BIGINT,
		printer_id BIGINT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		user_id BIGINT,
		kind TEXT,
		command TEXT,
		result TEXT NOT NULL,
		error_message TEXT,
		executed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_command_history_printer ON command_history(printer_id, executed_at);

	CREATE TABLE IF NOT EXISTS files (
		id BIGSERIAL PRIMARY KEY,
		storage_key TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL,
		printer_id BIGINT REFERENCES printers(id) ON DELETE CASCADE,
		uploaded_by BIGINT,
		uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		downloaded BOOLEAN NOT NULL DEFAULT FALSE,
		is_private BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_files_printer ON files(printer_id);
	CREATE INDEX IF NOT EXISTS idx_files_storage_key ON files(storage_key);

	CREATE TABLE IF NOT EXISTS jobs (
		id BIGSERIAL PRIMARY KEY,
		printer_id BIGINT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		file_id BIGINT,
		user_id BIGINT,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ended_at TIMESTAMPTZ,
		duration_secs BIGINT,
		filament_grams DOUBLE PRECISION,
		status TEXT NOT NULL DEFAULT 'in_progress',
		error_message TEXT,
		is_private BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_printer_status ON jobs(printer_id, status);

	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		can_print_private BOOLEAN NOT NULL DEFAULT FALSE,
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_login TIMESTAMPTZ,
		last_ip TEXT
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		ip_address TEXT,
		user_agent TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	CREATE TABLE IF NOT EXISTS groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		permissions TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS printer_assignments (
		printer_id BIGINT NOT NULL REFERENCES printers(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		can_control BOOLEAN NOT NULL DEFAULT FALSE,
		can_view_details BOOLEAN NOT NULL DEFAULT FALSE,
		assigned_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (printer_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS action_logs (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT,
		username TEXT,
		action_type TEXT NOT NULL,
		target_type TEXT,
		target_id BIGINT,
		target_name TEXT,
		description TEXT,
		ip_address TEXT,
		user_agent TEXT,
		metadata TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_action_logs_created ON action_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_action_logs_target ON action_logs(target_type, target_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, schemaVersion)
	return err
}
