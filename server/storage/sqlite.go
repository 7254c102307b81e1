package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO required)
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	*BaseStore
}

const schemaVersion = 1

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists (unless in-memory)
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	// Connection string with pragmas (skip WAL for in-memory databases)
	connStr := dbPath
	if dbPath != ":memory:" {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=cache_size(-64000)&_pragma=foreign_keys(1)"
	} else {
		connStr += "?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		BaseStore: NewBaseStore(db, &SQLiteDialect{}, dbPath),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	logInfo("sqlite store ready", "path", dbPath)
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Schema version tracking
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	-- Registered printers. Token identifies the agent; status holds the
	-- last reported state only ("offline" is derived at read time).
	CREATE TABLE IF NOT EXISTS printers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		token TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'offline',
		last_seen DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		is_public INTEGER NOT NULL DEFAULT 0,
		notes TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_printers_token ON printers(token);
	CREATE INDEX IF NOT EXISTS idx_printers_last_seen ON printers(last_seen);

	-- Latest telemetry snapshot, one row per printer, replaced on every
	-- heartbeat.
	CREATE TABLE IF NOT EXISTS printer_states (
		printer_id INTEGER PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		progress REAL NOT NULL DEFAULT 0,
		current_file TEXT,
		temp_hotend REAL NOT NULL DEFAULT 0,
		temp_bed REAL NOT NULL DEFAULT 0,
		temp_hotend_target REAL NOT NULL DEFAULT 0,
		temp_bed_target REAL NOT NULL DEFAULT 0,
		print_speed INTEGER NOT NULL DEFAULT 100,
		fan_speed INTEGER NOT NULL DEFAULT 0,
		time_remaining INTEGER,
		image TEXT,
		uptime TEXT,
		bed_status TEXT,
		filament TEXT,
		tags TEXT,
		files TEXT,
		raw_data TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	-- Command queue
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		printer_id INTEGER NOT NULL,
		kind TEXT NOT NULL DEFAULT 'generic',
		type TEXT NOT NULL DEFAULT 'basic',
		command TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 5,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		sent_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_commands_printer_status ON commands(printer_id, status);
	CREATE INDEX IF NOT EXISTS idx_commands_priority ON commands(priority, created_at);

	-- Issuance audit trail, written in the same transaction as the
	-- command insert.
	CREATE TABLE IF NOT EXISTS command_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id INTEGER,
		printer_id INTEGER NOT NULL,
		user_id INTEGER,
		kind TEXT,
		command TEXT,
		result TEXT NOT NULL,
		error_message TEXT,
		executed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_command_history_printer ON command_history(printer_id, executed_at);

	-- Print files. printer_id NULL means available to all printers.
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		storage_key TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		checksum TEXT NOT NULL,
		printer_id INTEGER,
		uploaded_by INTEGER,
		uploaded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		downloaded INTEGER NOT NULL DEFAULT 0,
		is_private INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_files_printer ON files(printer_id);
	CREATE INDEX IF NOT EXISTS idx_files_storage_key ON files(storage_key);

	-- Print jobs
	CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		printer_id INTEGER NOT NULL,
		file_id INTEGER,
		user_id INTEGER,
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME,
		duration_secs INTEGER,
		filament_grams REAL,
		status TEXT NOT NULL DEFAULT 'in_progress',
		error_message TEXT,
		is_private INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_printer_status ON jobs(printer_id, status);

	-- Operator accounts
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		can_print_private INTEGER NOT NULL DEFAULT 0,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_login DATETIME,
		last_ip TEXT
	);

	-- Sessions store a SHA-256 hash of the bearer token, never the raw
	-- token.
	CREATE TABLE IF NOT EXISTS sessions (
		token_hash TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		expires_at DATETIME NOT NULL,
		ip_address TEXT,
		user_agent TEXT,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

	-- Permission groups
	CREATE TABLE IF NOT EXISTS groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		permissions TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_groups (
		user_id INTEGER NOT NULL,
		group_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, group_id),
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE,
		FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
	);

	-- Per-printer permissions
	CREATE TABLE IF NOT EXISTS printer_assignments (
		printer_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		can_control INTEGER NOT NULL DEFAULT 0,
		can_view_details INTEGER NOT NULL DEFAULT 0,
		assigned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (printer_id, user_id),
		FOREIGN KEY(printer_id) REFERENCES printers(id) ON DELETE CASCADE,
		FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	-- System-wide audit log, append only
	CREATE TABLE IF NOT EXISTS action_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		username TEXT,
		action_type TEXT NOT NULL,
		target_type TEXT,
		target_id INTEGER,
		target_name TEXT,
		description TEXT,
		ip_address TEXT,
		user_agent TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_action_logs_created ON action_logs(created_at);
	CREATE INDEX IF NOT EXISTS idx_action_logs_target ON action_logs(target_type, target_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}
