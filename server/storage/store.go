package storage

import (
	"fmt"

	"github.com/Debaq/printerhub/common/config"
)

// NewStore creates a Store implementation based on the database
// configuration. SQLite is the default; PostgreSQL is selected with
// driver "postgres".
//
// For SQLite: uses Path from config or defaults to "printerhub.db".
// For PostgreSQL: uses DSN or builds a connection string from Host, Port,
// User, Password, Name.
func NewStore(cfg *config.DatabaseConfig) (Store, error) {
	if cfg == nil {
		cfg = &config.DatabaseConfig{}
	}

	driver := cfg.EffectiveDriver()

	switch driver {
	case "sqlite", "sqlite3", "modernc", "modernc-sqlite":
		path := cfg.BuildDSN()
		if path == "" {
			path = "printerhub.db"
		}
		return NewSQLiteStore(path)

	case "postgres", "postgresql":
		return NewPostgresStore(cfg)

	default:
		return nil, fmt.Errorf("unsupported database driver: %q (supported: sqlite, postgres)", driver)
	}
}
