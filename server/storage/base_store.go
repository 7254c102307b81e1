package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// BaseStore provides shared database operations that work across SQLite and
// PostgreSQL. It embeds a *sql.DB connection and a Dialect for SQL syntax
// differences.
//
// Query placeholders are written in SQLite style (?) and converted at runtime
// when using PostgreSQL, so every query lives in exactly one place.
type BaseStore struct {
	db      *sql.DB
	dialect Dialect
	dbPath  string // path or DSN, for diagnostics
}

// NewBaseStore creates a new BaseStore with the given database connection
// and dialect.
func NewBaseStore(db *sql.DB, dialect Dialect, dbPath string) *BaseStore {
	return &BaseStore{
		db:      db,
		dialect: dialect,
		dbPath:  dbPath,
	}
}

// DB returns the underlying database connection.
func (s *BaseStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect being used.
func (s *BaseStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *BaseStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// query converts SQLite-style ? placeholders to the dialect's format.
func (s *BaseStore) query(q string) string {
	if s.dialect.Name() == "postgres" {
		return ConvertPlaceholders(q)
	}
	return q
}

// execContext wraps ExecContext with placeholder conversion.
func (s *BaseStore) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.query(query), args...)
}

// queryContext wraps QueryContext with placeholder conversion.
func (s *BaseStore) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.query(query), args...)
}

// queryRowContext wraps QueryRowContext with placeholder conversion.
func (s *BaseStore) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.query(query), args...)
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. The tx passed to fn converts placeholders the same way as
// the store-level wrappers.
func (s *BaseStore) withTx(ctx context.Context, fn func(tx *storeTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	st := &storeTx{tx: tx, store: s}
	if err := fn(st); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			logWarn("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

// storeTx is a transaction handle with the same placeholder conversion as
// BaseStore.
type storeTx struct {
	tx    *sql.Tx
	store *BaseStore
}

func (t *storeTx) execContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.store.query(query), args...)
}

func (t *storeTx) queryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.store.query(query), args...)
}

func (t *storeTx) queryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.store.query(query), args...)
}
