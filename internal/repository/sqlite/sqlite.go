// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// mattn/go-sqlite3 uses CGo, which means a C toolchain and painful
// cross-compilation. modernc.org/sqlite is a pure Go translation of the
// SQLite C code.
//
// DATABASE/SQL OVERVIEW:
//   - sql.DB:   a connection pool (NOT a single connection!)
//   - sql.Tx:   a transaction, pinned to one connection
//   - sql.Row:  a single result row
//   - sql.Rows: multiple result rows (must be closed!)
//
// Every store in this package runs its statements through a querier, which
// both *sql.DB and *sql.Tx satisfy. That is what lets the same UserDB code
// run either directly on the pool or inside WithinTx.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/accounts/internal/repository"
)

// querier is the subset of *sql.DB and *sql.Tx the stores use.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool and hands out the stores.
type DB struct {
	conn *sql.DB
}

var _ repository.Transactor = (*DB)(nil)

// New opens the database at dbPath, applies the pragmas and runs migrations.
//
// dbPath examples:
//   - "data/accounts.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests, lost on close)
//
// SINGLE CONNECTION:
// SQLite allows one writer at a time, and an in-memory database exists per
// connection. The pool is capped at one connection, so every statement sees
// the same database and writers queue in database/sql instead of failing
// with SQLITE_BUSY. The consequence: code running inside WithinTx must use
// the repository it was handed, never the pool, or it waits on itself.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress (file databases).
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	// Foreign keys are OFF by default in SQLite. provider_links relies on them.
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := wrap(conn)
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// wrap builds a DB around an already-open pool without touching the schema.
// Tests use it with go-sqlmock.
func wrap(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable. Used by the health check.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Users returns the user store running on the pool.
func (db *DB) Users() *UserDB {
	return &UserDB{q: db.conn, pool: db.conn}
}

// Statistics returns the statistics store.
func (db *DB) Statistics() *StatisticsDB {
	return &StatisticsDB{q: db.conn}
}

// WithinTx runs fn in a transaction. fn gets a UserDB bound to the tx.
// If fn returns an error or panics the transaction is rolled back.
func (db *DB) WithinTx(ctx context.Context, fn func(repository.UserRepository) error) error {
	return runInTx(ctx, db.conn, func(tx *sql.Tx) error {
		return fn(&UserDB{q: tx})
	})
}

// runInTx begins a transaction on pool, calls fn, and commits or rolls back.
func runInTx(ctx context.Context, pool *sql.DB, fn func(*sql.Tx) error) (err error) {
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("sqlite: rolling back: %w", rbErr))
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE or PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// migrate creates the schema.
//
// CREATE TABLE IF NOT EXISTS is idempotent, so this runs on every start.
func (db *DB) migrate() error {
	// refresh_token and email_verify_token are UNIQUE so a presented token
	// resolves to at most one user. SQLite allows many NULLs in a UNIQUE column.
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id                 TEXT PRIMARY KEY,
			email              TEXT NOT NULL UNIQUE,
			username           TEXT NOT NULL,
			password_hash      TEXT,
			refresh_token      TEXT UNIQUE,
			is_verified        INTEGER NOT NULL DEFAULT 0,
			email_verify_token TEXT UNIQUE,
			login_times        INTEGER NOT NULL DEFAULT 0,
			created_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	// One row per (provider, provider_id) system-wide, and at most one link
	// per provider on a user.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS provider_links (
			id          TEXT PRIMARY KEY,
			provider    TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (provider, provider_id),
			UNIQUE (user_id, provider)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating provider_links table: %w", err)
	}

	// date is YYYY-MM-DD (UTC), which sorts and compares as text.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS daily_statistics (
			date        TEXT PRIMARY KEY,
			login_times INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return fmt.Errorf("creating daily_statistics table: %w", err)
	}

	return nil
}
