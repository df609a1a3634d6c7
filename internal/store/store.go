// Package store is the persistence layer: a single SQLite file holding
// users, form values, the audit log, LDX processing records, sensors, and
// settings. Multi-statement logical operations run inside explicit
// transactions owned by the caller (value service, LDX watcher).
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/rennteam/pitwall/internal/apperr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeFormat is how timestamps are stored. RFC 3339 with nanoseconds keeps
// lexicographic order equal to chronological order for index scans.
const timeFormat = time.RFC3339Nano

// DB wraps the sql.DB connection to the SQLite database.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// any pending migrations.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// races between our own goroutines.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(conn, "migrations")
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for tests.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Tx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (d *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Storage, err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Storage, err, "commit transaction")
	}
	return nil
}

// storeErr converts driver errors to kinded errors. Unique and foreign key
// violations surface as Conflict; everything else is Storage.
func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, err, msg)
	}
	s := err.Error()
	if strings.Contains(s, "UNIQUE constraint failed") {
		return apperr.Wrap(apperr.Conflict, err, msg)
	}
	if strings.Contains(s, "FOREIGN KEY constraint failed") {
		return apperr.Wrap(apperr.Conflict, err, msg)
	}
	return apperr.Wrap(apperr.Storage, err, msg)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// Tolerate second-precision rows (e.g. datetime('now') defaults).
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t.UTC()
}
