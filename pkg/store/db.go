// Package store opens and migrates the relational store. SQL throughout the
// codebase uses $1-style placeholders, which both supported drivers accept,
// so one statement body serves Postgres (production) and SQLite (dev/tests).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Open connects to the store. driver is "postgres" or "sqlite".
func Open(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// The journal append path needs a single linearized writer.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite store for tests and local runs.
func OpenMemory() (*sql.DB, error) {
	return Open("sqlite", "file::memory:?cache=shared")
}

// timeFormat is the canonical stored form of all timestamps.
const timeFormat = time.RFC3339Nano

// FormatTime renders t in the stored form.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// BeginSerializable starts a serializable transaction; the journal's
// read-latest-and-append critical section runs at this level so concurrent
// appends cannot fork the hash chain.
func BeginSerializable(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	return db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}
