package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the embedded database collaborator handed to storage handlers.
// Uses SQLite with WAL mode and a single connection.
type DB struct {
	db   *sql.DB
	path string
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas but does not run migrations; see Migrate.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func Open(ctx context.Context, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	// This also keeps per-connection pragmas (max_page_count) in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the path the database was opened with.
func (d *DB) Path() string {
	return d.path
}

// SQL returns the underlying sql.DB for direct queries.
// Prefer Execute and Batch, which report failures as QueryError.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// Size returns the database size in bytes (page_count * page_size).
func (d *DB) Size(ctx context.Context) (int64, error) {
	pages, err := d.pragmaInt(ctx, "page_count")
	if err != nil {
		return 0, err
	}
	pageSize, err := d.pragmaInt(ctx, "page_size")
	if err != nil {
		return 0, err
	}
	return pages * pageSize, nil
}

// LimitSize caps the database at maxBytes by setting max_page_count.
// A cap below the current size is raised to the current size by SQLite
// itself; the effective cap in bytes is returned.
func (d *DB) LimitSize(ctx context.Context, maxBytes int64) (int64, error) {
	pageSize, err := d.pragmaInt(ctx, "page_size")
	if err != nil {
		return 0, err
	}
	if pageSize <= 0 {
		return 0, fmt.Errorf("limit size: invalid page size %d", pageSize)
	}
	maxPages := maxBytes / pageSize
	if maxPages < 1 {
		maxPages = 1
	}
	var got int64
	if err := d.db.QueryRowContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", maxPages)).Scan(&got); err != nil {
		return 0, fmt.Errorf("limit size: %w", err)
	}
	return got * pageSize, nil
}

func (d *DB) pragmaInt(ctx context.Context, name string) (int64, error) {
	var v int64
	if err := d.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to query %s: %w", name, err)
	}
	return v, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (d *DB) verifyPragma(name, expected string) error {
	var value string
	if err := d.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
