// Package store provides the embedded SQLite database used by storage
// handlers and the storage manager that brings it up.
//
// The storage manager runs a one-shot init sequence:
//
//  1. Open the database and apply pragmas
//  2. Probe its size (page_count * page_size)
//  3. Cap its size with max_page_count
//  4. Apply pending migrations
//
// A failure at any step is reported as an *InitError and is terminal for the
// session; there is no retry.
//
// # Migrations
//
// A migrations directory holds journal.yaml and one <tag>.sql file per entry.
// Statements inside a file are separated by "--> statement-breakpoint".
// Applied migrations are recorded in the __lofi_migrations table as
// (id, hash, created_at). A migration is pending when its declared timestamp
// is later than the latest recorded created_at; the number of rows is not
// consulted. Each pending migration runs in its own transaction together with
// its bookkeeping insert.
//
// # Query errors
//
// Execute and Batch report failures as *QueryError, which carries the failing
// statement, its index, the results gathered before it, and both the query
// failure and any rollback failure.
package store
