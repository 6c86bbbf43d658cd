package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lofi/internal/ir"
)

// JournalFile is the name of the migration journal inside a migrations dir.
const JournalFile = "journal.yaml"

// statementBreakpoint separates statements inside a migration body.
const statementBreakpoint = "--> statement-breakpoint"

const migrationsTable = "__lofi_migrations"

// Journal lists migrations in the order they must be applied.
type Journal struct {
	Entries []JournalEntry `yaml:"entries"`
}

// JournalEntry declares one migration. When is the declared timestamp
// (milliseconds) compared against the latest applied one.
type JournalEntry struct {
	Idx  int    `yaml:"idx"`
	When int64  `yaml:"when"`
	Tag  string `yaml:"tag"`
}

// Migration is a journal entry with its body loaded.
type Migration struct {
	Idx        int
	When       int64
	Tag        string
	Statements []string
	Hash       string
}

// AppliedMigration is a row of the bookkeeping table.
type AppliedMigration struct {
	ID        int64
	Hash      string
	CreatedAt int64
}

// LoadMigrations reads journal.yaml and every <tag>.sql it names from fsys.
// The result is sorted by Idx.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	data, err := fs.ReadFile(fsys, JournalFile)
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var journal Journal
	if err := yaml.Unmarshal(data, &journal); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}

	migrations := make([]Migration, 0, len(journal.Entries))
	seen := make(map[int]bool, len(journal.Entries))
	for _, entry := range journal.Entries {
		if entry.Tag == "" {
			return nil, fmt.Errorf("journal entry %d: missing tag", entry.Idx)
		}
		if seen[entry.Idx] {
			return nil, fmt.Errorf("journal entry %d: duplicate idx", entry.Idx)
		}
		seen[entry.Idx] = true

		body, err := fs.ReadFile(fsys, entry.Tag+".sql")
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: %w", entry.Idx, err)
		}
		migrations = append(migrations, NewMigration(entry, string(body)))
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return a.Idx - b.Idx
	})
	return migrations, nil
}

// NewMigration splits body into statements and computes its content hash.
func NewMigration(entry JournalEntry, body string) Migration {
	var stmts []string
	for _, part := range strings.Split(body, statementBreakpoint) {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return Migration{
		Idx:        entry.Idx,
		When:       entry.When,
		Tag:        entry.Tag,
		Statements: stmts,
		Hash:       ir.MigrationHash(body),
	}
}

// Migrate applies every migration declared after the latest recorded one.
// Each migration runs in its own transaction together with its bookkeeping
// insert, so a failing migration leaves no trace. Returns the migrations
// applied by this call.
func (d *DB) Migrate(ctx context.Context, migrations []Migration) ([]Migration, error) {
	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	latest, err := d.latestMigration(ctx)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range Pending(migrations, latest) {
		err := d.WithTx(ctx, func(tx *sql.Tx) error {
			for i, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return &QueryError{Statement: stmt, Index: i, Cause: err}
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+migrationsTable+` (hash, created_at) VALUES (?, ?)`,
				m.Hash, m.When,
			); err != nil {
				return fmt.Errorf("record migration: %w", err)
			}
			return nil
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", m.Tag, err)
		}
		applied = append(applied, m)
	}
	return applied, nil
}

// Pending returns the migrations declared strictly after latest, in order.
// A nil latest means nothing has been applied.
func Pending(migrations []Migration, latest *AppliedMigration) []Migration {
	var out []Migration
	for _, m := range migrations {
		if latest == nil || m.When > latest.CreatedAt {
			out = append(out, m)
		}
	}
	return out
}

// AppliedMigrations returns the bookkeeping rows in application order.
func (d *DB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, hash, created_at FROM `+migrationsTable+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.ID, &m.Hash, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *DB) latestMigration(ctx context.Context) (*AppliedMigration, error) {
	var m AppliedMigration
	err := d.db.QueryRowContext(ctx,
		`SELECT id, hash, created_at FROM `+migrationsTable+` ORDER BY created_at DESC LIMIT 1`,
	).Scan(&m.ID, &m.Hash, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest migration: %w", err)
	}
	return &m, nil
}
