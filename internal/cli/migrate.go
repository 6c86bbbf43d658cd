package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Database string
	Dir      string
}

// MigrateResult is printed by the migrate command.
type MigrateResult struct {
	Database string   `json:"database"`
	Applied  []string `json:"applied"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to a database",
		Long: `Apply the migrations of a journal directory to a SQLite database.

The directory holds journal.yaml and one <tag>.sql file per entry. Only
migrations declared after the latest applied one run; each runs in its own
transaction.

Example:
  lofi migrate --db ./app.db --dir ./migrations`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Dir, "dir", "", "migrations directory (required)")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("dir")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	migrations, err := store.LoadMigrations(os.DirFS(opts.Dir))
	if err != nil {
		_ = formatter.Error(ErrCodeMigrate, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load migrations", err)
	}
	formatter.VerboseLog("Loaded %d migration(s) from %s", len(migrations), opts.Dir)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := store.Open(ctx, opts.Database)
	if err != nil {
		_ = formatter.Error(ErrCodeMigrate, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer db.Close()

	applied, err := db.Migrate(ctx, migrations)
	if err != nil {
		_ = formatter.Error(ErrCodeMigrate, err.Error(), nil)
		return WrapExitError(ExitFailure, "migration failed", err)
	}

	result := MigrateResult{Database: opts.Database, Applied: make([]string, len(applied))}
	for i, m := range applied {
		result.Applied[i] = m.Tag
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if len(applied) == 0 {
		return formatter.Success("✓ Database is up to date")
	}
	for _, tag := range result.Applied {
		fmt.Fprintf(formatter.Writer, "applied %s\n", tag)
	}
	return formatter.Success(fmt.Sprintf("✓ Applied %d migration(s)", len(applied)))
}
