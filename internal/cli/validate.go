package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/config"
)

// ValidationError is one problem reported by validate.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool              `json:"valid"`
	Actions    []string          `json:"actions,omitempty"`
	Migrations int               `json:"migrations,omitempty"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a client config without starting an engine",
		Long: `Validate a lofi CUE config without starting an engine.

Checks the CUE syntax, the schema of every action and the migrations journal
the storage section points at. Every problem is reported with its position.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = formatter.Error(ErrCodeConfig, err.Error(), nil)
			return WrapExitError(ExitCommandError, "config not found", err)
		}
		return outputValidationErrors(formatter, validationErrors(err))
	}
	formatter.VerboseLog("Loaded config %s with %d action(s)", path, len(cfg.Actions))

	migrations, err := cfg.LoadMigrations()
	if err != nil {
		return outputValidationErrors(formatter, []ValidationError{{
			Field:   "storage.migrations",
			Message: err.Error(),
		}})
	}
	if _, err := cfg.EngineConfig(migrations); err != nil {
		return outputValidationErrors(formatter, validationErrors(err))
	}

	result := ValidationResult{Valid: true, Migrations: len(migrations)}
	for name := range cfg.Actions {
		result.Actions = append(result.Actions, name)
	}
	sort.Strings(result.Actions)

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintln(formatter.Writer, "✓ Config valid")
	formatter.VerboseLog("actions: %v, migrations: %d", result.Actions, result.Migrations)
	return nil
}

// validationErrors flattens a config load error into reportable entries.
func validationErrors(err error) []ValidationError {
	var errs config.Errors
	if errors.As(err, &errs) {
		out := make([]ValidationError, 0, len(errs))
		for _, e := range errs {
			out = append(out, fromConfigError(e))
		}
		return out
	}
	var single *config.Error
	if errors.As(err, &single) {
		return []ValidationError{fromConfigError(single)}
	}
	return []ValidationError{{Field: "config", Message: err.Error()}}
}

func fromConfigError(e *config.Error) ValidationError {
	v := ValidationError{Field: e.Field, Message: e.Message}
	if e.Pos.IsValid() {
		v.Line = e.Pos.Line()
		v.Column = e.Pos.Column()
	}
	return v
}

// outputValidationErrors reports every problem and fails with ExitFailure.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		if err := formatter.Failure(ErrCodeConfig, errs[0].Message, ValidationResult{Errors: errs}); err != nil {
			return err
		}
		return exitErr
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range errs {
		if e.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d:%d\n", e.Line, e.Column)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", e.Field, e.Message)
	}
	return exitErr
}
