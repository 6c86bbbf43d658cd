package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lofi/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // scenario filter (glob pattern)
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios>",
		Short: "Run conformance scenarios",
		Long: `Run scenario files against an engine driven by a fake authority.

<scenarios> is a scenario file or a directory of .yaml/.yml scenarios. Each
scenario names its config, drives connections and answers step by step, and
checks the resulting trace, model and database. When golden/<name>.golden
exists next to a scenario, the trace and model must also match it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  lofi test ./scenarios
  lofi test ./scenarios --filter "push_*"
  lofi test ./scenarios --update
  lofi test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")

	return cmd
}

func runTests(opts *TestOptions, path string, cmd *cobra.Command) error {
	files, err := harness.FindScenarios(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewExitError(ExitCommandError, fmt.Sprintf("scenarios not found: %s", path))
		}
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	files, err = filterScenarios(files, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter pattern", err)
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	if len(files) == 0 && opts.Format != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	for _, file := range files {
		sr := runScenario(file, opts)
		printScenario(cmd, opts, sr)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}
	return outputTestText(cmd, result)
}

// filterScenarios keeps files whose name without extension matches pattern.
func filterScenarios(files []string, pattern string) ([]string, error) {
	if pattern == "" {
		return files, nil
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if ok, _ := filepath.Match(pattern, scenarioBase(f)); ok {
			out = append(out, f)
		}
	}
	return out, nil
}

func scenarioBase(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// runScenario executes a single scenario and returns the result.
func runScenario(file string, opts *TestOptions) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(file),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	snapshot := harness.TraceSnapshot{
		ScenarioName: scenario.Name,
		Trace:        result.Trace,
		Model:        result.Model,
	}
	current, err := snapshot.Canonical()
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("failed to marshal trace: %v", err)},
		}
	}

	goldenPath := goldenFilePath(file)
	if opts.Update {
		if err := writeGolden(goldenPath, current); err != nil {
			return ScenarioResult{
				Name:   scenario.Name,
				Errors: []string{fmt.Sprintf("failed to update golden file: %v", err)},
			}
		}
	} else {
		golden, err := os.ReadFile(goldenPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return ScenarioResult{
				Name:   scenario.Name,
				Errors: []string{fmt.Sprintf("golden comparison failed: %v", err)},
			}
		case !bytes.Equal(golden, current):
			return ScenarioResult{
				Name:   scenario.Name,
				Errors: append([]string{"trace does not match golden file (run with --update to regenerate)"}, result.Errors...),
			}
		}
	}

	return ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
}

func printScenario(cmd *cobra.Command, opts *TestOptions, sr ScenarioResult) {
	if opts.Format == "json" {
		return
	}
	w := cmd.OutOrStdout()
	switch {
	case sr.Pass && opts.Update:
		fmt.Fprintf(w, "✓ %s (golden updated)\n", sr.Name)
	case sr.Pass:
		fmt.Fprintf(w, "✓ %s\n", sr.Name)
	default:
		fmt.Fprintf(w, "✗ %s\n", sr.Name)
		for _, e := range sr.Errors {
			fmt.Fprintf(w, "  %s\n", e)
		}
	}
}

// goldenFilePath returns the path to the golden file for a scenario.
func goldenFilePath(file string) string {
	return filepath.Join(filepath.Dir(file), "golden", scenarioBase(file)+".golden")
}

func writeGolden(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	f := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
	if result.Failed == 0 {
		return f.Success(result)
	}
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.Failure(ErrCodeTestFailed, msg, result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

// outputTestText outputs the test result as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
