package harness

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/wire"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s", event.Seq, event)
			if event.Action != "" {
				fmt.Fprintf(&buf, " %s", event.Action)
			}
			if event.Detail != "" {
				fmt.Fprintf(&buf, " (%s)", event.Detail)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// matches reports whether event satisfies the kind/runner/action filter of
// the assertion. Unset filters match anything.
func matches(event TraceEvent, a Assertion) bool {
	if event.Kind != a.Kind {
		return false
	}
	if a.Runner != nil && (event.Runner == nil || *event.Runner != *a.Runner) {
		return false
	}
	return a.Action == "" || event.Action == a.Action
}

func describeFilter(a Assertion) string {
	desc := a.Kind
	if a.Runner != nil {
		desc += fmt.Sprintf(" %d", *a.Runner)
	}
	if a.Action != "" {
		desc += " action " + a.Action
	}
	return desc
}

// assertTraceContains checks if the trace contains a matching event.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matches(event, assertion) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeFilter(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the events appear in the given order.
// Events don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for _, want := range assertion.Events {
		found := false
		for pos < len(trace) {
			got := trace[pos].String()
			pos++
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual:   fmt.Sprintf("%q missing or out of order", want),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that matching events appear exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matches(event, assertion) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeFilter(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertModel checks the value at a path of the final memory model.
func assertModel(model ir.IRObject, assertion Assertion) error {
	path, err := ir.ParsePath(assertion.Path...)
	if err != nil {
		return fmt.Errorf("model assertion: %w", err)
	}
	actual := ir.Lookup(model, path)

	if assertion.Absent {
		if actual != nil {
			return &AssertionError{
				Type:     AssertModel,
				Expected: fmt.Sprintf("nothing at %s", path),
				Actual:   describeValue(actual),
			}
		}
		return nil
	}

	expected, err := ir.FromGo(assertion.Expect)
	if err != nil {
		return fmt.Errorf("model assertion: %w", err)
	}
	if !ir.Equal(expected, actual) {
		return &AssertionError{
			Type:     AssertModel,
			Expected: fmt.Sprintf("%s = %s", path, describeValue(expected)),
			Actual:   describeValue(actual),
		}
	}
	return nil
}

func describeValue(v ir.IRValue) string {
	if v == nil {
		return "undefined"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// assertSent checks the runner ids of the transitions the authority
// received, in order.
func assertSent(sent []wire.Transition, assertion Assertion) error {
	ids := make([]uint64, len(sent))
	for i, tr := range sent {
		ids[i] = tr.ID
	}
	if !slices.Equal(ids, assertion.IDs) {
		return &AssertionError{
			Type:     AssertSent,
			Expected: fmt.Sprintf("ids %v", assertion.IDs),
			Actual:   fmt.Sprintf("ids %v", ids),
		}
	}
	return nil
}

func assertLiveRunners(live int, assertion Assertion) error {
	if live != assertion.Count {
		return &AssertionError{
			Type:     AssertLiveRunners,
			Expected: fmt.Sprintf("%d live runners", assertion.Count),
			Actual:   fmt.Sprintf("%d live runners", live),
		}
	}
	return nil
}

// assertFinalState checks if a table contains exactly one row matching
// Where, and that the row has the expected column values (subset match).
//
// Security: Table and column names are validated against a whitelist pattern
// to prevent SQL injection via identifier interpolation.
func assertFinalState(ctx context.Context, db *store.DB, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	res, err := db.Execute(ctx, query, whereArgs, store.ModeAll)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	rows, _ := res.(ir.IRArray)
	whereDesc := formatWhereClause(assertion.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	row, _ := rows[0].(ir.IRObject)
	expect, _ := assertion.Expect.(map[string]any)
	for _, key := range sortedKeys(expect) {
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("columns: %v", row.SortedKeys()),
			}
		}
		expected, err := ir.FromGo(expect[key])
		if err != nil {
			return fmt.Errorf("final_state field %q: %w", key, err)
		}
		if !ir.Equal(expected, actual) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, describeValue(expected)),
				Actual:   fmt.Sprintf("field %q = %s", key, describeValue(actual)),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides what assertions need beyond the result.
type AssertionContext struct {
	Ctx context.Context

	// DB is the scenario database, nil when storage never became ready.
	DB *store.DB

	// Sent holds the transitions the fake authority received.
	Sent []wire.Transition
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertModel:
			err = assertModel(result.Model, assertion)
		case AssertLiveRunners:
			err = assertLiveRunners(result.LiveRunners, assertion)
		case AssertSent:
			if actx == nil {
				err = fmt.Errorf("assertion[%d]: sent requires the authority context", i)
			} else {
				err = assertSent(actx.Sent, assertion)
			}
		case AssertFinalState:
			if actx == nil || actx.DB == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a ready database", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.DB, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
