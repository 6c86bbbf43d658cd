package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/wire"
)

func runner(id uint64) *uint64 { return &id }

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Kind: "submitted", Runner: runner(0), Action: "addTodo", Detail: "optimistic_push"},
		{Seq: 2, Kind: "resources", Detail: "ws=connected db=disconnected"},
		{Seq: 3, Kind: KindSent, Runner: runner(0), Action: "addTodo"},
		{Seq: 4, Kind: "answer", Runner: runner(0), Detail: "resolve"},
		{Seq: 5, Kind: "completed", Runner: runner(0), Action: "addTodo"},
	}
}

func TestTraceEventString(t *testing.T) {
	assert.Equal(t, "resources", TraceEvent{Kind: "resources"}.String())
	assert.Equal(t, "answer 0", TraceEvent{Kind: "answer", Runner: runner(0)}.String())
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Events: []string{"submitted 0", "sent 0", "completed 0"}}))

	err := assertTraceOrder(trace, Assertion{Events: []string{"completed 0", "sent 0"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, `"sent 0" missing or out of order`, ae.Actual)
	assert.Contains(t, err.Error(), "[4] answer 0 (resolve)")
}

func TestAssertTraceContainsAndCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Kind: KindSent, Action: "addTodo"}))
	assert.Error(t, assertTraceContains(trace, Assertion{Kind: KindSent, Runner: runner(1)}))
	assert.Error(t, assertTraceContains(trace, Assertion{Kind: "resources", Runner: runner(0)}))

	assert.NoError(t, assertTraceCount(trace, Assertion{Kind: "resources", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Kind: "discarded", Count: 0}))
	err := assertTraceCount(trace, Assertion{Kind: KindSent, Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 occurrences")
}

func TestAssertModel(t *testing.T) {
	model := ir.IRObject{
		"todos": ir.IRObject{"t1": ir.IRObject{"title": ir.IRString("milk"), "done": ir.IRBool(false)}},
		"tags":  ir.IRArray{ir.IRString("a"), ir.IRNull{}},
	}

	assert.NoError(t, assertModel(model, Assertion{Path: []any{"todos", "t1"}, Expect: map[string]any{"title": "milk", "done": false}}))
	assert.NoError(t, assertModel(model, Assertion{Path: []any{"tags", 1}, Expect: nil, Absent: false}))
	assert.NoError(t, assertModel(model, Assertion{Path: []any{"todos", "t2"}, Absent: true}))

	err := assertModel(model, Assertion{Path: []any{"todos", "t1"}, Absent: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `{"done":false,"title":"milk"}`)

	err = assertModel(model, Assertion{Path: []any{"todos", "t9", "title"}, Expect: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: undefined")
}

func TestAssertSent(t *testing.T) {
	sent := []wire.Transition{{ID: 0}, {ID: 2}}
	assert.NoError(t, assertSent(sent, Assertion{IDs: []uint64{0, 2}}))
	assert.Error(t, assertSent(sent, Assertion{IDs: []uint64{2, 0}}))
	assert.NoError(t, assertSent(nil, Assertion{IDs: []uint64{}}))
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"title": "milk", "id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, "id = ? AND title = ?", sql)
	assert.Equal(t, []any{"t1", "milk"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"id; DROP TABLE todos": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid column name")

	assert.Equal(t, "id=t1 AND title=milk", formatWhereClause(map[string]any{"title": "milk", "id": "t1"}))
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
}

func TestAssertFinalState(t *testing.T) {
	ctx := context.Background()
	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Batch(ctx, []store.Statement{
		{SQL: "CREATE TABLE todos (id TEXT PRIMARY KEY, title TEXT, done INTEGER)", Mode: store.ModeRun},
		{SQL: "INSERT INTO todos VALUES ('t1', 'milk', 0), ('t2', 'milk', 1)", Mode: store.ModeRun},
	})
	require.NoError(t, err)

	assert.NoError(t, assertFinalState(ctx, db, Assertion{
		Table: "todos", Where: map[string]any{"id": "t2"}, Expect: map[string]any{"title": "milk", "done": 1},
	}))

	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"no row", Assertion{Table: "todos", Where: map[string]any{"id": "t9"}, Expect: map[string]any{"title": "x"}}, "row not found"},
		{"ambiguous", Assertion{Table: "todos", Where: map[string]any{"title": "milk"}, Expect: map[string]any{"done": 0}}, "multiple rows matched"},
		{"wrong value", Assertion{Table: "todos", Where: map[string]any{"id": "t1"}, Expect: map[string]any{"done": 1}}, `field "done" = 0`},
		{"missing column", Assertion{Table: "todos", Where: map[string]any{"id": "t1"}, Expect: map[string]any{"owner": "me"}}, `field "owner" to exist`},
		{"missing table", Assertion{Table: "nope", Expect: map[string]any{"a": 1}}, "query error"},
		{"bad table", Assertion{Table: "todos--", Expect: map[string]any{"a": 1}}, "invalid table name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, db, tt.a)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "vibes"}, {Type: AssertLiveRunners}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "vibes"`)
}

func TestTraceSnapshotCanonical(t *testing.T) {
	s := TraceSnapshot{
		ScenarioName: "tiny",
		Trace: []TraceEvent{
			{Seq: 1, Kind: "patch", Detail: "0 transformations"},
			{Seq: 2, Kind: "completed", Runner: runner(0), Action: "rename"},
		},
	}
	data, err := s.Canonical()
	require.NoError(t, err)
	assert.Equal(t,
		`{"model":{},"scenario_name":"tiny","trace":[{"detail":"0 transformations","kind":"patch","seq":1},{"action":"rename","kind":"completed","runner_id":0,"seq":2}]}`,
		string(data))
}
