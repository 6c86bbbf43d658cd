package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/ir"
)

func seedTodos(t *testing.T, db *DB) {
	t.Helper()
	_, err := db.Batch(context.Background(), []Statement{
		{SQL: "CREATE TABLE todos (id INTEGER PRIMARY KEY, title TEXT NOT NULL, done INTEGER NOT NULL DEFAULT 0)"},
		{SQL: "INSERT INTO todos (title) VALUES (?)", Params: []any{"write tests"}},
		{SQL: "INSERT INTO todos (title, done) VALUES (?, 1)", Params: []any{"ship"}},
	})
	require.NoError(t, err)
}

func TestExecute_Modes(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	seedTodos(t, db)

	all, err := db.Execute(ctx, "SELECT id, title FROM todos ORDER BY id", nil, ModeAll)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{
		ir.IRObject{"id": ir.IRInt(1), "title": ir.IRString("write tests")},
		ir.IRObject{"id": ir.IRInt(2), "title": ir.IRString("ship")},
	}, all)

	values, err := db.Execute(ctx, "SELECT id, done FROM todos ORDER BY id", nil, ModeValues)
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{
		ir.IRArray{ir.IRInt(1), ir.IRInt(0)},
		ir.IRArray{ir.IRInt(2), ir.IRInt(1)},
	}, values)

	got, err := db.Execute(ctx, "SELECT title FROM todos WHERE id = ?", []any{2}, ModeGet)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"title": ir.IRString("ship")}, got)

	missing, err := db.Execute(ctx, "SELECT title FROM todos WHERE id = ?", []any{99}, ModeGet)
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, missing)

	run, err := db.Execute(ctx, "UPDATE todos SET done = 1", nil, ModeRun)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), run.(ir.IRObject)["changes"])
}

func TestExecute_ColumnValues(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)

	got, err := db.Execute(ctx, "SELECT NULL AS n, 2.5 AS r, 3.0 AS whole, x'6869' AS b", nil, ModeGet)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{
		"n":     ir.IRNull{},
		"r":     ir.IRString("2.5"),
		"whole": ir.IRInt(3),
		"b":     ir.IRString("hi"),
	}, got)
}

func TestExecute_FailureIsQueryError(t *testing.T) {
	db := createTestDB(t)

	_, err := db.Execute(context.Background(), "SELECT * FROM nowhere", nil, ModeAll)

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "SELECT * FROM nowhere", qe.Statement)
	assert.Contains(t, qe.Error(), "no such table")
	assert.Nil(t, qe.CleanupCause)
}

func TestExecute_UnknownMode(t *testing.T) {
	db := createTestDB(t)
	_, err := db.Execute(context.Background(), "SELECT 1", nil, Mode("stream"))
	assert.ErrorContains(t, err, "unknown query mode")
}

func TestBatch_CollectsPartialResultsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	seedTodos(t, db)

	_, err := db.Batch(ctx, []Statement{
		{SQL: "INSERT INTO todos (title) VALUES ('third')"},
		{SQL: "SELECT COUNT(*) AS n FROM todos", Mode: ModeGet},
		{SQL: "INSERT INTO todos (title) VALUES (NULL)"},
		{SQL: "INSERT INTO todos (title) VALUES ('never')"},
	})

	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 2, qe.Index)
	require.Len(t, qe.Partial, 2)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(3)}, qe.Partial[1])
	assert.Contains(t, qe.Cause.Error(), "NOT NULL")

	count, err := db.Execute(ctx, "SELECT COUNT(*) AS n FROM todos", nil, ModeGet)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(2)}, count, "batch must not partially persist")
}

func TestQueryError_UnwrapKeepsBothCauses(t *testing.T) {
	queryErr := errors.New("constraint failed")
	rollbackErr := errors.New("disk I/O error")
	err := error(&QueryError{Statement: "INSERT", Cause: queryErr, CleanupCause: rollbackErr})

	assert.ErrorIs(t, err, queryErr)
	assert.ErrorIs(t, err, rollbackErr)
	assert.Contains(t, err.Error(), "rollback also failed")
}

func TestQueryError_TruncatesOnRuneBoundary(t *testing.T) {
	stmt := "INSERT INTO notes VALUES ('" + strings.Repeat("é", 40) + "')"
	err := &QueryError{Statement: stmt, Cause: errors.New("boom")}

	msg := err.Error()
	assert.True(t, utf8.ValidString(msg))
	assert.Contains(t, msg, "...")
	assert.Equal(t, "ab...", truncate("abc", 2))
	assert.Equal(t, "a...", truncate("aé", 2))
	assert.Equal(t, "short", truncate("short", 80))
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)
	seedTodos(t, db)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "DELETE FROM todos")
		return err
	})
	require.NoError(t, err)

	count, err := db.Execute(ctx, "SELECT COUNT(*) AS n FROM todos", nil, ModeGet)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(0)}, count)
}
