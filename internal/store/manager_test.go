package store

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestManager_ConnectAndMigrate(t *testing.T) {
	ctx := context.Background()
	migrations, err := LoadMigrations(migrationFS(twoStepJournal, twoStepFS()))
	require.NoError(t, err)

	m := NewManager(ManagerConfig{
		Path:       filepath.Join(t.TempDir(), "app.db"),
		MaxBytes:   8 << 20,
		Migrations: migrations,
	}, quietLogger())

	db, err := m.Connect(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	assert.True(t, tableExists(t, db, "todos"))
	rows, err := db.AppliedMigrations(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestManager_OpenFailure(t *testing.T) {
	m := NewManager(ManagerConfig{
		Path: filepath.Join(t.TempDir(), "no", "such", "dir", "app.db"),
	}, quietLogger())

	db, err := m.Connect(context.Background())

	assert.Nil(t, db)
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StepOpen, ie.Step)
}

func TestManager_DatabaseLargerThanCap(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = db.Execute(ctx, "CREATE TABLE blobs (b BLOB)", nil, ModeRun)
	require.NoError(t, err)
	_, err = db.Execute(ctx, "INSERT INTO blobs VALUES (zeroblob(200000))", nil, ModeRun)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	m := NewManager(ManagerConfig{Path: path, MaxBytes: 16 * 1024}, quietLogger())
	_, err = m.Connect(ctx)

	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StepCap, ie.Step)
	assert.ErrorIs(t, err, ErrSizeLimit)
}

func TestManager_MigrationFailureIsTerminal(t *testing.T) {
	m := NewManager(ManagerConfig{
		Path: filepath.Join(t.TempDir(), "app.db"),
		Migrations: []Migration{
			NewMigration(JournalEntry{Idx: 0, When: 1, Tag: "bad"}, "CREATE TABLE"),
		},
	}, quietLogger())

	_, err := m.Connect(context.Background())

	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, StepMigrate, ie.Step)
	var qe *QueryError
	assert.ErrorAs(t, err, &qe, "cause chain must reach the failing statement")
}
