package store

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"
)

// createTestDB opens a fresh database file under t.TempDir().
func createTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// migrationFS builds an in-memory migrations dir from a journal and bodies.
func migrationFS(journal string, bodies map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{
		JournalFile: &fstest.MapFile{Data: []byte(journal)},
	}
	for tag, body := range bodies {
		fsys[tag+".sql"] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var got string
	err := db.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&got)
	return err == nil
}
