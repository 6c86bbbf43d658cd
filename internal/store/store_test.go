package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestOpen_Pragmas(t *testing.T) {
	db := createTestDB(t)

	checks := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, want := range checks {
		if err := db.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "nested", "test.db")

	db, err := Open(context.Background(), path)
	if err == nil {
		db.Close()
		t.Fatal("Open() succeeded for a path in a missing directory")
	}
}

func TestClose_NilSafe(t *testing.T) {
	var db *DB
	if err := db.Close(); err != nil {
		t.Errorf("Close() on nil DB = %v", err)
	}
}

func TestSize_GrowsWithData(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)

	before, err := db.Size(ctx)
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}

	if _, err := db.db.Exec("CREATE TABLE blobs (b BLOB)"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.Exec("INSERT INTO blobs VALUES (zeroblob(100000))"); err != nil {
		t.Fatal(err)
	}

	after, err := db.Size(ctx)
	if err != nil {
		t.Fatalf("Size() failed: %v", err)
	}
	if after <= before {
		t.Errorf("Size() did not grow: before=%d after=%d", before, after)
	}
}

func TestLimitSize_RejectsWritesPastCap(t *testing.T) {
	ctx := context.Background()
	db := createTestDB(t)

	if _, err := db.db.Exec("CREATE TABLE blobs (b BLOB)"); err != nil {
		t.Fatal(err)
	}
	size, err := db.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}

	capBytes, err := db.LimitSize(ctx, size+64*1024)
	if err != nil {
		t.Fatalf("LimitSize() failed: %v", err)
	}
	if capBytes < size {
		t.Errorf("effective cap %d below current size %d", capBytes, size)
	}

	if _, err := db.db.Exec("INSERT INTO blobs VALUES (zeroblob(1000000))"); err == nil {
		t.Error("insert past the size cap succeeded")
	}
}
