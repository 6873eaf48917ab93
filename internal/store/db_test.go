package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer db.Close()

	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
	if db.FileSize() != 0 {
		t.Errorf("FileSize = %d, want 0 for in-memory", db.FileSize())
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "warm.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if db.FileSize() == 0 {
		t.Error("expected a non-empty database file after migrations")
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion = %d, want %d", v, len(migrations))
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "observations", "observations_fts", "observation_vectors"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestObservationConstraints(t *testing.T) {
	db := testDB(t)

	_, err := db.Exec(`
		INSERT INTO observations (id, content, importance, captured_at, consolidated_at)
		VALUES ('a', 'ok', 0.5, 1000, 1000)
	`)
	if err != nil {
		t.Fatalf("valid insert failed: %v", err)
	}

	// Duplicate id
	_, err = db.Exec(`
		INSERT INTO observations (id, content, importance, captured_at, consolidated_at)
		VALUES ('a', 'dup', 0.5, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for duplicate id, got nil")
	}

	// Importance out of range
	_, err = db.Exec(`
		INSERT INTO observations (id, content, importance, captured_at, consolidated_at)
		VALUES ('b', 'bad', 1.5, 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for importance > 1, got nil")
	}

	// Invalid tier
	_, err = db.Exec(`
		INSERT INTO observations (id, content, importance, tier, captured_at, consolidated_at)
		VALUES ('c', 'bad', 0.5, 'lukewarm', 1000, 1000)
	`)
	if err == nil {
		t.Error("expected error for invalid tier, got nil")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	db := testDB(t)

	// Running migrate again should be a no-op
	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != len(migrations) {
		t.Errorf("SchemaVersion after re-migrate = %d, want %d", v, len(migrations))
	}
}

func TestForeignKeysEnabled(t *testing.T) {
	db := testDB(t)

	var fk int
	err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk)
	if err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}
