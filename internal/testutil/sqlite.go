// Package testutil provides shared test fixtures: an isolated in-memory
// SQLite database with the engine schema and FTS mapping tables already
// applied, private to each test for isolation.
package testutil

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/franalgaba/alexandria-sub000/internal/dbschema"
	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
)

// OpenDB opens a private, isolated in-memory SQLite database with the full
// engine schema applied, closing it automatically at test cleanup.
func OpenDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", "file::memory:?cache=private&_pragma=foreign_keys(ON)")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close test database: %v", err)
		}
	})

	if err := dbschema.Open(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	if err := ftsindex.EnsureMapping(db); err != nil {
		t.Fatalf("apply fts mapping: %v", err)
	}
	return db
}
