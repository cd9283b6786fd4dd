package dbschema

import (
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=private")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	db := openRaw(t)
	require.NoError(t, Open(db))
	require.NoError(t, Open(db))
}

func TestOpenCreatesEveryTable(t *testing.T) {
	db := openRaw(t)
	require.NoError(t, Open(db))

	for _, table := range []string{
		"sessions", "events", "blobs", "memory_objects", "memory_code_refs",
		"object_tokens", "memory_outcomes", "events_fts", "memory_objects_fts",
		"event_embeddings_fallback", "object_embeddings_fallback",
	} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE name = ?`, table,
		).Scan(&name)
		require.NoError(t, err, "table %s must exist", table)
	}
}

func TestColumnExists(t *testing.T) {
	db := openRaw(t)
	require.NoError(t, Open(db))

	ok, err := columnExists(db, "events", "insertion_seq")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = columnExists(db, "events", "no_such_column")
	require.NoError(t, err)
	require.False(t, ok)
}
