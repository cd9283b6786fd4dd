package dbschema

import (
	"database/sql"
	"fmt"
)

type migration struct {
	name  string
	apply func(db *sql.DB) error
}

// migrations runs in order after baseSchema. New columns land here rather
// than in baseSchema so existing project databases upgrade in place.
var migrations = []migration{
	{name: "001_memory_strength_reinforced_at", apply: migrateAddColumnIfMissing(
		"memory_objects", "last_reinforced_at", "TEXT",
	)},
	{name: "002_events_insertion_seq_backfill", apply: migrateBackfillInsertionSeq},
}

// migrateAddColumnIfMissing returns a migration step that adds `column` to
// `table` if PRAGMA table_info doesn't already report it.
func migrateAddColumnIfMissing(table, column, ddlType string) func(db *sql.DB) error {
	return func(db *sql.DB) (retErr error) {
		exists, err := columnExists(db, table, column)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, ddlType))
		if err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, column, err)
		}
		return nil
	}
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("check schema for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// migrateBackfillInsertionSeq assigns a monotonic insertion_seq to any
// pre-existing events rows that predate the column (fresh databases never
// hit this path since baseSchema already declares the column NOT NULL).
func migrateBackfillInsertionSeq(db *sql.DB) error {
	var needsBackfill int
	err := db.QueryRow(`SELECT COUNT(*) FROM events WHERE insertion_seq = 0`).Scan(&needsBackfill)
	if err != nil {
		return fmt.Errorf("count events needing backfill: %w", err)
	}
	if needsBackfill == 0 {
		return nil
	}
	_, err = db.Exec(`
		UPDATE events SET insertion_seq = (
			SELECT COUNT(*) FROM events e2
			WHERE e2.rowid <= events.rowid
		) WHERE insertion_seq = 0
	`)
	if err != nil {
		return fmt.Errorf("backfill insertion_seq: %w", err)
	}
	return nil
}
