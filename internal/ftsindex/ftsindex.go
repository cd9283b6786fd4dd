// Package ftsindex maintains the SQLite FTS5 mirrors over event and memory
// content and exposes relevance-ordered search. User input is always
// escaped before being handed to MATCH, so an arbitrary query can never be
// parsed as FTS5 syntax.
package ftsindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Hit is one FTS match with its BM25-derived relevance score (lower is
// better for SQLite's bm25(), so Score here is already negated/normalized to
// "higher is better").
type Hit struct {
	ID        string
	Score     float64
	Highlight string
}

// Index wraps the two fts5 mirrors (events_fts, memory_objects_fts). fts5
// rows are keyed by SQLite-assigned integer rowids, while event and memory
// ids are opaque strings, so a side mapping table ties each fts5 rowid back
// to the owning row's id.
type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index { return &Index{db: db} }

// fts5 virtual tables declared in dbschema carry only a `content` column; we
// additionally maintain a side mapping table from fts5 rowid to our opaque
// ids, since fts5 rowids are SQLite-assigned integers.
const mappingSchema = `
CREATE TABLE IF NOT EXISTS events_fts_map (rowid INTEGER PRIMARY KEY, event_id TEXT UNIQUE);
CREATE TABLE IF NOT EXISTS memory_objects_fts_map (rowid INTEGER PRIMARY KEY, object_id TEXT UNIQUE);
`

// EnsureMapping creates the id<->rowid mapping tables. Called once at engine
// open, after dbschema.Open.
func EnsureMapping(db *sql.DB) error {
	if _, err := db.Exec(mappingSchema); err != nil {
		return fmt.Errorf("create fts mapping tables: %w", err)
	}
	return nil
}

// IndexEvent inserts or replaces an event's content in events_fts.
func (idx *Index) IndexEvent(ctx context.Context, eventID, text string) error {
	return idx.indexInto(ctx, "events_fts", "events_fts_map", "event_id", eventID, text)
}

// IndexObject inserts or replaces a memory object's content in
// memory_objects_fts.
func (idx *Index) IndexObject(ctx context.Context, objectID, text string) error {
	return idx.indexInto(ctx, "memory_objects_fts", "memory_objects_fts_map", "object_id", objectID, text)
}

func (idx *Index) indexInto(ctx context.Context, ftsTable, mapTable, idCol, id, text string) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fts index tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var rowid sql.NullInt64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT rowid FROM %s WHERE %s = ?`, mapTable, idCol), id).Scan(&rowid)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lookup fts mapping: %w", err)
	}

	if rowid.Valid {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET content = ? WHERE rowid = ?`, ftsTable), text, rowid.Int64)
		if err != nil {
			return fmt.Errorf("update fts row: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (content) VALUES (?)`, ftsTable), text)
		if err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
		newRowid, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("get fts rowid: %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (rowid, %s) VALUES (?, ?)`, mapTable, idCol), newRowid, id)
		if err != nil {
			return fmt.Errorf("insert fts mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit fts index tx: %w", err)
	}
	committed = true
	return nil
}

// DeleteObject removes a memory object from the FTS mirror.
func (idx *Index) DeleteObject(ctx context.Context, objectID string) error {
	return idx.deleteFrom(ctx, "memory_objects_fts", "memory_objects_fts_map", "object_id", objectID)
}

func (idx *Index) deleteFrom(ctx context.Context, ftsTable, mapTable, idCol, id string) error {
	var rowid int64
	err := idx.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT rowid FROM %s WHERE %s = ?`, mapTable, idCol), id).Scan(&rowid)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup fts mapping for delete: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, ftsTable), rowid); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := idx.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE rowid = ?`, mapTable), rowid); err != nil {
		return fmt.Errorf("delete fts mapping: %w", err)
	}
	return nil
}

// EscapeQuery quotes an arbitrary user query so FTS5 meta-characters
// (" * : ^ - ( )) can never be interpreted as query syntax: each
// whitespace-delimited term is wrapped in double quotes, with embedded
// quotes doubled per FTS5's string-literal escaping rule.
func EscapeQuery(q string) string {
	fields := strings.Fields(q)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " ")
}

// SearchObjects runs a relevance-ordered MATCH query against
// memory_objects_fts, returning up to k hits with normalized-to-[0,1]
// scores (bm25() is unbounded and lower-is-better; we normalize within the
// result set).
func (idx *Index) SearchObjects(ctx context.Context, query string, k int) ([]Hit, error) {
	return idx.searchIn(ctx, "memory_objects_fts", "memory_objects_fts_map", "object_id", query, k)
}

// SearchEvents is the event-side counterpart of SearchObjects.
func (idx *Index) SearchEvents(ctx context.Context, query string, k int) ([]Hit, error) {
	return idx.searchIn(ctx, "events_fts", "events_fts_map", "event_id", query, k)
}

func (idx *Index) searchIn(ctx context.Context, ftsTable, mapTable, idCol, query string, k int) ([]Hit, error) {
	rows, err := idx.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT m.%s, bm25(%s) AS rank
		FROM %s f
		JOIN %s m ON m.rowid = f.rowid
		WHERE %s MATCH ?
		ORDER BY rank ASC
		LIMIT ?
	`, idCol, ftsTable, ftsTable, mapTable, ftsTable), EscapeQuery(query), k)
	if err != nil {
		return nil, fmt.Errorf("fts search %s: %w", ftsTable, err)
	}
	defer rows.Close()

	var raw []struct {
		ID   string
		Rank float64
	}
	minRank, maxRank := 0.0, 0.0
	first := true
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan fts hit: %w", err)
		}
		raw = append(raw, struct {
			ID   string
			Rank float64
		}{id, rank})
		if first || rank < minRank {
			minRank = rank
		}
		if first || rank > maxRank {
			maxRank = rank
		}
		first = false
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(raw))
	spread := maxRank - minRank
	for _, r := range raw {
		score := 1.0
		if spread > 0 {
			// bm25 is lower-is-better; invert and normalize to [0,1].
			score = 1.0 - (r.Rank-minRank)/spread
		}
		hits = append(hits, Hit{ID: r.ID, Score: score})
	}
	return hits, nil
}
