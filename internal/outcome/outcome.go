// Package outcome records helpful/neutral/unhelpful feedback against
// memories and recomputes each memory's outcome_score as a weighted mean:
// the feedback row is inserted and the denormalized summary column updated
// in the same call.
package outcome

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// ErrInvalid indicates a malformed outcome kind.
var ErrInvalid = errors.New("invalid outcome")

// Store is a SQLite-backed outcome feedback store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

func validKind(k types.OutcomeKind) bool {
	switch k {
	case types.OutcomeHelpful, types.OutcomeNeutral, types.OutcomeUnhelpful:
		return true
	}
	return false
}

// Record inserts a feedback row under a freshly generated id and recomputes
// the target memory's outcome_score as the weighted mean of all recorded
// outcomes. Recording is not idempotent: every call, including a repeat for
// the same (memory, session, outcome), is a new, distinct vote.
func (s *Store) Record(ctx context.Context, memoryID, sessionID string, kind types.OutcomeKind, note string) (*types.Outcome, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, kind)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin outcome tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	out := &types.Outcome{
		ID:        uuid.NewString(),
		MemoryID:  memoryID,
		SessionID: sessionID,
		Timestamp: s.now(),
		Outcome:   kind,
		Context:   note,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_outcomes (id, memory_id, session_id, timestamp, outcome, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`, out.ID, out.MemoryID, out.SessionID, formatTime(out.Timestamp), string(out.Outcome), nullIfEmpty(out.Context))
	if err != nil {
		return nil, fmt.Errorf("insert outcome: %w", err)
	}

	score, err := weightedMean(ctx, tx, memoryID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memory_objects SET outcome_score = ? WHERE id = ?`, score, memoryID); err != nil {
		return nil, fmt.Errorf("update memory outcome score: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outcome tx: %w", err)
	}
	committed = true
	return out, nil
}

func weightedMean(ctx context.Context, tx *sql.Tx, memoryID string) (float64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT outcome FROM memory_outcomes WHERE memory_id = ?`, memoryID)
	if err != nil {
		return 0, fmt.Errorf("load outcomes for weighted mean: %w", err)
	}
	defer rows.Close()

	var total float64
	var n int
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return 0, fmt.Errorf("scan outcome: %w", err)
		}
		total += types.OutcomeWeight(types.OutcomeKind(kind))
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0.5, nil
	}
	return total / float64(n), nil
}

// ListForMemory returns every outcome recorded against a memory, oldest
// first.
func (s *Store) ListForMemory(ctx context.Context, memoryID string) ([]*types.Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, session_id, timestamp, outcome, context
		FROM memory_outcomes WHERE memory_id = ? ORDER BY timestamp ASC
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []*types.Outcome
	for rows.Next() {
		var o types.Outcome
		var ts, note string
		var kind string
		var nullNote sql.NullString
		if err := rows.Scan(&o.ID, &o.MemoryID, &o.SessionID, &ts, &kind, &nullNote); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse outcome timestamp: %w", err)
		}
		o.Outcome = types.OutcomeKind(kind)
		note = nullNote.String
		o.Context = note
		out = append(out, &o)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
