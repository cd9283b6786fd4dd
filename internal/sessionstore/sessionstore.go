// Package sessionstore persists per-session state: counters, the
// injected-memory set, disclosure level, and error-burst tracking.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// ErrNotFound indicates the requested session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is a SQLite-backed session store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store { return &Store{db: db, now: time.Now} }

// CreateInput is the caller-supplied payload for Create.
type CreateInput struct {
	ID               string
	WorkingDirectory string
	WorkingFile      string
	WorkingTask      string
}

// Create inserts a new session row; sessions are created on first activity.
func (s *Store) Create(ctx context.Context, in CreateInput) (*types.Session, error) {
	now := s.now()
	sess := &types.Session{
		ID:                in.ID,
		StartedAt:         now,
		WorkingDirectory:  in.WorkingDirectory,
		WorkingFile:       in.WorkingFile,
		WorkingTask:       in.WorkingTask,
		DisclosureLevel:   types.DisclosureMinimal,
		InjectedMemoryIDs: []string{},
	}
	injected, _ := json.Marshal(sess.InjectedMemoryIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, working_directory, working_file, working_task,
			injected_memory_ids, disclosure_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, formatTime(sess.StartedAt), nullIfEmpty(sess.WorkingDirectory), nullIfEmpty(sess.WorkingFile),
		nullIfEmpty(sess.WorkingTask), string(injected), string(sess.DisclosureLevel))
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const selectCols = `id, started_at, ended_at, working_directory, working_file, working_task, summary,
	events_count, objects_created, objects_accessed, last_checkpoint_at, events_since_checkpoint,
	injected_memory_ids, last_disclosure_at, error_count, disclosure_level, last_topic`

// Get retrieves a session by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetOrCreate fetches an existing session, creating it on first activity if
// absent.
func (s *Store) GetOrCreate(ctx context.Context, in CreateInput) (*types.Session, error) {
	sess, err := s.Get(ctx, in.ID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.Create(ctx, in)
}

func scan(row interface{ Scan(dest ...any) error }) (*types.Session, error) {
	var sess types.Session
	var endedAt, workingDir, workingFile, workingTask, summary, lastCheckpoint, lastDisclosure, lastTopic sql.NullString
	var startedAt string
	var injectedJSON string
	var disclosureLevel string

	err := row.Scan(&sess.ID, &startedAt, &endedAt, &workingDir, &workingFile, &workingTask, &summary,
		&sess.EventsCount, &sess.ObjectsCreated, &sess.ObjectsAccessed, &lastCheckpoint, &sess.EventsSinceCheckpoint,
		&injectedJSON, &lastDisclosure, &sess.ErrorCount, &disclosureLevel, &lastTopic)
	if err != nil {
		return nil, err
	}

	sess.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	sess.WorkingDirectory = workingDir.String
	sess.WorkingFile = workingFile.String
	sess.WorkingTask = workingTask.String
	sess.Summary = summary.String
	if sess.LastCheckpointAt, err = parseNullTime(lastCheckpoint); err != nil {
		return nil, err
	}
	if sess.LastDisclosureAt, err = parseNullTime(lastDisclosure); err != nil {
		return nil, err
	}
	sess.DisclosureLevel = types.DisclosureLevel(disclosureLevel)
	sess.LastTopic = lastTopic.String
	if err := json.Unmarshal([]byte(injectedJSON), &sess.InjectedMemoryIDs); err != nil {
		return nil, fmt.Errorf("unmarshal injected_memory_ids: %w", err)
	}
	return &sess, nil
}

// MarkCheckpointed resets events_since_checkpoint and stamps
// last_checkpoint_at.
func (s *Store) MarkCheckpointed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET events_since_checkpoint = 0, last_checkpoint_at = ? WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark session checkpointed: %w", err)
	}
	return nil
}

// RecordObjectCreated increments objects_created.
func (s *Store) RecordObjectCreated(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET objects_created = objects_created + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record object created: %w", err)
	}
	return nil
}

// RecordObjectAccessed increments objects_accessed.
func (s *Store) RecordObjectAccessed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET objects_accessed = objects_accessed + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record object accessed: %w", err)
	}
	return nil
}

// RecordError increments error_count, driving the escalation detector's
// error_burst signal.
func (s *Store) RecordError(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET error_count = error_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("record session error: %w", err)
	}
	return nil
}

// ResetErrorCount zeroes error_count, used after an error_burst-triggered
// disclosure.
func (s *Store) ResetErrorCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET error_count = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("reset session error count: %w", err)
	}
	return nil
}

// SetTopic updates last_topic, consulted by the escalation detector's
// topic_shift signal.
func (s *Store) SetTopic(ctx context.Context, id, topic string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_topic = ? WHERE id = ?`, topic, id)
	if err != nil {
		return fmt.Errorf("set session topic: %w", err)
	}
	return nil
}

// RecordDisclosure extends injected_memory_ids, stamps last_disclosure_at,
// updates disclosure_level, and — when triggered by an error burst — resets
// error_count.
func (s *Store) RecordDisclosure(ctx context.Context, id string, newIDs []string, level types.DisclosureLevel, at time.Time, resetErrors bool) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, existing := range sess.InjectedMemoryIDs {
		seen[existing] = true
	}
	merged := append([]string{}, sess.InjectedMemoryIDs...)
	for _, id := range newIDs {
		if !seen[id] {
			merged = append(merged, id)
			seen[id] = true
		}
	}
	injected, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal injected memory ids: %w", err)
	}

	errCount := sess.ErrorCount
	if resetErrors {
		errCount = 0
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET injected_memory_ids = ?, last_disclosure_at = ?, disclosure_level = ?, error_count = ?
		WHERE id = ?
	`, string(injected), formatTime(at), string(level), errCount, id)
	if err != nil {
		return fmt.Errorf("record disclosure: %w", err)
	}
	return nil
}

// End sets ended_at and an optional summary; a later call overwrites both.
func (s *Store) End(ctx context.Context, id, summary string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ?`,
		formatTime(now), nullIfEmpty(summary), id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}
