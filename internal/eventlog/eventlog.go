// Package eventlog implements the append-only event store: a content hash
// per event for dedup lookups (Append itself stores every event), inline-or-blob storage keyed on an estimated token
// count, and session-scoped retrieval in timestamp order with a stable
// insertion-sequence tie-break.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/blobstore"
	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// InlineTokenThreshold is the maximum estimated token count inlined into the
// events row before content is offloaded to the blob store.
const InlineTokenThreshold = 1000

// ErrNotFound indicates the requested event does not exist.
var ErrNotFound = errors.New("event not found")

// Log is a SQLite-backed append-only event store.
type Log struct {
	db    *sql.DB
	blobs *blobstore.Store
	seq   int64 // in-process monotonic counter, persisted via insertion_seq
}

// New wraps an existing database handle and blob store.
func New(db *sql.DB, blobs *blobstore.Store) (*Log, error) {
	l := &Log{db: db, blobs: blobs}
	var maxSeq sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(insertion_seq) FROM events`).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("load max insertion_seq: %w", err)
	}
	if maxSeq.Valid {
		l.seq = maxSeq.Int64
	}
	return l, nil
}

// Input is the caller-supplied payload for Append.
type Input struct {
	SessionID   string
	Timestamp   time.Time
	EventType   types.EventType
	ToolName    string
	FilePath    string
	ExitCode    *int
	Content     []byte
	ContentHash string // optional; computed from Content if empty
}

// Append inserts a new event, offloading content to a blob atomically with
// the event row when its estimated token count exceeds InlineTokenThreshold.
// It also increments the owning session's events_count and
// events_since_checkpoint counters in the same transaction.
func (l *Log) Append(ctx context.Context, in Input) (*types.Event, error) {
	if in.SessionID == "" {
		return nil, fmt.Errorf("eventlog: append: %w: session id required", ErrInvalid)
	}
	hash := in.ContentHash
	if hash == "" {
		hash = content.ContentHash(in.Content)
	}
	tokenCount := content.EstimateTokens(in.Content)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	l.seq++
	ev := &types.Event{
		ID:           content.NewID(in.Timestamp),
		SessionID:    in.SessionID,
		Timestamp:    in.Timestamp,
		EventType:    in.EventType,
		ToolName:     in.ToolName,
		FilePath:     in.FilePath,
		ExitCode:     in.ExitCode,
		ContentHash:  hash,
		TokenCount:   tokenCount,
		InsertionSeq: l.seq,
	}

	var blobID sql.NullString
	var inline sql.NullString
	if tokenCount > InlineTokenThreshold {
		id := blobstore.NewBlobID(in.Timestamp)
		if err := l.blobs.Put(ctx, tx, id, in.Content, in.Timestamp); err != nil {
			return nil, fmt.Errorf("offload event content to blob: %w", err)
		}
		ev.BlobID = id
		blobID = sql.NullString{String: id, Valid: true}
	} else {
		ev.ContentInline = string(in.Content)
		inline = sql.NullString{String: ev.ContentInline, Valid: true}
	}

	var exitCode sql.NullInt64
	if in.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*in.ExitCode), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			id, session_id, timestamp, insertion_seq, event_type,
			content_inline, blob_id, tool_name, file_path, exit_code,
			content_hash, token_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.InsertionSeq,
		string(ev.EventType), inline, blobID, nullIfEmpty(ev.ToolName), nullIfEmpty(ev.FilePath),
		exitCode, ev.ContentHash, ev.TokenCount)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET
			events_count = events_count + 1,
			events_since_checkpoint = events_since_checkpoint + 1
		WHERE id = ?
	`, ev.SessionID)
	if err != nil {
		return nil, fmt.Errorf("update session counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append tx: %w", err)
	}
	committed = true
	return ev, nil
}

// ErrInvalid indicates malformed Append input.
var ErrInvalid = errors.New("invalid event input")

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

const selectEventCols = `
	id, session_id, timestamp, insertion_seq, event_type, content_inline,
	blob_id, tool_name, file_path, exit_code, content_hash, token_count
`

func scanEvent(row interface{ Scan(dest ...any) error }) (*types.Event, error) {
	var ev types.Event
	var ts string
	var inline, blobID, toolName, filePath sql.NullString
	var exitCode sql.NullInt64
	var eventType string
	if err := row.Scan(&ev.ID, &ev.SessionID, &ts, &ev.InsertionSeq, &eventType,
		&inline, &blobID, &toolName, &filePath, &exitCode, &ev.ContentHash, &ev.TokenCount); err != nil {
		return nil, err
	}
	ev.EventType = types.EventType(eventType)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	ev.Timestamp = parsed
	if inline.Valid {
		ev.ContentInline = inline.String
	}
	if blobID.Valid {
		ev.BlobID = blobID.String
	}
	if toolName.Valid {
		ev.ToolName = toolName.String
	}
	if filePath.Valid {
		ev.FilePath = filePath.String
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		ev.ExitCode = &v
	}
	return &ev, nil
}

// Get retrieves a single event by ID.
func (l *Log) Get(ctx context.Context, id string) (*types.Event, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectEventCols+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// GetBySession returns every event for a session in timestamp-ascending
// order, breaking ties by insertion order.
func (l *Log) GetBySession(ctx context.Context, sessionID string) ([]*types.Event, error) {
	return l.query(ctx, `
		SELECT `+selectEventCols+` FROM events
		WHERE session_id = ?
		ORDER BY timestamp ASC, insertion_seq ASC
	`, sessionID)
}

// GetBySessionSince returns events for a session strictly after t.
func (l *Log) GetBySessionSince(ctx context.Context, sessionID string, t time.Time) ([]*types.Event, error) {
	return l.query(ctx, `
		SELECT `+selectEventCols+` FROM events
		WHERE session_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, insertion_seq ASC
	`, sessionID, t.UTC().Format(time.RFC3339Nano))
}

// GetRecent returns the n events with the latest timestamps (ties broken by
// insertion sequence) across all sessions, newest last (chronological order), matching checkpoint buffer semantics.
func (l *Log) GetRecent(ctx context.Context, n int) ([]*types.Event, error) {
	events, err := l.query(ctx, `
		SELECT `+selectEventCols+` FROM events
		ORDER BY timestamp DESC, insertion_seq DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (l *Log) query(ctx context.Context, query string, args ...any) ([]*types.Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetContent resolves an event's content, reading through to the blob store
// when the event was offloaded.
func (l *Log) GetContent(ctx context.Context, ev *types.Event) ([]byte, error) {
	if !ev.HasBlob() {
		return []byte(ev.ContentInline), nil
	}
	b, err := l.blobs.Get(ctx, ev.BlobID)
	if err != nil {
		return nil, fmt.Errorf("resolve blob content: %w", err)
	}
	return b.Content, nil
}

// ExistsByHash reports whether any event already carries the given content
// hash, used by curators for dedup.
func (l *Log) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE content_hash = ?`, hash).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check hash existence: %w", err)
	}
	return n > 0, nil
}

// Count returns the total number of events in the log.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountBySession returns the number of events recorded for a session.
func (l *Log) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session events: %w", err)
	}
	return n, nil
}
