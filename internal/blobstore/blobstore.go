// Package blobstore holds opaque byte payloads referenced by at most one
// event, reference-counted and swept when orphaned via an anti-join against
// the referencing events table.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// ErrNotFound indicates the requested blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is a SQLite-backed blob store.
type Store struct {
	db *sql.DB
}

// New wraps an existing database handle. The schema must already be applied
// via dbschema.Open.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Put writes a new blob and returns it. The caller supplies the ID so blob
// creation can be coordinated with the owning event's insert within one
// transaction (see eventlog.Append).
func (s *Store) Put(ctx context.Context, execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}, id string, data []byte, now time.Time) error {
	_, err := execer.ExecContext(ctx, `
		INSERT INTO blobs (id, content, size, created_at) VALUES (?, ?, ?, ?)
	`, id, data, len(data), now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put blob: %w", err)
	}
	return nil
}

// Get retrieves a blob by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Blob, error) {
	var b types.Blob
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, size, created_at FROM blobs WHERE id = ?
	`, id).Scan(&b.ID, &b.Content, &b.Size, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob: %w", err)
	}
	b.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse blob created_at: %w", err)
	}
	return &b, nil
}

// CleanOrphaned deletes blobs referenced by no event row and returns the
// count removed.
func (s *Store) CleanOrphaned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM blobs WHERE id NOT IN (
			SELECT blob_id FROM events WHERE blob_id IS NOT NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("clean orphaned blobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clean orphaned blobs rows affected: %w", err)
	}
	return int(n), nil
}

// NewBlobID mints an ID for a new blob using the content store's ID scheme.
func NewBlobID(now time.Time) string { return "blob_" + content.NewID(now) }
