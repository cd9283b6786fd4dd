// Package txretry retries a SQLite "BEGIN IMMEDIATE" transaction start under
// SQLITE_BUSY contention with exponential backoff, on top of the DSN's own
// busy_timeout pragma. busy_timeout alone isn't always sufficient under
// write contention from several writers, so a bounded backoff retry sits on
// top of it.
package txretry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxElapsed bounds the total retry budget for acquiring a write lock;
// busy_timeout plus bounded backoff together serialize concurrent IMMEDIATE
// transactions rather than failing
// the caller outright.
const maxElapsed = 2 * time.Second

// isBusyErr reports whether err looks like a SQLite busy/locked error. The
// pure-Go ncruces/go-sqlite3 driver surfaces these as plain error strings
// rather than a typed sentinel, so this matches on message content.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// BeginImmediate acquires a dedicated connection and starts a "BEGIN
// IMMEDIATE" transaction on it, retrying with exponential backoff while the
// error looks like SQLITE_BUSY/SQLITE_LOCKED. The caller is responsible for
// COMMIT/ROLLBACK and for closing the returned connection.
func BeginImmediate(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	policy := backoff.WithContext(bo, ctx)

	op := func() error {
		_, execErr := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if execErr != nil && isBusyErr(execErr) {
			return execErr
		}
		if execErr != nil {
			return backoff.Permanent(execErr)
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		_ = conn.Close()
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, fmt.Errorf("begin immediate transaction: %w", perm.Unwrap())
		}
		return nil, fmt.Errorf("begin immediate transaction: %w", err)
	}
	return conn, nil
}

// Guard serializes entry into a multi-statement write sequence by acquiring
// and immediately releasing a BEGIN IMMEDIATE lock: any other writer
// (another goroutine in this process, or another process sharing the same
// database file) already mid-write is waited out here, under backoff,
// before the caller proceeds — rather than racing into its own statements
// and discovering SQLITE_BUSY partway through. Used by the engine facade
// ahead of eventlog.Log.Append, whose in-process sequence counter isn't
// itself lock-protected.
func Guard(ctx context.Context, db *sql.DB) error {
	conn, err := BeginImmediate(ctx, db)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("release guard transaction: %w", err)
	}
	return nil
}
