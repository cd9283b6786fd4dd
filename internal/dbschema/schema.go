// Package dbschema owns the embedded SQLite database schema and the
// forward-only, idempotent migration runner: each migration checks column
// existence via PRAGMA table_info before ALTER TABLE, and index creation
// always uses CREATE INDEX IF NOT EXISTS.
package dbschema

import (
	"database/sql"
	"fmt"
)

// baseSchema creates every table from a clean database. Existing
// installations are brought up to date by the migrations in migrations.go,
// which are safe to run against a database already created by baseSchema.
const baseSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	working_directory TEXT,
	working_file TEXT,
	working_task TEXT,
	summary TEXT,
	events_count INTEGER NOT NULL DEFAULT 0,
	objects_created INTEGER NOT NULL DEFAULT 0,
	objects_accessed INTEGER NOT NULL DEFAULT 0,
	last_checkpoint_at TEXT,
	events_since_checkpoint INTEGER NOT NULL DEFAULT 0,
	injected_memory_ids TEXT NOT NULL DEFAULT '[]',
	last_disclosure_at TEXT,
	error_count INTEGER NOT NULL DEFAULT 0,
	disclosure_level TEXT NOT NULL DEFAULT 'minimal',
	last_topic TEXT
);

CREATE TABLE IF NOT EXISTS blobs (
	id TEXT PRIMARY KEY,
	content BLOB NOT NULL,
	size INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	insertion_seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	content_inline TEXT,
	blob_id TEXT REFERENCES blobs(id),
	tool_name TEXT,
	file_path TEXT,
	exit_code INTEGER,
	content_hash TEXT NOT NULL,
	token_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_content_hash ON events(content_hash);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, insertion_seq);

CREATE TABLE IF NOT EXISTS memory_objects (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	object_type TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_path TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	superseded_by TEXT,
	confidence TEXT NOT NULL,
	evidence_event_ids TEXT NOT NULL DEFAULT '[]',
	evidence_excerpt TEXT,
	review_status TEXT NOT NULL DEFAULT 'pending',
	reviewed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	last_accessed TEXT,
	code_refs TEXT NOT NULL DEFAULT '[]',
	last_verified_at TEXT,
	supersedes TEXT NOT NULL DEFAULT '[]',
	structured TEXT,
	strength REAL NOT NULL DEFAULT 1.0,
	last_reinforced_at TEXT,
	outcome_score REAL NOT NULL DEFAULT 0.5
);
CREATE INDEX IF NOT EXISTS idx_memory_status ON memory_objects(status);
CREATE INDEX IF NOT EXISTS idx_memory_type ON memory_objects(object_type);
CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_objects(scope_type, scope_path);

CREATE TABLE IF NOT EXISTS memory_code_refs (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL REFERENCES memory_objects(id),
	path TEXT NOT NULL,
	ref_type TEXT NOT NULL,
	symbol TEXT,
	line_start INTEGER,
	line_end INTEGER,
	verified_at_commit TEXT,
	content_hash TEXT
);
CREATE INDEX IF NOT EXISTS idx_code_refs_memory ON memory_code_refs(memory_id);
CREATE INDEX IF NOT EXISTS idx_code_refs_path ON memory_code_refs(path);

CREATE TABLE IF NOT EXISTS object_tokens (
	object_id TEXT NOT NULL REFERENCES memory_objects(id),
	token TEXT NOT NULL,
	token_type TEXT NOT NULL,
	PRIMARY KEY (object_id, token)
);
CREATE INDEX IF NOT EXISTS idx_object_tokens_token ON object_tokens(token);

CREATE TABLE IF NOT EXISTS memory_outcomes (
	id TEXT PRIMARY KEY,
	memory_id TEXT NOT NULL REFERENCES memory_objects(id),
	session_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	outcome TEXT NOT NULL,
	context TEXT
);
CREATE INDEX IF NOT EXISTS idx_outcomes_memory ON memory_outcomes(memory_id);

CREATE VIRTUAL TABLE IF NOT EXISTS events_fts USING fts5(
	content, tokenize='porter unicode61'
);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_objects_fts USING fts5(
	content, tokenize='porter unicode61'
);

CREATE TABLE IF NOT EXISTS event_embeddings_fallback (
	event_id TEXT PRIMARY KEY,
	vector BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS object_embeddings_fallback (
	object_id TEXT PRIMARY KEY,
	vector BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open applies baseSchema and every migration to db. Safe to call on every
// engine startup (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS are
// idempotent, and each migration checks for its own column before altering).
func Open(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}
	for _, m := range migrations {
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}
