// Package memstore implements the durable memory object store: CRUD, the
// lifecycle state machine, confidence-tier recomputation, and code-ref
// denormalization, with the token and FTS indexes rewritten after every
// content-affecting write. The row write and the two index writes are
// separate steps, each index in its own transaction; they do not commit as
// one unit.
package memstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/tokenindex"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

var (
	// ErrNotFound indicates the requested memory does not exist.
	ErrNotFound = errors.New("memory not found")
	// ErrValidation indicates malformed Create/Update input.
	ErrValidation = errors.New("memory validation failed")
	// ErrInvariant indicates a fatal lifecycle or data invariant violation.
	ErrInvariant = errors.New("memory invariant violation")
)

// ContentMaxLen bounds normalized memory content.
const ContentMaxLen = 500

// Store is a SQLite-backed memory object store.
type Store struct {
	db     *sql.DB
	tokens *tokenindex.Index
	fts    *ftsindex.Index
	now    func() time.Time
}

// New wraps an existing database handle and its token/FTS indexes.
func New(db *sql.DB, tokens *tokenindex.Index, fts *ftsindex.Index) *Store {
	return &Store{db: db, tokens: tokens, fts: fts, now: time.Now}
}

// CreateInput is the caller-supplied payload for Create.
type CreateInput struct {
	Content          string
	ObjectType       types.ObjectType
	Scope            types.Scope
	Confidence       types.Confidence
	EvidenceEventIDs []string
	EvidenceExcerpt  string
	CodeRefs         []types.CodeRef
}

func validateObjectType(t types.ObjectType) bool {
	switch t {
	case types.ObjectDecision, types.ObjectPreference, types.ObjectConvention,
		types.ObjectKnownFix, types.ObjectConstraint, types.ObjectFailedAttempt, types.ObjectEnvironment:
		return true
	}
	return false
}

// Create validates and inserts a new memory object, running the
// auto-approve policy, deriving its confidence tier, and indexing its
// content.
func (s *Store) Create(ctx context.Context, in CreateInput) (*types.MemoryObject, error) {
	trimmed := in.Content
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: content must not be empty", ErrValidation)
	}
	if len(trimmed) > ContentMaxLen {
		trimmed = trimmed[:ContentMaxLen]
	}
	if !validateObjectType(in.ObjectType) {
		return nil, fmt.Errorf("%w: unknown object type %q", ErrValidation, in.ObjectType)
	}

	now := s.now()
	m := &types.MemoryObject{
		ID:               content.NewID(now),
		Content:          trimmed,
		ObjectType:       in.ObjectType,
		Scope:            in.Scope,
		Status:           types.StatusActive,
		Confidence:       in.Confidence,
		EvidenceEventIDs: in.EvidenceEventIDs,
		EvidenceExcerpt:  in.EvidenceExcerpt,
		CodeRefs:         in.CodeRefs,
		Strength:         1.0,
		OutcomeScore:     0.5,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if AutoApprove(m.Confidence, m.EvidenceEventIDs, m.CodeRefs) {
		m.ReviewStatus = types.ReviewApproved
	} else {
		m.ReviewStatus = types.ReviewPending
	}

	if err := s.insert(ctx, m); err != nil {
		return nil, err
	}
	if err := s.reindex(ctx, m); err != nil {
		return nil, err
	}
	return s.Get(ctx, m.ID)
}

func (s *Store) insert(ctx context.Context, m *types.MemoryObject) error {
	evidence, err := json.Marshal(m.EvidenceEventIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_objects (
			id, content, object_type, scope_type, scope_path, status, superseded_by,
			confidence, evidence_event_ids, evidence_excerpt, review_status, created_at,
			updated_at, strength, outcome_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Content, string(m.ObjectType), string(m.Scope.Type), nullIfEmpty(m.Scope.Path),
		string(m.Status), nullIfEmpty(m.SupersededBy), string(m.Confidence), string(evidence),
		nullIfEmpty(m.EvidenceExcerpt), string(m.ReviewStatus), formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt), m.Strength, m.OutcomeScore)
	if err != nil {
		return fmt.Errorf("insert memory object: %w", err)
	}
	return s.replaceCodeRefs(ctx, m.ID, m.CodeRefs)
}

func (s *Store) replaceCodeRefs(ctx context.Context, memoryID string, refs []types.CodeRef) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_code_refs WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("purge code refs: %w", err)
	}
	for _, ref := range refs {
		id := content.NewID(s.now())
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_code_refs (id, memory_id, path, ref_type, symbol, line_start, line_end, verified_at_commit, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, memoryID, ref.Path, string(ref.Type), nullIfEmpty(ref.Symbol), nullIfZero(ref.LineStart),
			nullIfZero(ref.LineEnd), nullIfEmpty(ref.VerifiedAtCommit), nullIfEmpty(ref.ContentHash))
		if err != nil {
			return fmt.Errorf("insert code ref: %w", err)
		}
	}
	return nil
}

func (s *Store) reindex(ctx context.Context, m *types.MemoryObject) error {
	if err := s.tokens.IndexObject(ctx, m.ID, m.Content); err != nil {
		return fmt.Errorf("token index memory: %w", err)
	}
	if err := s.fts.IndexObject(ctx, m.ID, m.Content); err != nil {
		return fmt.Errorf("fts index memory: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfZero(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
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

// Get retrieves a memory by ID with its confidence tier recomputed and its
// code refs loaded.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryObject, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, content, object_type, scope_type, scope_path, status, superseded_by,
			confidence, evidence_event_ids, evidence_excerpt, review_status, created_at,
			updated_at, access_count, last_accessed, last_verified_at, strength, outcome_score
		FROM memory_objects WHERE id = ?
	`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if err := s.loadCodeRefs(ctx, m); err != nil {
		return nil, err
	}
	m.ConfidenceTier = DeriveConfidenceTier(m)
	return m, nil
}

func scanMemory(row interface{ Scan(dest ...any) error }) (*types.MemoryObject, error) {
	var m types.MemoryObject
	var scopeType, objectType, status, confidence, reviewStatus string
	var scopePath, supersededBy, evidenceExcerpt, lastAccessed, lastVerified sql.NullString
	var evidenceJSON string
	var createdAt, updatedAt string

	err := row.Scan(&m.ID, &m.Content, &objectType, &scopeType, &scopePath, &status, &supersededBy,
		&confidence, &evidenceJSON, &evidenceExcerpt, &reviewStatus, &createdAt, &updatedAt,
		&m.AccessCount, &lastAccessed, &lastVerified, &m.Strength, &m.OutcomeScore)
	if err != nil {
		return nil, err
	}
	m.ObjectType = types.ObjectType(objectType)
	m.Scope = types.Scope{Type: types.ScopeType(scopeType), Path: scopePath.String}
	m.Status = types.Status(status)
	m.SupersededBy = supersededBy.String
	m.Confidence = types.Confidence(confidence)
	m.EvidenceExcerpt = evidenceExcerpt.String
	m.ReviewStatus = types.ReviewStatus(reviewStatus)

	if err := json.Unmarshal([]byte(evidenceJSON), &m.EvidenceEventIDs); err != nil {
		return nil, fmt.Errorf("unmarshal evidence ids: %w", err)
	}
	m.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	m.LastAccessed, err = parseNullTime(lastAccessed)
	if err != nil {
		return nil, fmt.Errorf("parse last_accessed: %w", err)
	}
	m.LastVerifiedAt, err = parseNullTime(lastVerified)
	if err != nil {
		return nil, fmt.Errorf("parse last_verified_at: %w", err)
	}
	return &m, nil
}

func (s *Store) loadCodeRefs(ctx context.Context, m *types.MemoryObject) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, ref_type, symbol, line_start, line_end, verified_at_commit, content_hash
		FROM memory_code_refs WHERE memory_id = ?
	`, m.ID)
	if err != nil {
		return fmt.Errorf("load code refs: %w", err)
	}
	defer rows.Close()

	var refs []types.CodeRef
	for rows.Next() {
		var ref types.CodeRef
		var refType, symbol, verifiedAt, hash sql.NullString
		var lineStart, lineEnd sql.NullInt64
		if err := rows.Scan(&ref.Path, &refType, &symbol, &lineStart, &lineEnd, &verifiedAt, &hash); err != nil {
			return fmt.Errorf("scan code ref: %w", err)
		}
		ref.Type = types.CodeRefType(refType.String)
		ref.Symbol = symbol.String
		ref.LineStart = int(lineStart.Int64)
		ref.LineEnd = int(lineEnd.Int64)
		ref.VerifiedAtCommit = verifiedAt.String
		ref.ContentHash = hash.String
		refs = append(refs, ref)
	}
	m.CodeRefs = refs
	return rows.Err()
}

// Patch carries the fields Update may change; nil/zero-value fields are
// left untouched.
type Patch struct {
	Content        *string
	Status         *types.Status
	SupersededBy   *string
	ReviewStatus   *types.ReviewStatus
	CodeRefs       *[]types.CodeRef
	RefreshVerified bool
	EvidenceEventIDsAdd []string
}

// Update applies a patch to an existing memory, touching UpdatedAt, purging
// and re-inserting content tokens on content change, and validating any
// status transition.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*types.MemoryObject, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if patch.Content != nil && *patch.Content != m.Content {
		m.Content = *patch.Content
		if len(m.Content) > ContentMaxLen {
			m.Content = m.Content[:ContentMaxLen]
		}
		contentChanged = true
	}
	if patch.Status != nil && *patch.Status != m.Status {
		if err := ValidateTransition(m.Status, *patch.Status); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		m.Status = *patch.Status
	}
	if patch.SupersededBy != nil {
		m.SupersededBy = *patch.SupersededBy
	}
	if patch.ReviewStatus != nil {
		m.ReviewStatus = *patch.ReviewStatus
		if m.ReviewStatus == types.ReviewRejected {
			m.Status = types.StatusRetired
		}
	}
	if patch.CodeRefs != nil {
		m.CodeRefs = *patch.CodeRefs
		if err := s.replaceCodeRefs(ctx, id, m.CodeRefs); err != nil {
			return nil, err
		}
	}
	for _, evID := range patch.EvidenceEventIDsAdd {
		if !containsStr(m.EvidenceEventIDs, evID) {
			m.EvidenceEventIDs = append(m.EvidenceEventIDs, evID)
		}
	}
	now := s.now()
	m.UpdatedAt = now
	if patch.RefreshVerified {
		m.LastVerifiedAt = &now
	}

	if err := s.persistUpdate(ctx, m); err != nil {
		return nil, err
	}
	if contentChanged {
		if err := s.reindex(ctx, m); err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, id)
}

func containsStr(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (s *Store) persistUpdate(ctx context.Context, m *types.MemoryObject) error {
	evidence, err := json.Marshal(m.EvidenceEventIDs)
	if err != nil {
		return fmt.Errorf("marshal evidence ids: %w", err)
	}
	var lastVerified sql.NullString
	if m.LastVerifiedAt != nil {
		lastVerified = sql.NullString{String: formatTime(*m.LastVerifiedAt), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE memory_objects SET
			content = ?, status = ?, superseded_by = ?, review_status = ?,
			evidence_event_ids = ?, updated_at = ?, last_verified_at = ?
		WHERE id = ?
	`, m.Content, string(m.Status), nullIfEmpty(m.SupersededBy), string(m.ReviewStatus),
		string(evidence), formatTime(m.UpdatedAt), lastVerified, m.ID)
	if err != nil {
		return fmt.Errorf("persist memory update: %w", err)
	}
	return nil
}

// Supersede marks oldID as superseded by newID. newID must already be
// active.
func (s *Store) Supersede(ctx context.Context, oldID, newID string) error {
	newMem, err := s.Get(ctx, newID)
	if err != nil {
		return fmt.Errorf("load superseding memory: %w", err)
	}
	if newMem.Status != types.StatusActive {
		return fmt.Errorf("%w: superseding memory %s is not active", ErrInvariant, newID)
	}
	status := types.StatusSuperseded
	superseded := newID
	_, err = s.Update(ctx, oldID, Patch{Status: &status, SupersededBy: &superseded})
	return err
}

// Retire transitions a memory to retired (explicit retire or reject path).
func (s *Store) Retire(ctx context.Context, id string) error {
	status := types.StatusRetired
	_, err := s.Update(ctx, id, Patch{Status: &status})
	return err
}

// Approve marks a memory's review status approved.
func (s *Store) Approve(ctx context.Context, id string) error {
	rs := types.ReviewApproved
	_, err := s.Update(ctx, id, Patch{ReviewStatus: &rs})
	return err
}

// Reject marks a memory rejected, which forces status=retired.
func (s *Store) Reject(ctx context.Context, id string) error {
	rs := types.ReviewRejected
	_, err := s.Update(ctx, id, Patch{ReviewStatus: &rs})
	return err
}

// Verify transitions a stale memory back to active and refreshes
// LastVerifiedAt; stale -> active is only reachable through an explicit
// verify.
func (s *Store) Verify(ctx context.Context, id string) error {
	status := types.StatusActive
	_, err := s.Update(ctx, id, Patch{Status: &status, RefreshVerified: true})
	return err
}

// RecordAccess increments a memory's access_count and sets last_accessed,
// used by the retriever when a memory is placed into a context pack.
// Access counting takes no write lock shared with the main row
// transaction; this is a small independent update.
func (s *Store) RecordAccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_objects SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record memory access: %w", err)
	}
	return nil
}

// ListFilter bounds List results.
type ListFilter struct {
	Status       []types.Status
	ObjectType   types.ObjectType
	Scope        *types.Scope
	ReviewStatus types.ReviewStatus
}

// List returns memories matching filter, ordered by updated_at descending.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*types.MemoryObject, error) {
	query := `SELECT id, content, object_type, scope_type, scope_path, status, superseded_by,
		confidence, evidence_event_ids, evidence_excerpt, review_status, created_at,
		updated_at, access_count, last_accessed, last_verified_at, strength, outcome_score
		FROM memory_objects WHERE 1=1`
	var args []any
	if len(filter.Status) > 0 {
		query += " AND status IN (" + placeholders(len(filter.Status)) + ")"
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if filter.ObjectType != "" {
		query += " AND object_type = ?"
		args = append(args, string(filter.ObjectType))
	}
	if filter.Scope != nil {
		query += " AND scope_type = ?"
		args = append(args, string(filter.Scope.Type))
		if filter.Scope.Path != "" {
			query += " AND scope_path = ?"
			args = append(args, filter.Scope.Path)
		}
	}
	if filter.ReviewStatus != "" {
		query += " AND review_status = ?"
		args = append(args, string(filter.ReviewStatus))
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryObject
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range out {
		if err := s.loadCodeRefs(ctx, m); err != nil {
			return nil, err
		}
		m.ConfidenceTier = DeriveConfidenceTier(m)
	}
	return out, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ",?"
	}
	return s
}
