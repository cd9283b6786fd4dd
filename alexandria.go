// Package alexandria is the per-project memory engine for long-running
// coding agents: an append-only event log, a checkpoint curator that mines
// durable facts out of episodes, a memory object store with an explicit
// lifecycle, and a hybrid lexical+vector retrieval engine that assembles
// token-budgeted context packs. A single constructor opens the database,
// applies the schema, and wires every subsystem behind one handle the rest
// of the process talks to.
package alexandria

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"go.opentelemetry.io/otel/attribute"

	"github.com/franalgaba/alexandria-sub000/internal/blobstore"
	"github.com/franalgaba/alexandria-sub000/internal/checkpoint"
	"github.com/franalgaba/alexandria-sub000/internal/codetruth"
	"github.com/franalgaba/alexandria-sub000/internal/conflict"
	"github.com/franalgaba/alexandria-sub000/internal/curate"
	"github.com/franalgaba/alexandria-sub000/internal/curate/llm"
	"github.com/franalgaba/alexandria-sub000/internal/dbschema"
	"github.com/franalgaba/alexandria-sub000/internal/enginecache"
	"github.com/franalgaba/alexandria-sub000/internal/engineconfig"
	"github.com/franalgaba/alexandria-sub000/internal/eventlog"
	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/normalize"
	"github.com/franalgaba/alexandria-sub000/internal/obs"
	"github.com/franalgaba/alexandria-sub000/internal/outcome"
	"github.com/franalgaba/alexandria-sub000/internal/retrieval"
	"github.com/franalgaba/alexandria-sub000/internal/sessionstore"
	"github.com/franalgaba/alexandria-sub000/internal/tokenindex"
	"github.com/franalgaba/alexandria-sub000/internal/txretry"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/franalgaba/alexandria-sub000/internal/vectorindex"
)

// Re-exported types so callers depend only on the root package.
type (
	Event            = types.Event
	MemoryObject     = types.MemoryObject
	Session          = types.Session
	Candidate        = types.Candidate
	Episode          = types.Episode
	ContextPack      = retrieval.ContextPack
	SearchResult     = retrieval.Result
	CheckpointResult = checkpoint.Result
)

// eventVectorTable / objectVectorTable name the fallback vector-persistence
// tables created by dbschema.
const (
	eventVectorTable  = "event_embeddings_fallback"
	objectVectorTable = "object_embeddings_fallback"
)

// Engine is the open handle onto one project's memory database: every
// subsystem package wired into a single facade.
type Engine struct {
	db     *sql.DB
	dbPath string

	blobs    *blobstore.Store
	events   *eventlog.Log
	tokens   *tokenindex.Index
	fts      *ftsindex.Index
	eventVec *vectorindex.Index // nil unless WithEmbedder is set
	objVec   *vectorindex.Index // nil unless WithEmbedder is set

	Memories   *memstore.Store
	Sessions   *sessionstore.Store
	Outcomes   *outcome.Store
	Retriever  *retrieval.Retriever
	Checkpoint *checkpoint.Engine

	staleness *codetruth.Checker

	now func() time.Time
}

// EngineOption configures optional collaborators at construction time.
type EngineOption func(*engineOptions)

type engineOptions struct {
	embedder      vectorindex.Embedder
	llmExtractor  llm.Extractor
	tier2         bool
	codeTruth     codetruth.CodeTruth
	checkpointCfg *checkpoint.Config
	settings      *engineconfig.Settings
}

// WithEmbedder supplies a text embedder, enabling vector indexing and hybrid
// (lexical+vector) search. Without one, retrieval degrades to lexical-only.
func WithEmbedder(e vectorindex.Embedder) EngineOption {
	return func(o *engineOptions) { o.embedder = e }
}

// WithLLMExtractor supplies a tier-1/2 LLM extractor; without one the
// curator runs tier-0 deterministic rules only.
func WithLLMExtractor(e llm.Extractor) EngineOption {
	return func(o *engineOptions) { o.llmExtractor = e }
}

// WithTier2 enables tier-2 conflict detection on curated candidates.
func WithTier2(enabled bool) EngineOption {
	return func(o *engineOptions) { o.tier2 = enabled }
}

// WithCodeTruth supplies the collaborator used by CheckStaleness / CheckAll
// to verify code references.
func WithCodeTruth(ct codetruth.CodeTruth) EngineOption {
	return func(o *engineOptions) { o.codeTruth = ct }
}

// WithCheckpointConfig overrides the default trigger thresholds.
func WithCheckpointConfig(cfg checkpoint.Config) EngineOption {
	return func(o *engineOptions) { o.checkpointCfg = &cfg }
}

// WithSettings supplies pre-loaded layered settings instead of having
// NewSQLiteEngine call engineconfig.LoadSettings itself.
func WithSettings(s engineconfig.Settings) EngineOption {
	return func(o *engineOptions) { o.settings = &s }
}

// handle adapts Engine to enginecache.Handle so the process-wide cache in
// cmd callers can close it on path switch or external rewrite: one cached
// database handle per process per path.
type handle struct{ eng *Engine }

func (h *handle) Close() error { return h.eng.Close() }

// sqliteDSN builds the ncruces/go-sqlite3 DSN for a file-backed database
// with WAL journaling, a busy_timeout floor, and foreign keys on.
func sqliteDSN(path string) string {
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)",
		path,
	)
}

// NewSQLiteEngine opens (creating if necessary) the SQLite database at
// dbPath, applies the schema and FTS mapping tables, and wires every
// subsystem together. Callers that want the per-project
// default path should resolve it first via engineconfig.ResolveDBPath.
func NewSQLiteEngine(dbPath string, opts ...EngineOption) (*Engine, error) {
	ctx, span := obs.StartSpan(context.Background(), "engine.open")
	defer span.End()

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	db, err := sql.Open("sqlite3", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}

	if err := dbschema.Open(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := ftsindex.EnsureMapping(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply fts mapping: %w", err)
	}

	if !strings.Contains(dbPath, ":memory:") {
		if cwd, err := os.Getwd(); err == nil {
			// project.json is metadata only; failing to write it never blocks open.
			_, _ = engineconfig.EnsureSidecar(dbPath, cwd, time.Now)
		}
	}

	blobs := blobstore.New(db)
	events, err := eventlog.New(db, blobs)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	tokens := tokenindex.New(db)
	fts := ftsindex.New(db)

	var eventVec, objVec *vectorindex.Index
	if o.embedder != nil {
		eventVec, err = vectorindex.New(ctx, db, eventVectorTable, "event_id", o.embedder)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open event vector index: %w", err)
		}
		objVec, err = vectorindex.New(ctx, db, objectVectorTable, "object_id", o.embedder)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open object vector index: %w", err)
		}
	}

	memories := memstore.New(db, tokens, fts)
	sessions := sessionstore.New(db)
	outcomes := outcome.New(db)
	retriever := retrieval.New(memories, sessions, fts, objVec)

	var curatorOpts []curate.Option
	if o.llmExtractor != nil {
		curatorOpts = append(curatorOpts, curate.WithExtractor(o.llmExtractor))
	}
	curator := curate.New(curatorOpts...)

	var checkpointOpts []checkpoint.Option
	switch {
	case o.checkpointCfg != nil:
		checkpointOpts = append(checkpointOpts, checkpoint.WithConfig(*o.checkpointCfg))
	case o.settings != nil:
		checkpointOpts = append(checkpointOpts, checkpoint.WithConfig(checkpoint.Config{
			ToolBurstCount:          o.settings.ToolBurstCount,
			ToolBurstWindow:         o.settings.ToolBurstWindow,
			MinEventsForCheckpoint:  o.settings.MinEventsForCheckpoint,
			TopicShiftMinBuffer:     o.settings.TopicShiftMinBuffer,
			AutoCheckpointThreshold: o.settings.AutoCheckpointThreshold,
		}))
	}
	if o.tier2 {
		checkpointOpts = append(checkpointOpts, checkpoint.WithTier2(true))
	}
	if objVec != nil {
		checkpointOpts = append(checkpointOpts, checkpoint.WithVectorIndexer(objVec))
	}
	checkpointEngine := checkpoint.New(memories, sessions, curator, checkpointOpts...)

	var staleness *codetruth.Checker
	if o.codeTruth != nil {
		staleness = codetruth.NewChecker(o.codeTruth)
	}

	eng := &Engine{
		db:         db,
		dbPath:     dbPath,
		blobs:      blobs,
		events:     events,
		tokens:     tokens,
		fts:        fts,
		eventVec:   eventVec,
		objVec:     objVec,
		Memories:   memories,
		Sessions:   sessions,
		Outcomes:   outcomes,
		Retriever:  retriever,
		Checkpoint: checkpointEngine,
		staleness:  staleness,
		now:        time.Now,
	}
	return eng, nil
}

// Open is the enginecache.Opener adapter for NewSQLiteEngine, so a process
// resolving a possibly-changing project path can keep a single cached
// Engine per path.
func Open(opts ...EngineOption) enginecache.Opener {
	return func(path string) (enginecache.Handle, error) {
		eng, err := NewSQLiteEngine(path, opts...)
		if err != nil {
			return nil, err
		}
		return &handle{eng: eng}, nil
	}
}

// Close releases the database handle. Safe to call once; callers that used
// Open via an enginecache.Cache never call this directly.
func (e *Engine) Close() error {
	return e.db.Close()
}

// IngestInput is the common payload for every Ingest* convenience method.
type IngestInput struct {
	SessionID string
	Timestamp time.Time
	ToolName  string
	FilePath  string
	ExitCode  *int
	Content   []byte
}

// Ingest normalizes a raw event (classifying its type when forcedType is
// empty, per normalize.Classify's precedence order), appends it, indexes it
// for lexical (and, if an embedder is configured, vector) search, feeds it
// to the checkpoint buffer, and runs the curate-apply-reset loop if a
// trigger fires.
func (e *Engine) Ingest(ctx context.Context, forcedType types.EventType, in IngestInput) (*types.Event, *CheckpointResult, error) {
	ctx, span := obs.StartSpan(ctx, "ingest")
	defer span.End()
	start := time.Now()
	defer func() { obs.Metrics.IngestLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds())) }()

	if err := txretry.Guard(ctx, e.db); err != nil {
		return nil, nil, fmt.Errorf("ingest: acquire write guard: %w", err)
	}

	if _, err := e.Sessions.GetOrCreate(ctx, sessionstore.CreateInput{ID: in.SessionID}); err != nil {
		return nil, nil, fmt.Errorf("ingest: ensure session: %w", err)
	}

	norm := normalize.Normalize(in.Content, normalize.Meta{
		ToolName:   in.ToolName,
		ForcedType: forcedType,
		ExitCode:   in.ExitCode,
	})

	ev, err := e.events.Append(ctx, eventlog.Input{
		SessionID:   in.SessionID,
		Timestamp:   in.Timestamp,
		EventType:   norm.EventType,
		ToolName:    in.ToolName,
		FilePath:    in.FilePath,
		ExitCode:    in.ExitCode,
		Content:     in.Content,
		ContentHash: norm.ContentHash,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("ingest: append event: %w", err)
	}

	if ev.HasBlob() {
		span.SetAttributes(attribute.String("alexandria.synopsis", norm.Synopsis))
	}

	if in.FilePath != "" {
		if err := e.Sessions.SetTopic(ctx, in.SessionID, in.FilePath); err != nil {
			return ev, nil, fmt.Errorf("ingest: set session topic: %w", err)
		}
	}
	if norm.EventType == types.EventError {
		if err := e.Sessions.RecordError(ctx, in.SessionID); err != nil {
			return ev, nil, fmt.Errorf("ingest: record session error: %w", err)
		}
	}

	text := contentText(ev, in.Content)
	if text != "" {
		if err := e.fts.IndexEvent(ctx, ev.ID, text); err != nil {
			return ev, nil, fmt.Errorf("ingest: index event for lexical search: %w", err)
		}
		if e.eventVec != nil {
			if err := e.eventVec.IndexEvent(ctx, ev.ID, text); err != nil {
				// Embedding failure is non-fatal to ingestion.
				_ = err
			}
		}
	}

	result, err := e.Checkpoint.AddEvent(ctx, in.SessionID, ev)
	if err != nil {
		return ev, nil, fmt.Errorf("ingest: checkpoint add event: %w", err)
	}
	if result != nil {
		obs.Metrics.EpisodesCurated.Add(ctx, 1)
		obs.Metrics.CandidatesExtracted.Add(ctx, int64(result.CandidatesExtracted))
		obs.Metrics.MemoriesCreated.Add(ctx, int64(result.MemoriesCreated))
		obs.Metrics.ConflictsDetected.Add(ctx, int64(result.ConflictsDetected))
	}
	return ev, result, nil
}

// contentText yields the text an indexer should embed/tokenize: small
// inline payloads index directly, while blob-offloaded payloads index the
// content that was actually appended (the blob reference alone carries no
// searchable text).
func contentText(ev *types.Event, raw []byte) string {
	if ev.HasBlob() {
		return string(raw)
	}
	return ev.ContentInline
}

// IngestToolOutput records a tool invocation's output.
func (e *Engine) IngestToolOutput(ctx context.Context, in IngestInput) (*types.Event, *CheckpointResult, error) {
	return e.Ingest(ctx, types.EventToolOutput, in)
}

// IngestTurn records a user/assistant conversational turn.
func (e *Engine) IngestTurn(ctx context.Context, in IngestInput) (*types.Event, *CheckpointResult, error) {
	return e.Ingest(ctx, types.EventTurn, in)
}

// IngestDiff records a code change.
func (e *Engine) IngestDiff(ctx context.Context, in IngestInput) (*types.Event, *CheckpointResult, error) {
	return e.Ingest(ctx, types.EventDiff, in)
}

// IngestError records a raised error.
func (e *Engine) IngestError(ctx context.Context, in IngestInput) (*types.Event, *CheckpointResult, error) {
	return e.Ingest(ctx, types.EventError, in)
}

// IngestTestSummary records a test run's outcome.
func (e *Engine) IngestTestSummary(ctx context.Context, in IngestInput) (*types.Event, *CheckpointResult, error) {
	return e.Ingest(ctx, types.EventTestSummary, in)
}

// TriggerCheckpoint forces an immediate checkpoint for sessionID, bypassing
// trigger detection.
func (e *Engine) TriggerCheckpoint(ctx context.Context, sessionID string) (*CheckpointResult, error) {
	ctx, span := obs.StartSpan(ctx, "checkpoint.execute")
	defer span.End()
	result, err := e.Checkpoint.TriggerManual(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	obs.Metrics.EpisodesCurated.Add(ctx, 1)
	obs.Metrics.CandidatesExtracted.Add(ctx, int64(result.CandidatesExtracted))
	obs.Metrics.MemoriesCreated.Add(ctx, int64(result.MemoriesCreated))
	obs.Metrics.ConflictsDetected.Add(ctx, int64(result.ConflictsDetected))
	return result, nil
}

// FlushCheckpoint is an alias for TriggerCheckpoint, used by the
// session-end/window-pressure flush path.
func (e *Engine) FlushCheckpoint(ctx context.Context, sessionID string) (*CheckpointResult, error) {
	return e.TriggerCheckpoint(ctx, sessionID)
}

// Search runs a hybrid lexical+vector search over memory objects.
func (e *Engine) Search(ctx context.Context, req retrieval.Request) ([]SearchResult, error) {
	ctx, span := obs.StartSpan(ctx, "retriever.search")
	defer span.End()
	start := time.Now()
	results, err := e.Retriever.Search(ctx, req)
	obs.Metrics.SearchLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	return results, err
}

// GetContext assembles a progressive-disclosure context pack.
func (e *Engine) GetContext(ctx context.Context, req retrieval.ContextRequest) (*ContextPack, error) {
	ctx, span := obs.StartSpan(ctx, "retriever.get_context")
	defer span.End()
	return e.Retriever.GetContext(ctx, req)
}

// CreateMemory records a new memory object directly, bypassing the curator.
func (e *Engine) CreateMemory(ctx context.Context, in memstore.CreateInput) (*MemoryObject, error) {
	m, err := e.Memories.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	if e.objVec != nil {
		if err := e.objVec.IndexObject(ctx, m.ID, m.Content); err != nil {
			_ = err // non-fatal
		}
	}
	return m, nil
}

// UpdateMemory applies a patch to a memory object.
func (e *Engine) UpdateMemory(ctx context.Context, id string, patch memstore.Patch) (*MemoryObject, error) {
	return e.Memories.Update(ctx, id, patch)
}

// ApproveMemory marks a pending memory reviewed and accepted.
func (e *Engine) ApproveMemory(ctx context.Context, id string) error { return e.Memories.Approve(ctx, id) }

// RejectMemory marks a pending memory reviewed and discarded.
func (e *Engine) RejectMemory(ctx context.Context, id string) error { return e.Memories.Reject(ctx, id) }

// RetireMemory transitions a memory to retired.
func (e *Engine) RetireMemory(ctx context.Context, id string) error { return e.Memories.Retire(ctx, id) }

// VerifyMemory refreshes a memory's last-verified timestamp.
func (e *Engine) VerifyMemory(ctx context.Context, id string) error { return e.Memories.Verify(ctx, id) }

// SupersedeMemory marks oldID superseded by newID.
func (e *Engine) SupersedeMemory(ctx context.Context, oldID, newID string) error {
	return e.Memories.Supersede(ctx, oldID, newID)
}

// GetMemory fetches a single memory object by id.
func (e *Engine) GetMemory(ctx context.Context, id string) (*MemoryObject, error) {
	return e.Memories.Get(ctx, id)
}

// ListMemories lists memory objects matching filter.
func (e *Engine) ListMemories(ctx context.Context, filter memstore.ListFilter) ([]*MemoryObject, error) {
	return e.Memories.List(ctx, filter)
}

// RecordOutcome logs observed usefulness feedback for a memory that was
// injected into a session.
func (e *Engine) RecordOutcome(ctx context.Context, memoryID, sessionID string, kind types.OutcomeKind, note string) (*types.Outcome, error) {
	return e.Outcomes.Record(ctx, memoryID, sessionID, kind, note)
}

// ErrStalenessUnavailable indicates no CodeTruth collaborator was configured
// via WithCodeTruth, so code-reference staleness can't be checked.
var ErrStalenessUnavailable = fmt.Errorf("alexandria: no CodeTruth collaborator configured (use WithCodeTruth)")

// CheckStaleness verifies one memory's code references against the current
// working tree and, if any are stale, flips its status accordingly.
func (e *Engine) CheckStaleness(ctx context.Context, id string) (*codetruth.CheckResult, error) {
	if e.staleness == nil {
		return nil, ErrStalenessUnavailable
	}
	m, err := e.Memories.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := e.staleness.Check(ctx, m)
	if err != nil {
		return nil, err
	}
	if codetruth.Apply(m, res, e.now()) {
		if _, err := e.Memories.Update(ctx, m.ID, memstore.Patch{
			Status:          &m.Status,
			RefreshVerified: true,
		}); err != nil {
			return res, fmt.Errorf("persist staleness result: %w", err)
		}
	}
	return res, nil
}

// CheckAll runs CheckStaleness over every active memory carrying at least
// one code reference, returning the per-memory results keyed by memory id.
// A single memory's check error doesn't abort the sweep; it's skipped.
func (e *Engine) CheckAll(ctx context.Context) (map[string]*codetruth.CheckResult, error) {
	if e.staleness == nil {
		return nil, ErrStalenessUnavailable
	}
	active, err := e.Memories.List(ctx, memstore.ListFilter{Status: []types.Status{types.StatusActive}})
	if err != nil {
		return nil, fmt.Errorf("check all: list active memories: %w", err)
	}

	results := make(map[string]*codetruth.CheckResult, len(active))
	for _, m := range active {
		if len(m.CodeRefs) == 0 {
			continue
		}
		res, err := e.staleness.Check(ctx, m)
		if err != nil {
			continue
		}
		if codetruth.Apply(m, res, e.now()) {
			if _, err := e.Memories.Update(ctx, m.ID, memstore.Patch{
				Status:          &m.Status,
				RefreshVerified: true,
			}); err != nil {
				continue
			}
		}
		results[m.ID] = res
	}
	return results, nil
}

// DetectConflict exposes the tier-2 conflict detector directly, for callers
// that curate candidates outside the checkpoint loop.
func (e *Engine) DetectConflict(cand types.Candidate, existing []*MemoryObject) []conflict.Conflict {
	return conflict.Detect(cand.ObjectType, cand.Content, len(cand.EvidenceEventIDs)+len(cand.CodeRefs), existing)
}
