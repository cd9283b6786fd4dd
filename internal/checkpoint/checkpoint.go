package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/curate"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/sessionstore"
	"github.com/franalgaba/alexandria-sub000/internal/types"

	"github.com/franalgaba/alexandria-sub000/internal/conflict"
)

// Result tallies one Execute run.
type Result struct {
	EpisodeEventCount   int
	CandidatesExtracted int
	MemoriesCreated     int
	MemoriesUpdated     int
	ConflictsDetected   int
	ConflictsPending    int
	RehydrationReady    bool
}

// VectorIndexer embeds and persists a vector for newly created or updated
// memory content. Satisfied by *vectorindex.Index; optional, so an Engine
// with none configured simply skips vector indexing of curated memories.
type VectorIndexer interface {
	IndexObject(ctx context.Context, objectID, text string) error
}

// Engine buffers events per session, detects checkpoint triggers, and runs
// the curate-apply-reset loop.
type Engine struct {
	cfg      Config
	memories *memstore.Store
	sessions *sessionstore.Store
	curator  *curate.Curator
	tier2    bool
	vectors  VectorIndexer
	now      func() time.Time

	mu             sync.Mutex
	buffers        map[string][]*types.Event
	lastCheckpoint map[string]time.Time
	sf             singleflight.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithVectorIndexer wires a VectorIndexer so memories the curator creates
// get embedded for hybrid retrieval the same as explicitly-authored ones.
func WithVectorIndexer(v VectorIndexer) Option {
	return func(e *Engine) { e.vectors = v }
}

// WithConfig overrides the default trigger thresholds.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.cfg = cfg } }

// WithTier2 enables conflict detection on apply. It is independent of
// whether the curator has an LLM extractor configured.
func WithTier2(enabled bool) Option { return func(e *Engine) { e.tier2 = enabled } }

// New constructs a checkpoint Engine.
func New(memories *memstore.Store, sessions *sessionstore.Store, curator *curate.Curator, opts ...Option) *Engine {
	e := &Engine{
		cfg:            DefaultConfig(),
		memories:       memories,
		sessions:       sessions,
		curator:        curator,
		now:            time.Now,
		buffers:        map[string][]*types.Event{},
		lastCheckpoint: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddEvent pushes an event into a session's buffer and evaluates triggers
// in priority order, running Execute on the first hit. Concurrent AddEvent
// calls for the same session that would
// both fire Execute are collapsed onto a single run via singleflight.
func (e *Engine) AddEvent(ctx context.Context, sessionID string, ev *types.Event) (*Result, error) {
	e.mu.Lock()
	e.buffers[sessionID] = append(e.buffers[sessionID], ev)
	buffer := append([]*types.Event(nil), e.buffers[sessionID]...)
	e.mu.Unlock()

	trigger, ok := DetectTrigger(buffer, e.cfg, e.now())
	if !ok {
		return nil, nil
	}
	return e.executeCollapsed(ctx, sessionID, trigger)
}

// TriggerManual forces a checkpoint, bypassing trigger detection.
func (e *Engine) TriggerManual(ctx context.Context, sessionID string) (*Result, error) {
	return e.executeCollapsed(ctx, sessionID, types.Trigger{Tag: types.TriggerManual, Reason: "manual"})
}

func (e *Engine) executeCollapsed(ctx context.Context, sessionID string, trigger types.Trigger) (*Result, error) {
	v, err, _ := e.sf.Do(sessionID, func() (any, error) {
		return e.execute(ctx, sessionID, trigger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// execute runs the curate-apply-reset loop over a session's buffered
// episode.
func (e *Engine) execute(ctx context.Context, sessionID string, trigger types.Trigger) (*Result, error) {
	e.mu.Lock()
	buffer := e.buffers[sessionID]
	e.mu.Unlock()

	if trigger.Tag != types.TriggerManual && len(buffer) < e.cfg.MinEventsForCheckpoint {
		return &Result{}, nil
	}

	ep := buildEpisode(buffer)
	candidates := e.curator.Extract(ctx, ep)
	episodeRefs := extractEpisodeCodeRefs(ep)

	result := &Result{EpisodeEventCount: len(ep.Events), CandidatesExtracted: len(candidates)}

	for _, cand := range candidates {
		cand.CodeRefs = append(cand.CodeRefs, episodeRefs...)
		created, updated, conflictsDetected, pending, err := e.apply(ctx, sessionID, cand)
		if err != nil {
			continue
		}
		result.MemoriesCreated += created
		result.MemoriesUpdated += updated
		result.ConflictsDetected += conflictsDetected
		result.ConflictsPending += pending
	}

	now := e.now()
	e.mu.Lock()
	e.buffers[sessionID] = nil
	e.lastCheckpoint[sessionID] = now
	e.mu.Unlock()

	if e.sessions != nil {
		_ = e.sessions.MarkCheckpointed(ctx, sessionID, now)
	}
	result.RehydrationReady = true
	return result, nil
}

func buildEpisode(buffer []*types.Event) *types.Episode {
	ep := &types.Episode{Events: buffer}
	if len(buffer) > 0 {
		ep.StartTime = buffer[0].Timestamp
		ep.EndTime = buffer[len(buffer)-1].Timestamp
	}
	for _, ev := range buffer {
		if ev.EventType == types.EventToolOutput {
			ep.ToolSequences = append(ep.ToolSequences, types.ToolSequence{
				Tool: ev.ToolName, ExitCode: ev.ExitCode, Output: ev.ContentInline,
				Timestamp: ev.Timestamp, EventID: ev.ID,
			})
		}
	}
	return ep
}

// extractEpisodeCodeRefs derives file-level code references from event
// file paths observed in the episode.
func extractEpisodeCodeRefs(ep *types.Episode) []types.CodeRef {
	seen := map[string]bool{}
	var refs []types.CodeRef
	for _, ev := range ep.Events {
		if ev.FilePath == "" || seen[ev.FilePath] {
			continue
		}
		seen[ev.FilePath] = true
		refs = append(refs, types.CodeRef{Type: types.RefFile, Path: ev.FilePath})
	}
	return refs
}

// apply resolves one candidate against existing memories of the same type:
// tier-2 runs full conflict detection; tier-0/1 fall back to the plain
// similarity merge gate.
func (e *Engine) apply(ctx context.Context, sessionID string, cand types.Candidate) (created, updated, conflictsDetected, conflictsPending int, err error) {
	related, err := e.memories.List(ctx, memstore.ListFilter{
		ObjectType: cand.ObjectType,
		Status:     []types.Status{types.StatusActive},
	})
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("list related memories: %w", err)
	}

	if e.tier2 {
		return e.applyTier2(ctx, cand, related)
	}
	return e.applySimilarity(ctx, cand, related)
}

func (e *Engine) applySimilarity(ctx context.Context, cand types.Candidate, related []*types.MemoryObject) (created, updated, conflictsDetected, conflictsPending int, err error) {
	if existing := findSimilar(cand, related); existing != nil {
		_, err := e.memories.Update(ctx, existing.ID, memstore.Patch{EvidenceEventIDsAdd: cand.EvidenceEventIDs})
		if err != nil {
			return 0, 0, 0, 0, err
		}
		return 0, 1, 0, 0, nil
	}
	if _, err := e.createFromCandidate(ctx, cand); err != nil {
		return 0, 0, 0, 0, err
	}
	return 1, 0, 0, 0, nil
}

func (e *Engine) applyTier2(ctx context.Context, cand types.Candidate, related []*types.MemoryObject) (created, updated, conflictsDetected, conflictsPending int, err error) {
	conflicts := conflict.Detect(cand.ObjectType, cand.Content, len(cand.EvidenceEventIDs)+len(cand.CodeRefs), related)
	if len(conflicts) == 0 {
		return e.applySimilarity(ctx, cand, related)
	}
	conflictsDetected = len(conflicts)

	if conflict.RequiresReview(conflicts) {
		m, err := e.createFromCandidate(ctx, cand)
		if err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		pendingStatus := types.ReviewPending
		if _, err := e.memories.Update(ctx, m.ID, memstore.Patch{ReviewStatus: &pendingStatus}); err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		return 0, 0, conflictsDetected, 1, nil
	}

	primary, _ := conflict.HighestSeverity(conflicts)
	switch primary.Resolution {
	case conflict.ResolutionKeepExisting:
		return 0, 0, conflictsDetected, 0, nil
	case conflict.ResolutionReplace:
		m, err := e.createFromCandidate(ctx, cand)
		if err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		if err := e.memories.Supersede(ctx, primary.Existing.ID, m.ID); err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		return 1, 0, conflictsDetected, 0, nil
	case conflict.ResolutionMerge:
		mergedContent := conflict.MergedContent(cand.Content, primary.Existing)
		evidence := unionStrings(cand.EvidenceEventIDs, primary.Existing.EvidenceEventIDs)
		mergedCand := cand
		mergedCand.Content = mergedContent
		mergedCand.EvidenceEventIDs = evidence
		m, err := e.createFromCandidate(ctx, mergedCand)
		if err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		if err := e.memories.Supersede(ctx, primary.Existing.ID, m.ID); err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		return 1, 0, conflictsDetected, 0, nil
	case conflict.ResolutionKeepBoth:
		if _, err := e.createFromCandidate(ctx, cand); err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		return 1, 0, conflictsDetected, 0, nil
	case conflict.ResolutionRejectBoth:
		if err := e.memories.Retire(ctx, primary.Existing.ID); err != nil {
			return 0, 0, conflictsDetected, 0, err
		}
		return 0, 0, conflictsDetected, 0, nil
	default:
		return 0, 0, conflictsDetected, 0, nil
	}
}

func (e *Engine) createFromCandidate(ctx context.Context, cand types.Candidate) (*types.MemoryObject, error) {
	m, err := e.memories.Create(ctx, memstore.CreateInput{
		Content:          cand.Content,
		ObjectType:       cand.ObjectType,
		Confidence:       cand.Confidence,
		EvidenceEventIDs: cand.EvidenceEventIDs,
		CodeRefs:         cand.CodeRefs,
	})
	if err != nil {
		return nil, err
	}
	if e.vectors != nil {
		_ = e.vectors.IndexObject(ctx, m.ID, m.Content) // embedding failure is non-fatal
	}
	return m, nil
}

func findSimilar(cand types.Candidate, related []*types.MemoryObject) *types.MemoryObject {
	candPrefix := content.NormalizedPrefix(cand.Content, 100)
	for _, ex := range related {
		if ex.ObjectType != cand.ObjectType {
			continue
		}
		exPrefix := content.NormalizedPrefix(ex.Content, 100)
		if candPrefix == exPrefix || content.JaccardTokens(cand.Content, ex.Content) >= 0.8 {
			return ex
		}
	}
	return nil
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
