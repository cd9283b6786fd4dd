package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/sessionstore"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/franalgaba/alexandria-sub000/internal/vectorindex"
)

// Mode overrides the fused weighting, forcing a pure lexical or vector
// search, or "" for the router-selected hybrid default.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
)

// Request parameterizes a single Search call.
type Request struct {
	Query         string
	Mode          Mode
	K             int
	Status        []types.Status
	ObjectType    types.ObjectType
	Scope         *types.Scope
	ReviewStatus  types.ReviewStatus
	QueryFilePath string
	SameProject   bool
}

// Result is one ranked memory with its component scores for diagnostics.
type Result struct {
	Memory    *types.MemoryObject
	Score     float64
	LexScore  float64
	VecScore  float64
	MatchType string
}

// Retriever serves hybrid search and context packs over a memory store and
// its indexes.
type Retriever struct {
	memories *memstore.Store
	sessions *sessionstore.Store
	fts      *ftsindex.Index
	vectors  *vectorindex.Index
	now      func() time.Time
}

// New constructs a Retriever. vectors may be nil; search then degrades to
// lexical-only scoring.
func New(memories *memstore.Store, sessions *sessionstore.Store, fts *ftsindex.Index, vectors *vectorindex.Index) *Retriever {
	return &Retriever{memories: memories, sessions: sessions, fts: fts, vectors: vectors, now: time.Now}
}

// candidateFanout bounds how many lexical/vector hits are fetched before
// fusion and filtering narrow them down to the requested K.
const candidateFanout = 50

// Search runs the hybrid lexical+vector search pipeline and returns the
// top-K reinforced, filtered results, recording an access for each one.
func (r *Retriever) Search(ctx context.Context, req Request) ([]Result, error) {
	results, err := r.search(ctx, req)
	if err != nil {
		return nil, err
	}
	now := r.now()
	for _, res := range results {
		if err := r.memories.RecordAccess(ctx, res.Memory.ID, now); err != nil {
			_ = err // access-heatmap bookkeeping is best-effort, not fatal to the search call
		}
	}
	return results, nil
}

// search runs the fusion pipeline without recording access, so callers that
// use it as an internal building block (GetContext's task-level candidate
// gathering) don't double-count an access that's only recorded once the
// object is actually placed into a returned pack.
func (r *Retriever) search(ctx context.Context, req Request) ([]Result, error) {
	plan := PlanFor(ClassifyIntent(req.Query))
	wLex, wVec := plan.WeightLex, plan.WeightVec
	switch req.Mode {
	case ModeLexical:
		wLex, wVec = 1.0, 0.0
	case ModeVector:
		wLex, wVec = 0.0, 1.0
	}
	k := req.K
	if k <= 0 {
		k = plan.K
	}

	var lexHits []ftsindex.Hit
	var vecHits []vectorindex.Hit

	g, gctx := errgroup.WithContext(ctx)
	if wLex > 0 {
		g.Go(func() error {
			hits, err := r.fts.SearchObjects(gctx, req.Query, candidateFanout)
			if err != nil {
				return fmt.Errorf("lexical search: %w", err)
			}
			lexHits = hits
			return nil
		})
	}
	if wVec > 0 && r.vectors != nil {
		g.Go(func() error {
			hits, err := r.vectors.SearchSimilarObjects(gctx, req.Query, candidateFanout)
			if err != nil {
				return fmt.Errorf("vector search: %w", err)
			}
			vecHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lexScores := map[string]float64{}
	for _, h := range lexHits {
		lexScores[h.ID] = h.Score
	}
	vecScores := map[string]float64{}
	for _, h := range vecHits {
		vecScores[h.ID] = clamp01(1 - h.Distance)
	}

	ids := map[string]bool{}
	for id := range lexScores {
		ids[id] = true
	}
	for id := range vecScores {
		ids[id] = true
	}

	now := r.now()
	var results []Result
	for id := range ids {
		m, err := r.memories.Get(ctx, id)
		if err != nil {
			continue
		}
		if !passesFilter(m, req) {
			continue
		}
		m.ConfidenceTier = memstore.DeriveConfidenceTier(m)

		lex, vec := lexScores[id], vecScores[id]
		base := clamp01(wLex*lex + wVec*vec)
		score := Reinforce(base, m, now, req.QueryFilePath, req.SameProject)

		results = append(results, Result{
			Memory:    m,
			Score:     score,
			LexScore:  lex,
			VecScore:  vec,
			MatchType: matchType(lex, vec),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		pi := priorityRank(plan, results[i].Memory.ObjectType)
		pj := priorityRank(plan, results[j].Memory.ObjectType)
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if pi != pj {
			return pi > pj
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func matchType(lex, vec float64) string {
	switch {
	case lex > 0 && vec > 0:
		return "hybrid"
	case lex > 0:
		return "lexical"
	case vec > 0:
		return "vector"
	default:
		return "hybrid"
	}
}

func passesFilter(m *types.MemoryObject, req Request) bool {
	if len(req.Status) > 0 {
		ok := false
		for _, s := range req.Status {
			if m.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	} else if m.Status != types.StatusActive {
		return false
	}
	if req.ObjectType != "" && m.ObjectType != req.ObjectType {
		return false
	}
	if req.Scope != nil {
		if m.Scope.Type != req.Scope.Type {
			return false
		}
		if req.Scope.Path != "" && m.Scope.Path != req.Scope.Path {
			return false
		}
	}
	if req.ReviewStatus != "" && m.ReviewStatus != req.ReviewStatus {
		return false
	}
	return true
}
