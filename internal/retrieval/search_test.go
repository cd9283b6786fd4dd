package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/conflict"
	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/sessionstore"
	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/franalgaba/alexandria-sub000/internal/tokenindex"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestRetriever(t *testing.T) (*Retriever, *memstore.Store) {
	db := testutil.OpenDB(t)
	mem := memstore.New(db, tokenindex.New(db), ftsindex.New(db))
	r := New(mem, nil, ftsindex.New(db), nil)
	return r, mem
}

// Replacing a preference with a duplicate that carries more evidence must surface
// only the replacement in search results.
func TestSearchSupersessionHidesSuperseded(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRetriever(t)

	a, err := mem.Create(ctx, memstore.CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceMedium,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)

	b, err := mem.Create(ctx, memstore.CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e2", "e3"},
	})
	require.NoError(t, err)

	related := []*types.MemoryObject{a}
	conflicts := conflict.Detect(b.ObjectType, b.Content, len(b.EvidenceEventIDs), related)
	require.NotEmpty(t, conflicts)
	top, ok := conflict.HighestSeverity(conflicts)
	require.True(t, ok)
	require.Equal(t, conflict.ResolutionReplace, top.Resolution)

	require.NoError(t, mem.Supersede(ctx, a.ID, b.ID))

	results, err := r.Search(ctx, Request{Query: "tabs indentation"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert_equal_first_id(t, results, b.ID)
	for _, res := range results {
		if res.Memory.ID == a.ID {
			t.Fatalf("superseded memory %s must not appear in results", a.ID)
		}
	}
}

func assert_equal_first_id(t *testing.T, results []Result, id string) {
	t.Helper()
	if results[0].Memory.ID != id {
		t.Fatalf("expected first result %s, got %s", id, results[0].Memory.ID)
	}
}

// A stale memory remains visible but scores lower than an
// otherwise-identical active one.
func TestSearchStaleMemoryStillReturnedWithReducedScore(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRetriever(t)

	active, err := mem.Create(ctx, memstore.CreateInput{
		Content:    "HybridSearch lives in src/retriever/hybrid-search.ts",
		ObjectType: types.ObjectEnvironment,
		Confidence: types.ConfidenceHigh,
	})
	require.NoError(t, err)

	stale, err := mem.Create(ctx, memstore.CreateInput{
		Content:    "HybridSearch previously lived in src/retriever/hybrid-search.ts",
		ObjectType: types.ObjectEnvironment,
		Confidence: types.ConfidenceHigh,
	})
	require.NoError(t, err)
	_, err = mem.Update(ctx, stale.ID, memstore.Patch{Status: statusPtr(types.StatusStale)})
	require.NoError(t, err)

	req := Request{Query: "HybridSearch hybrid-search.ts", Status: []types.Status{types.StatusActive, types.StatusStale}}
	results, err := r.Search(ctx, req)
	require.NoError(t, err)

	var activeScore, staleScore float64
	found := 0
	for _, res := range results {
		if res.Memory.ID == active.ID {
			activeScore = res.Score
			found++
		}
		if res.Memory.ID == stale.ID {
			staleScore = res.Score
			found++
		}
	}
	require.Equal(t, 2, found, "both active and stale memories must be present")
	require.Greater(t, activeScore, staleScore)
}

func statusPtr(s types.Status) *types.Status { return &s }

// Ten memories whose token estimates together exceed the budget must be
// truncated to a prefix honoring the budget.
func TestGetContextRespectsTokenBudget(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRetriever(t)

	big := make([]byte, 480)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	for i := 0; i < 10; i++ {
		_, err := mem.Create(ctx, memstore.CreateInput{
			Content:    string(big),
			ObjectType: types.ObjectConstraint,
			Confidence: types.ConfidenceHigh,
		})
		require.NoError(t, err)
	}

	pack, err := r.GetContext(ctx, ContextRequest{
		Task:        "convention",
		Level:       types.DisclosureTask,
		TokenBudget: 500,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, pack.TokensUsed, 500)
	require.Less(t, len(pack.Objects), 10)
}

// Identical inputs must yield identically ordered results.
func TestSearchIsDeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRetriever(t)

	for i := 0; i < 5; i++ {
		_, err := mem.Create(ctx, memstore.CreateInput{
			Content:    "retry the flaky network client on timeout",
			ObjectType: types.ObjectKnownFix,
			Confidence: types.ConfidenceHigh,
		})
		require.NoError(t, err)
	}

	first, err := r.Search(ctx, Request{Query: "flaky network client"})
	require.NoError(t, err)
	second, err := r.Search(ctx, Request{Query: "flaky network client"})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Memory.ID, second[i].Memory.ID)
	}
}

// Every memory a Search call returns must have its access count bumped, or
// Reinforce's heatmap multiplier can never move off 1.0.
func TestSearchRecordsAccess(t *testing.T) {
	ctx := context.Background()
	r, mem := newTestRetriever(t)

	m, err := mem.Create(ctx, memstore.CreateInput{
		Content:    "retry the flaky network client on timeout",
		ObjectType: types.ObjectKnownFix,
		Confidence: types.ConfidenceHigh,
	})
	require.NoError(t, err)

	_, err = r.Search(ctx, Request{Query: "flaky network client"})
	require.NoError(t, err)

	got, err := mem.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AccessCount)
}

// The context-pack assembly contract: the session's injected set, disclosure
// level and timestamp must be recorded, an error-burst escalates the level
// and resets error_count, and every packed memory's access count is bumped.
func TestGetContextRecordsDisclosureAndEscalates(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenDB(t)
	mem := memstore.New(db, tokenindex.New(db), ftsindex.New(db))
	sessions := sessionstore.New(db)
	r := New(mem, sessions, ftsindex.New(db), nil)

	m, err := mem.Create(ctx, memstore.CreateInput{
		Content:    "always run migrations before seeding test data",
		ObjectType: types.ObjectConstraint,
		Confidence: types.ConfidenceHigh,
	})
	require.NoError(t, err)

	sess, err := sessions.GetOrCreate(ctx, sessionstore.CreateInput{ID: "s1"})
	require.NoError(t, err)
	require.NoError(t, sessions.RecordError(ctx, sess.ID))
	require.NoError(t, sessions.RecordError(ctx, sess.ID))
	require.NoError(t, sessions.RecordError(ctx, sess.ID))
	sess, err = sessions.Get(ctx, sess.ID)
	require.NoError(t, err)

	pack, err := r.GetContext(ctx, ContextRequest{
		Session: sess,
		Level:   types.DisclosureMinimal,
	})
	require.NoError(t, err)
	require.Equal(t, types.DisclosureDeep, pack.Level, "error burst must escalate minimal to deep")

	updated, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.Contains(t, updated.InjectedMemoryIDs, m.ID)
	require.Equal(t, types.DisclosureDeep, updated.DisclosureLevel)
	require.NotNil(t, updated.LastDisclosureAt)
	require.Equal(t, 0, updated.ErrorCount, "error_burst-triggered disclosure must reset error_count")

	got, err := mem.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AccessCount)
}

func TestDetectEscalationExplicitQueryTakesPriority(t *testing.T) {
	sess := &types.Session{ErrorCount: 4, EventsSinceCheckpoint: 20}
	sig, ok := DetectEscalation(sess, "what did we decide about retries?", "", time.Now())
	require.True(t, ok)
	require.Equal(t, ReasonExplicitQuery, sig.Reason)
	require.Equal(t, types.DisclosureDeep, sig.Level)
}

func TestDetectEscalationErrorBurst(t *testing.T) {
	sess := &types.Session{ErrorCount: 5}
	sig, ok := DetectEscalation(sess, "", "", time.Now())
	require.True(t, ok)
	require.Equal(t, ReasonErrorBurst, sig.Reason)
	require.InDelta(t, 1.0, sig.Confidence, 0.001)
}

func TestDetectEscalationNoneWhenQuiet(t *testing.T) {
	sess := &types.Session{}
	_, ok := DetectEscalation(sess, "", "", time.Now())
	require.False(t, ok)
}
