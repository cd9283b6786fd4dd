package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/curate"
	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/sessionstore"
	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/franalgaba/alexandria-sub000/internal/tokenindex"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memstore.Store) {
	db := testutil.OpenDB(t)
	mem := memstore.New(db, tokenindex.New(db), ftsindex.New(db))
	sessions := sessionstore.New(db)
	_, err := sessions.Create(context.Background(), sessionstore.CreateInput{ID: "s1"})
	require.NoError(t, err)
	curator := curate.New()
	return New(mem, sessions, curator, opts...), mem
}

func scenarioAEvents() []*types.Event {
	base := time.Now().Add(-time.Minute)
	mk := func(id string, offset time.Duration, et types.EventType, text, tool string, exit *int) *types.Event {
		return &types.Event{ID: id, EventType: et, ContentInline: text, ToolName: tool, ExitCode: exit, Timestamp: base.Add(offset)}
	}
	return []*types.Event{
		mk("e1", 0, types.EventTurn, "I'm getting Cannot find module './utils'", "", nil),
		mk("e2", time.Second, types.EventTurn, "Let me check the import.", "", nil),
		mk("e3", 2*time.Second, types.EventToolOutput, "error: Cannot find module './utils'", "bash", intPtr(1)),
		mk("e4", 3*time.Second, types.EventTurn, "No, the issue is the file extension. In Bun, you need .ts extension.", "", nil),
		mk("e5", 4*time.Second, types.EventToolOutput, `Changed import from "./utils" to "./utils.ts"`, "edit", intPtr(0)),
		mk("e6", 5*time.Second, types.EventToolOutput, "5 tests passed\n0 tests failed", "bash", intPtr(0)),
	}
}

func TestExecuteManualProducesKnownFix(t *testing.T) {
	ctx := context.Background()
	eng, mem := newTestEngine(t)

	for _, ev := range scenarioAEvents() {
		eng.mu.Lock()
		eng.buffers["s1"] = append(eng.buffers["s1"], ev)
		eng.mu.Unlock()
	}

	result, err := eng.TriggerManual(ctx, "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.MemoriesCreated, 1)

	mems, err := mem.List(ctx, memstore.ListFilter{ObjectType: types.ObjectKnownFix})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Contains(t, mems[0].Content, "Cannot find module")
	for _, m := range mems {
		assert.NotContains(t, m.Content, "Let me check")
	}
}

func TestExecuteNoOpBelowMinEventsUnlessManual(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(t)

	eng.mu.Lock()
	eng.buffers["s1"] = []*types.Event{{ID: "e1", EventType: types.EventTurn, ContentInline: "hi"}}
	eng.mu.Unlock()

	result, err := eng.executeCollapsed(ctx, "s1", types.Trigger{Tag: types.TriggerToolBurst})
	require.NoError(t, err)
	assert.Equal(t, 0, result.EpisodeEventCount)
}

func TestExecuteTier2DetectsDuplicateConstraint(t *testing.T) {
	ctx := context.Background()
	eng, mem := newTestEngine(t, WithTier2(true))

	a, err := mem.Create(ctx, memstore.CreateInput{
		Content:          "use global state in the handler package, it causes test flakiness.",
		ObjectType:       types.ObjectConstraint,
		Confidence:       types.ConfidenceMedium,
		EvidenceEventIDs: []string{"e0"},
	})
	require.NoError(t, err)

	eng.mu.Lock()
	for i := 0; i < 6; i++ {
		eng.buffers["s1"] = append(eng.buffers["s1"], &types.Event{
			ID: "ev", EventType: types.EventTurn,
			ContentInline: "Don't use global state in the handler package, it causes test flakiness.",
		})
	}
	eng.mu.Unlock()

	result, err := eng.TriggerManual(ctx, "s1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.ConflictsDetected, 1)

	mems, err := mem.List(ctx, memstore.ListFilter{ObjectType: types.ObjectConstraint})
	require.NoError(t, err)
	require.NotEmpty(t, mems)

	_, err = mem.Get(ctx, a.ID)
	require.NoError(t, err)
}
