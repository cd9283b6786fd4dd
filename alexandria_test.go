package alexandria

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/retrieval"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...EngineOption) *Engine {
	t.Helper()
	eng, err := NewSQLiteEngine(filepath.Join(t.TempDir(), "alexandria.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Fatalf("close engine: %v", err)
		}
	})
	return eng
}

func intp(n int) *int { return &n }

func TestDebuggingSessionProducesKnownFix(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	// The final test-summary event may fire the task_complete trigger on its
	// own, so memory creation is tallied across auto and manual checkpoints.
	var created int
	ingest := func(i int, fn func(context.Context, IngestInput) (*types.Event, *CheckpointResult, error), in IngestInput) {
		t.Helper()
		in.SessionID = "s1"
		in.Timestamp = base.Add(time.Duration(i) * 10 * time.Second)
		_, result, err := fn(ctx, in)
		require.NoError(t, err)
		if result != nil {
			created += result.MemoriesCreated
		}
	}

	ingest(0, eng.IngestTurn, IngestInput{Content: []byte("I'm getting Cannot find module './utils'")})
	ingest(1, eng.IngestTurn, IngestInput{Content: []byte("Let me check the import.")})
	ingest(2, eng.IngestToolOutput, IngestInput{ToolName: "bash", ExitCode: intp(1), Content: []byte("error: Cannot find module './utils'")})
	ingest(3, eng.IngestTurn, IngestInput{Content: []byte("No, the issue is the file extension. In Bun, you need .ts extension.")})
	ingest(4, eng.IngestToolOutput, IngestInput{ToolName: "edit", ExitCode: intp(0), Content: []byte(`Changed import from "./utils" to "./utils.ts"`)})
	ingest(5, eng.IngestToolOutput, IngestInput{ToolName: "bash", ExitCode: intp(0), Content: []byte("5 tests passed\n0 tests failed")})

	result, err := eng.TriggerCheckpoint(ctx, "s1")
	require.NoError(t, err)
	created += result.MemoriesCreated
	require.GreaterOrEqual(t, created, 1)

	fixes, err := eng.ListMemories(ctx, memstore.ListFilter{ObjectType: types.ObjectKnownFix})
	require.NoError(t, err)
	require.NotEmpty(t, fixes)
	var mentionsError bool
	for _, m := range fixes {
		if strings.Contains(m.Content, "Cannot find module") {
			mentionsError = true
		}
	}
	require.True(t, mentionsError)

	all, err := eng.ListMemories(ctx, memstore.ListFilter{})
	require.NoError(t, err)
	for _, m := range all {
		require.NotContains(t, m.Content, "Let me check")
	}
}

func TestMetaCommentaryCreatesNoMemories(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

	noise := []string{
		"Let me check the file structure first.",
		"I see. Now let me look at the implementation.",
		"Let me examine the retriever code before changing it.",
		"Okay, let me review what the tests are doing here.",
		"Now let me see whether the config is loaded correctly.",
	}
	for i, content := range noise {
		_, _, err := eng.IngestTurn(ctx, IngestInput{
			SessionID: "s1",
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Content:   []byte(content),
		})
		require.NoError(t, err)
	}

	result, err := eng.TriggerCheckpoint(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 0, result.MemoriesCreated)
}

func TestDuplicateIngestKeepsAppendOnlyLog(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	base := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	payload := []byte("always use pnpm instead of npm in this repository please")

	first, _, err := eng.IngestTurn(ctx, IngestInput{SessionID: "s1", Timestamp: base, Content: payload})
	require.NoError(t, err)

	ok, err := eng.events.ExistsByHash(ctx, first.ContentHash)
	require.NoError(t, err)
	require.True(t, ok)

	second, _, err := eng.IngestTurn(ctx, IngestInput{SessionID: "s1", Timestamp: base.Add(time.Second), Content: payload})
	require.NoError(t, err)
	require.Equal(t, first.ContentHash, second.ContentHash)
	require.NotEqual(t, first.ID, second.ID)

	n, err := eng.events.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestLargeIngestOffloadsToBlob(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	big := []byte(strings.Repeat("build output line\n", 300))
	ev, _, err := eng.IngestToolOutput(ctx, IngestInput{
		SessionID: "s1",
		Timestamp: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		ToolName:  "bash",
		Content:   big,
	})
	require.NoError(t, err)
	require.True(t, ev.HasBlob())
	require.Empty(t, ev.ContentInline)

	got, err := eng.events.GetContent(ctx, ev)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

func TestSupersessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	a, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceMedium,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)
	b, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:          "Use tabs for indentation everywhere, including YAML",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e2"},
	})
	require.NoError(t, err)

	require.NoError(t, eng.SupersedeMemory(ctx, a.ID, b.ID))

	results, err := eng.Search(ctx, retrieval.Request{Query: "tabs indentation"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, b.ID, results[0].Memory.ID)
	require.Equal(t, types.TierObserved, results[0].Memory.ConfidenceTier)
	for _, res := range results {
		require.NotEqual(t, a.ID, res.Memory.ID)
	}
}

// stubCodeTruth reports every symbol as missing, driving the staleness path.
type stubCodeTruth struct{}

func (stubCodeTruth) GitRoot(context.Context) (string, error)                   { return "/repo", nil }
func (stubCodeTruth) CurrentCommit(context.Context) (string, error)             { return "abc123", nil }
func (stubCodeTruth) ChangedFilesSince(context.Context, string) ([]string, error) { return nil, nil }
func (stubCodeTruth) FileExists(context.Context, string) (bool, error)          { return true, nil }
func (stubCodeTruth) SymbolExists(context.Context, string, string) (bool, error) { return false, nil }
func (stubCodeTruth) HashFile(context.Context, string) (string, error)          { return "h", nil }
func (stubCodeTruth) HashLineRange(context.Context, string, int, int) (string, error) {
	return "h", nil
}

func TestStalenessDemotesMemoryButKeepsItQueryable(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithCodeTruth(stubCodeTruth{}))

	m, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:    "HybridSearch fuses lexical and vector scores with equal weights",
		ObjectType: types.ObjectDecision,
		Confidence: types.ConfidenceHigh,
		CodeRefs: []types.CodeRef{
			{Type: types.RefSymbol, Path: "src/retriever/hybrid-search.ts", Symbol: "HybridSearch"},
		},
	})
	require.NoError(t, err)

	res, err := eng.CheckStaleness(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, res.AnyStale)

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusStale, got.Status)

	results, err := eng.Search(ctx, retrieval.Request{
		Query:  "lexical vector scores",
		Status: []types.Status{types.StatusActive, types.StatusStale},
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, m.ID, results[0].Memory.ID)
}

func TestCheckAllSweepsActiveMemoriesWithRefs(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithCodeTruth(stubCodeTruth{}))

	withRef, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:    "Parser entry point lives in the scanner symbol",
		ObjectType: types.ObjectEnvironment,
		Confidence: types.ConfidenceHigh,
		CodeRefs:   []types.CodeRef{{Type: types.RefSymbol, Path: "src/parse.go", Symbol: "Scan"}},
	})
	require.NoError(t, err)
	noRef, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:    "Deploys happen from the main branch only",
		ObjectType: types.ObjectConstraint,
		Confidence: types.ConfidenceHigh,
	})
	require.NoError(t, err)

	results, err := eng.CheckAll(ctx)
	require.NoError(t, err)
	require.Contains(t, results, withRef.ID)
	require.NotContains(t, results, noRef.ID)
}

func TestGetContextRespectsBudgetAndTruncates(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	sentence := strings.Repeat("every deployment must pass the smoke suite first ", 9)
	for i := 0; i < 10; i++ {
		_, err := eng.CreateMemory(ctx, memstore.CreateInput{
			Content:          sentence + string(rune('a'+i)),
			ObjectType:       types.ObjectConstraint,
			Confidence:       types.ConfidenceHigh,
			EvidenceEventIDs: []string{"e1"},
		})
		require.NoError(t, err)
	}

	pack, err := eng.GetContext(ctx, retrieval.ContextRequest{
		Level:       types.DisclosureTask,
		TokenBudget: 500,
	})
	require.NoError(t, err)
	require.LessOrEqual(t, pack.TokensUsed, 500)
	require.Less(t, len(pack.Objects), 10)
	require.NotEmpty(t, pack.Objects)
	require.Equal(t, 10, pack.TotalCount)
}

func TestRecordOutcomeMovesScore(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	m, err := eng.CreateMemory(ctx, memstore.CreateInput{
		Content:          "Bun resolves relative imports only with explicit extensions",
		ObjectType:       types.ObjectKnownFix,
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)

	_, err = eng.RecordOutcome(ctx, m.ID, "s1", types.OutcomeHelpful, "")
	require.NoError(t, err)

	got, err := eng.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Greater(t, got.OutcomeScore, 0.5)
	require.Equal(t, types.TierObserved, got.ConfidenceTier)
}

func TestIngestDegradesWhenEmbedderFails(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithEmbedder(failingEmbedder{}))

	_, _, err := eng.IngestTurn(ctx, IngestInput{
		SessionID: "s1",
		Timestamp: time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC),
		Content:   []byte("this content cannot be embedded but must still be stored"),
	})
	require.NoError(t, err)

	n, err := eng.events.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, context.DeadlineExceeded
}
