package memstore

import (
	"context"
	"testing"

	"github.com/franalgaba/alexandria-sub000/internal/ftsindex"
	"github.com/franalgaba/alexandria-sub000/internal/testutil"
	"github.com/franalgaba/alexandria-sub000/internal/tokenindex"
	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	db := testutil.OpenDB(t)
	return New(db, tokenindex.New(db), ftsindex.New(db))
}

func TestCreateGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Scope:            types.Scope{Type: types.ScopeProject},
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)
	require.Equal(t, types.ReviewApproved, m.ReviewStatus)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, m.EvidenceEventIDs, got.EvidenceEventIDs)
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, CreateInput{Content: "", ObjectType: types.ObjectDecision})
	require.Error(t, err)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Create(ctx, CreateInput{Content: "something", ObjectType: "bogus"})
	require.Error(t, err)
}

func TestUpdateContentReindexesTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateInput{
		Content:    "use getUserName for lookups",
		ObjectType: types.ObjectConvention,
		Confidence: types.ConfidenceMedium,
	})
	require.NoError(t, err)

	matches, err := s.tokens.SearchByToken(ctx, "getUserName")
	require.NoError(t, err)
	require.Contains(t, matches, m.ID)

	newContent := "use fetchAccountLabel for lookups"
	_, err = s.Update(ctx, m.ID, Patch{Content: &newContent})
	require.NoError(t, err)

	matches, err = s.tokens.SearchByToken(ctx, "getUserName")
	require.NoError(t, err)
	require.NotContains(t, matches, m.ID)

	matches, err = s.tokens.SearchByToken(ctx, "fetchAccountLabel")
	require.NoError(t, err)
	require.Contains(t, matches, m.ID)
}

func TestSupersedeExcludesOldIncludesNew(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Create(ctx, CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceMedium,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)

	b, err := s.Create(ctx, CreateInput{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e2"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Supersede(ctx, a.ID, b.ID))

	active, err := s.List(ctx, ListFilter{Status: []types.Status{types.StatusActive}})
	require.NoError(t, err)

	var ids []string
	for _, m := range active {
		ids = append(ids, m.ID)
	}
	require.NotContains(t, ids, a.ID)
	require.Contains(t, ids, b.ID)

	oldMem, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuperseded, oldMem.Status)
	require.Equal(t, b.ID, oldMem.SupersededBy)
}

func TestRejectForcesRetired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateInput{
		Content:    "some candidate fact",
		ObjectType: types.ObjectDecision,
		Confidence: types.ConfidenceLow,
	})
	require.NoError(t, err)

	require.NoError(t, s.Reject(ctx, m.ID))

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, types.ReviewRejected, got.ReviewStatus)
	require.Equal(t, types.StatusRetired, got.Status)
}

func TestGetAndListDeriveConfidenceTier(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateInput{
		Content:          "Deploys require a green smoke suite",
		ObjectType:       types.ObjectConstraint,
		Confidence:       types.ConfidenceHigh,
		EvidenceEventIDs: []string{"e1"},
	})
	require.NoError(t, err)
	require.Equal(t, types.TierObserved, m.ConfidenceTier)

	got, err := s.Get(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, DeriveConfidenceTier(got), got.ConfidenceTier)

	listed, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, types.TierObserved, listed[0].ConfidenceTier)
}
