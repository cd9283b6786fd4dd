package curate

import (
	"context"
	"errors"
	"testing"

	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeKeepsHigherConfidenceOnCollision(t *testing.T) {
	tier0 := []types.Candidate{{Content: "Use tabs for indentation", Confidence: types.ConfidenceMedium}}
	tier1 := []types.Candidate{{Content: "  use TABS for   indentation ", Confidence: types.ConfidenceHigh}}

	merged := Merge(tier0, tier1)
	require.Len(t, merged, 1)
	assert.Equal(t, types.ConfidenceHigh, merged[0].Confidence)
}

func TestMergeKeepsDistinctCandidates(t *testing.T) {
	tier0 := []types.Candidate{{Content: "Use tabs for indentation", Confidence: types.ConfidenceMedium}}
	tier1 := []types.Candidate{{Content: "Always run the linter before committing", Confidence: types.ConfidenceHigh}}

	merged := Merge(tier0, tier1)
	assert.Len(t, merged, 2)
}

type stubExtractor struct {
	response string
	err      error
}

func (s stubExtractor) Complete(ctx context.Context, prompt string) (string, error) {
	return s.response, s.err
}

func TestExtractRunsDeterministicOnlyWithoutExtractor(t *testing.T) {
	c := New()
	ep := &types.Episode{Events: []*types.Event{
		{ID: "e1", EventType: types.EventTurn, ContentInline: "Don't use global state in the handler package, ever."},
	}}
	candidates := c.Extract(context.Background(), ep)
	require.Len(t, candidates, 1)
}

func TestExtractDegradesOnLLMFailure(t *testing.T) {
	c := New(WithExtractor(stubExtractor{err: errors.New("timeout")}))
	ep := &types.Episode{Events: []*types.Event{
		{ID: "e1", EventType: types.EventTurn, ContentInline: "Don't use global state in the handler package, ever."},
	}}
	candidates := c.Extract(context.Background(), ep)
	require.Len(t, candidates, 1)
	assert.Equal(t, types.ObjectConstraint, candidates[0].ObjectType)
}
