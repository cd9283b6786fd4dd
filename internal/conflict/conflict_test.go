package conflict

import (
	"testing"

	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectDuplicateHighSeverity(t *testing.T) {
	existing := &types.MemoryObject{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		EvidenceEventIDs: []string{"e1"},
	}
	conflicts := Detect(types.ObjectPreference, "Use tabs for indentation", 2, []*types.MemoryObject{existing})
	require.Len(t, conflicts, 1)
	assert.Equal(t, KindDuplicate, conflicts[0].Kind)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
	assert.Equal(t, ResolutionReplace, conflicts[0].Resolution)
}

func TestDetectDuplicateKeepsExistingWhenMoreEvidence(t *testing.T) {
	existing := &types.MemoryObject{
		Content:          "Use tabs for indentation",
		ObjectType:       types.ObjectPreference,
		EvidenceEventIDs: []string{"e1", "e2", "e3"},
	}
	conflicts := Detect(types.ObjectPreference, "Use tabs for indentation", 0, []*types.MemoryObject{existing})
	require.Len(t, conflicts, 1)
	assert.Equal(t, ResolutionKeepExisting, conflicts[0].Resolution)
}

func TestDetectContradiction(t *testing.T) {
	existing := &types.MemoryObject{Content: "Always use semicolons", ObjectType: types.ObjectConstraint}
	conflicts := Detect(types.ObjectConstraint, "Never use semicolons", 0, []*types.MemoryObject{existing})
	require.Len(t, conflicts, 1)
	assert.Equal(t, KindContradiction, conflicts[0].Kind)
	assert.Equal(t, SeverityHigh, conflicts[0].Severity)
}

func TestDetectSupersessionMediumSeverity(t *testing.T) {
	existing := &types.MemoryObject{
		Content:    "We decided to use PostgreSQL for the primary datastore because it supports JSON columns",
		ObjectType: types.ObjectDecision,
	}
	candidate := "We decided to use PostgreSQL for the primary datastore with JSON column support"
	conflicts := Detect(types.ObjectConvention, candidate, 0, []*types.MemoryObject{existing})
	require.Len(t, conflicts, 1)
	assert.Equal(t, KindSupersession, conflicts[0].Kind)
	assert.Equal(t, SeverityMedium, conflicts[0].Severity)
}

func TestRequiresReviewOnHighSeverity(t *testing.T) {
	conflicts := []Conflict{{Severity: SeverityHigh}}
	assert.True(t, RequiresReview(conflicts))
	conflicts = []Conflict{{Severity: SeverityMedium}}
	assert.False(t, RequiresReview(conflicts))
}

func TestMergedContentUsesCandidateWhenSimilar(t *testing.T) {
	existing := &types.MemoryObject{Content: "Use tabs for indentation in Go files"}
	got := MergedContent("Use tabs for indentation in Go source files", existing)
	assert.Equal(t, "Use tabs for indentation in Go source files", got)
}

func TestMergedContentAnnotatesWhenDissimilar(t *testing.T) {
	existing := &types.MemoryObject{Content: "Run the linter before every commit"}
	got := MergedContent("Use the formatter before pushing", existing)
	assert.Contains(t, got, "[Updated from:")
}
