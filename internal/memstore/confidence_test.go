package memstore

import (
	"testing"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestDeriveConfidenceTierGrounded(t *testing.T) {
	now := time.Now()
	m := &types.MemoryObject{
		Status:         types.StatusActive,
		LastVerifiedAt: &now,
		CodeRefs:       []types.CodeRef{{ContentHash: "abc123"}},
	}
	assert.Equal(t, types.TierGrounded, DeriveConfidenceTier(m))
}

func TestDeriveConfidenceTierObservedViaEvidence(t *testing.T) {
	m := &types.MemoryObject{EvidenceEventIDs: []string{"e1"}}
	assert.Equal(t, types.TierObserved, DeriveConfidenceTier(m))
}

func TestDeriveConfidenceTierObservedViaApproval(t *testing.T) {
	m := &types.MemoryObject{ReviewStatus: types.ReviewApproved}
	assert.Equal(t, types.TierObserved, DeriveConfidenceTier(m))
}

func TestDeriveConfidenceTierInferredPending(t *testing.T) {
	m := &types.MemoryObject{ReviewStatus: types.ReviewPending}
	assert.Equal(t, types.TierInferred, DeriveConfidenceTier(m))
}

func TestDeriveConfidenceTierHypothesisRejected(t *testing.T) {
	m := &types.MemoryObject{ReviewStatus: types.ReviewRejected}
	assert.Equal(t, types.TierHypothesis, DeriveConfidenceTier(m))
}

func TestDeriveConfidenceTierNotGroundedWhenStale(t *testing.T) {
	now := time.Now()
	m := &types.MemoryObject{
		Status:         types.StatusStale,
		LastVerifiedAt: &now,
		CodeRefs:       []types.CodeRef{{ContentHash: "abc123"}},
	}
	// stale memory can't be grounded, but it has code refs so it's observed.
	assert.Equal(t, types.TierObserved, DeriveConfidenceTier(m))
}

func TestAutoApprovePolicy(t *testing.T) {
	assert.True(t, AutoApprove(types.ConfidenceHigh, []string{"e1"}, nil))
	assert.True(t, AutoApprove(types.ConfidenceCertain, nil, []types.CodeRef{{Path: "a.go"}}))
	assert.False(t, AutoApprove(types.ConfidenceMedium, []string{"e1"}, nil))
	assert.False(t, AutoApprove(types.ConfidenceHigh, nil, nil))
}
