package memstore

import "github.com/franalgaba/alexandria-sub000/internal/types"

// DeriveConfidenceTier computes a memory's confidence tier.
// It is a pure function of the memory's current fields and is recomputed on
// every load and update — never stored as authoritative input.
func DeriveConfidenceTier(m *types.MemoryObject) types.ConfidenceTier {
	grounded := hasVerifiedRef(m) && m.LastVerifiedAt != nil && m.Status == types.StatusActive
	if grounded {
		return types.TierGrounded
	}
	observed := len(m.CodeRefs) > 0 || len(m.EvidenceEventIDs) > 0 || m.ReviewStatus == types.ReviewApproved
	if observed {
		return types.TierObserved
	}
	if m.ReviewStatus == types.ReviewPending {
		return types.TierInferred
	}
	return types.TierHypothesis
}

// hasVerifiedRef reports whether at least one code ref is verified: either
// its VerifiedAtCommit is set (commit match is checked by the staleness
// checker before updating LastVerifiedAt) or it carries a content hash.
func hasVerifiedRef(m *types.MemoryObject) bool {
	for _, ref := range m.CodeRefs {
		if ref.VerifiedAtCommit != "" || ref.ContentHash != "" {
			return true
		}
	}
	return false
}

// AutoApprove implements the auto-approve policy: confidence
// must be high or certain, and there must be supporting evidence events or
// code refs.
func AutoApprove(confidence types.Confidence, evidenceEventIDs []string, codeRefs []types.CodeRef) bool {
	if confidence != types.ConfidenceHigh && confidence != types.ConfidenceCertain {
		return false
	}
	return len(evidenceEventIDs) > 0 || len(codeRefs) > 0
}
