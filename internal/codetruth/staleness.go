package codetruth

import (
	"context"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// RefStatus is the per-reference staleness classification.
type RefStatus string

const (
	RefVerified    RefStatus = "verified"
	RefNeedsReview RefStatus = "needs_review"
	RefStale       RefStatus = "stale"
)

// CheckResult is the outcome of checking one memory's code refs.
type CheckResult struct {
	MemoryID    string
	RefStatuses []RefStatus
	AnyStale    bool
	AllVerified bool
}

// Checker runs staleness checks against a CodeTruth collaborator.
type Checker struct {
	Truth CodeTruth
}

// NewChecker constructs a Checker over the given CodeTruth implementation.
func NewChecker(truth CodeTruth) *Checker { return &Checker{Truth: truth} }

// CheckRef classifies a single code reference.
func (c *Checker) CheckRef(ctx context.Context, ref types.CodeRef, currentCommit string) (RefStatus, error) {
	switch ref.Type {
	case types.RefSymbol:
		exists, err := c.Truth.SymbolExists(ctx, ref.Path, ref.Symbol)
		if err != nil {
			return RefNeedsReview, err
		}
		if exists {
			return RefVerified, nil
		}
		return RefStale, nil
	case types.RefLineRange:
		return c.checkHashable(ctx, ref, currentCommit, func() (string, error) {
			return c.Truth.HashLineRange(ctx, ref.Path, ref.LineStart, ref.LineEnd)
		})
	default: // types.RefFile
		return c.checkHashable(ctx, ref, currentCommit, func() (string, error) {
			return c.Truth.HashFile(ctx, ref.Path)
		})
	}
}

func (c *Checker) checkHashable(ctx context.Context, ref types.CodeRef, currentCommit string, hashFn func() (string, error)) (RefStatus, error) {
	if ref.VerifiedAtCommit != "" && ref.VerifiedAtCommit == currentCommit {
		return RefVerified, nil
	}
	exists, err := c.Truth.FileExists(ctx, ref.Path)
	if err != nil {
		return RefNeedsReview, err
	}
	if !exists {
		return RefStale, nil
	}
	if ref.ContentHash == "" {
		return RefNeedsReview, nil
	}
	currentHash, err := hashFn()
	if err != nil {
		return RefNeedsReview, err
	}
	if currentHash == ref.ContentHash {
		return RefVerified, nil
	}
	return RefNeedsReview, nil
}

// Check classifies every ref on a memory and returns the aggregate result:
// any stale ref demotes the memory to stale; all-verified refs bump
// last_verified_at to now.
func (c *Checker) Check(ctx context.Context, m *types.MemoryObject) (*CheckResult, error) {
	commit, err := c.Truth.CurrentCommit(ctx)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{MemoryID: m.ID, AllVerified: true}
	for _, ref := range m.CodeRefs {
		status, err := c.CheckRef(ctx, ref, commit)
		if err != nil {
			status = RefNeedsReview
		}
		res.RefStatuses = append(res.RefStatuses, status)
		if status == RefStale {
			res.AnyStale = true
			res.AllVerified = false
		} else if status != RefVerified {
			res.AllVerified = false
		}
	}
	return res, nil
}

// Apply mutates m's Status/LastVerifiedAt according to a CheckResult,
// returning whether a transition occurred.
func Apply(m *types.MemoryObject, res *CheckResult, now time.Time) bool {
	if len(res.RefStatuses) == 0 {
		return false
	}
	if res.AnyStale {
		if m.Status == types.StatusActive {
			m.Status = types.StatusStale
			return true
		}
		return false
	}
	if res.AllVerified {
		m.LastVerifiedAt = &now
		return true
	}
	return false
}
