package memstore

import (
	"fmt"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// ErrInvalidTransition is returned for any status change outside the
// allowed set.
type ErrInvalidTransition struct {
	From, To types.Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid memory status transition: %s -> %s", e.From, e.To)
}

// ValidateTransition enforces the allowed lifecycle transitions:
//
//	active     -> stale       (automatic staleness check)
//	active      -> superseded (new memory supersedes it)
//	stale       -> superseded (new memory supersedes it)
//	stale       -> active     (explicit verify)
//	*           -> retired    (explicit retire or reject)
//
// The identity transition (from == to) is allowed. Any other transition not
// listed above is an invariant violation and must fail.
func ValidateTransition(from, to types.Status) error {
	if from == to {
		return nil
	}
	if to == types.StatusRetired {
		return nil
	}
	switch from {
	case types.StatusActive:
		if to == types.StatusStale || to == types.StatusSuperseded {
			return nil
		}
	case types.StatusStale:
		if to == types.StatusActive || to == types.StatusSuperseded {
			return nil
		}
	}
	return &ErrInvalidTransition{From: from, To: to}
}
