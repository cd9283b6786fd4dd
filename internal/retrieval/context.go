package retrieval

import (
	"context"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// levelRank orders disclosure levels so escalation only ever raises the
// level a caller asked for, never lowers it.
func levelRank(level types.DisclosureLevel) int {
	switch level {
	case types.DisclosureDeep:
		return 2
	case types.DisclosureTask:
		return 1
	default:
		return 0
	}
}

// levelTokenBudget is the default token budget per disclosure level.
func levelTokenBudget(level types.DisclosureLevel) int {
	switch level {
	case types.DisclosureDeep:
		return 4000
	case types.DisclosureTask:
		return 2000
	default:
		return 500
	}
}

const recentFailedAttemptsLimit = 5

// ContextRequest parameterizes a single GetContext call.
type ContextRequest struct {
	Session       *types.Session
	Task          string
	Level         types.DisclosureLevel
	TokenBudget   int
	QueryFilePath string
	SameProject   bool
}

// ContextPack is the bounded, ranked memory set returned to the agent.
type ContextPack struct {
	Objects       []*types.MemoryObject
	TokensUsed    int
	TokenBudget   int
	TotalCount    int
	TierBreakdown TierBreakdown
	Level         types.DisclosureLevel
}

// TierBreakdown counts the objects in a pack by derived confidence tier.
type TierBreakdown struct {
	Grounded   int
	Observed   int
	Inferred   int
	Hypothesis int
}

// GetContext assembles a progressive-disclosure context pack: minimal is
// active constraints only, task adds top hybrid matches for the query, and
// deep further adds related decisions/conventions and recent failed
// attempts, each level respecting its token budget and never splitting a
// memory mid-content.
func (r *Retriever) GetContext(ctx context.Context, req ContextRequest) (*ContextPack, error) {
	level := req.Level
	if level == "" {
		level = types.DisclosureTask
	}

	var escalated bool
	var escalationReason EscalationReason
	if req.Session != nil {
		now := r.now()
		if signal, ok := DetectEscalation(req.Session, req.Task, req.QueryFilePath, now); ok {
			if levelRank(signal.Level) > levelRank(level) {
				level = signal.Level
			}
			escalated = true
			escalationReason = signal.Reason
		}
	}

	budget := req.TokenBudget
	if budget <= 0 {
		budget = levelTokenBudget(level)
	}

	seen := map[string]bool{}
	if req.Session != nil {
		for _, id := range req.Session.InjectedMemoryIDs {
			seen[id] = true
		}
	}

	var candidates []*types.MemoryObject

	constraints, err := r.memories.List(ctx, memstore.ListFilter{
		Status:     []types.Status{types.StatusActive},
		ObjectType: types.ObjectConstraint,
	})
	if err != nil {
		return nil, err
	}
	candidates = appendUnseen(candidates, seen, constraints)

	if level == types.DisclosureTask || level == types.DisclosureDeep {
		if req.Task != "" {
			results, err := r.search(ctx, Request{
				Query:         req.Task,
				QueryFilePath: req.QueryFilePath,
				SameProject:   req.SameProject,
			})
			if err != nil {
				return nil, err
			}
			var matched []*types.MemoryObject
			for _, res := range results {
				matched = append(matched, res.Memory)
			}
			candidates = appendUnseen(candidates, seen, matched)
		}
	}

	if level == types.DisclosureDeep {
		for _, ot := range []types.ObjectType{types.ObjectDecision, types.ObjectConvention} {
			related, err := r.memories.List(ctx, memstore.ListFilter{
				Status:     []types.Status{types.StatusActive},
				ObjectType: ot,
			})
			if err != nil {
				return nil, err
			}
			candidates = appendUnseen(candidates, seen, related)
		}

		failed, err := r.memories.List(ctx, memstore.ListFilter{
			Status:     []types.Status{types.StatusActive},
			ObjectType: types.ObjectFailedAttempt,
		})
		if err != nil {
			return nil, err
		}
		if len(failed) > recentFailedAttemptsLimit {
			failed = failed[:recentFailedAttemptsLimit]
		}
		candidates = appendUnseen(candidates, seen, failed)
	}

	pack := &ContextPack{Level: level, TokenBudget: budget, TotalCount: len(candidates)}
	for _, m := range candidates {
		cost := content.EstimateTokens([]byte(m.Content))
		if pack.TokensUsed+cost > budget {
			break
		}
		m.ConfidenceTier = memstore.DeriveConfidenceTier(m)
		pack.Objects = append(pack.Objects, m)
		pack.TokensUsed += cost
		switch m.ConfidenceTier {
		case types.TierGrounded:
			pack.TierBreakdown.Grounded++
		case types.TierObserved:
			pack.TierBreakdown.Observed++
		case types.TierInferred:
			pack.TierBreakdown.Inferred++
		default:
			pack.TierBreakdown.Hypothesis++
		}
	}

	now := r.now()
	ids := make([]string, len(pack.Objects))
	for i, m := range pack.Objects {
		ids[i] = m.ID
		if err := r.memories.RecordAccess(ctx, m.ID, now); err != nil {
			_ = err // access-heatmap bookkeeping is best-effort, not fatal to context assembly
		}
	}

	if req.Session != nil {
		resetErrors := escalated && escalationReason == ReasonErrorBurst
		if err := r.sessions.RecordDisclosure(ctx, req.Session.ID, ids, level, now, resetErrors); err != nil {
			return nil, err
		}
	}

	return pack, nil
}

func appendUnseen(dst []*types.MemoryObject, seen map[string]bool, src []*types.MemoryObject) []*types.MemoryObject {
	for _, m := range src {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		dst = append(dst, m)
	}
	return dst
}
