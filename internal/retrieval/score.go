// Package retrieval implements the hybrid lexical+vector retriever: fusion,
// reinforcement multipliers, the intent router, progressive disclosure
// levels, the escalation detector, and token-budgeted context-pack
// assembly. Small composable stages feed a final assembly step, with
// lexical and vector search fanned out concurrently via errgroup.
package retrieval

import (
	"math"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/memstore"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// confidenceTierMultiplier is the confidence-tier reinforcement table.
func confidenceTierMultiplier(tier types.ConfidenceTier) float64 {
	switch tier {
	case types.TierGrounded:
		return 2.0
	case types.TierObserved:
		return 1.5
	case types.TierInferred:
		return 1.0
	default:
		return 0.5
	}
}

// statusMultiplier is the status reinforcement table: superseded and
// retired memories score zero.
func statusMultiplier(status types.Status) float64 {
	switch status {
	case types.StatusActive:
		return 1.0
	case types.StatusStale:
		return 0.6
	default:
		return 0.0
	}
}

// recencyDecayFloor and recencyDecayWindow shape the recency multiplier:
// linear decay to 0.8 after 90 days, floor 0.5.
const (
	recencyDecayWindow = 90 * 24 * time.Hour
	recencyDecayTarget = 0.8
	recencyDecayFloor  = 0.5
)

func recencyMultiplier(lastVerifiedAt *time.Time, now time.Time) float64 {
	if lastVerifiedAt == nil {
		return recencyDecayFloor
	}
	age := now.Sub(*lastVerifiedAt)
	if age <= 0 {
		return 1.0
	}
	if age >= recencyDecayWindow {
		return recencyDecayTarget
	}
	frac := float64(age) / float64(recencyDecayWindow)
	return 1.0 - frac*(1.0-recencyDecayTarget)
}

// scopeBoost grants +0.25 when scope.path is a prefix of the queried file
// path and +0.10 for same-project scope, returned as
// an additive-then-normalized multiplier (1.0 + bonus).
func scopeBoost(scope types.Scope, queryFilePath string, sameProject bool) float64 {
	boost := 0.0
	if scope.Path != "" && queryFilePath != "" && hasPrefix(queryFilePath, scope.Path) {
		boost += 0.25
	} else if sameProject && scope.Type == types.ScopeProject {
		boost += 0.10
	}
	return 1.0 + boost
}

func hasPrefix(path, prefix string) bool {
	if len(prefix) > len(path) {
		return false
	}
	return path[:len(prefix)] == prefix
}

// outcomeMultiplier maps the outcome_score range [0,1] to [0.8, 1.2].
func outcomeMultiplier(outcomeScore float64) float64 {
	return 0.8 + outcomeScore*0.4
}

// accessHeatmapBoostCap bounds the access-count boost at 0.1.
const accessHeatmapBoostCap = 0.1

// accessHeatmapSaturation is the access count at which the boost saturates.
const accessHeatmapSaturation = 20

func accessHeatmapMultiplier(accessCount int) float64 {
	frac := float64(accessCount) / float64(accessHeatmapSaturation)
	if frac > 1 {
		frac = 1
	}
	return 1.0 + frac*accessHeatmapBoostCap
}

// Reinforce applies every reinforcement multiplier to a base fused score,
// clamping the result to [0,1].
func Reinforce(base float64, m *types.MemoryObject, now time.Time, queryFilePath string, sameProject bool) float64 {
	tier := memstore.DeriveConfidenceTier(m)
	score := base
	score *= confidenceTierMultiplier(tier)
	score *= recencyMultiplier(m.LastVerifiedAt, now)
	score *= scopeBoost(m.Scope, queryFilePath, sameProject)
	score *= outcomeMultiplier(m.OutcomeScore)
	score *= accessHeatmapMultiplier(m.AccessCount)
	score *= statusMultiplier(m.Status)
	return clamp01(score)
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
