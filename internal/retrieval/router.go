package retrieval

import (
	"regexp"
	"strings"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// Intent classifies a query's surface cues into a retrieval plan selector.
// Classification is purely regex-driven; LLM calls happen only inside the
// tier-1/2 curators, never here.
type Intent string

const (
	IntentHistory        Intent = "history"
	IntentImplementation Intent = "implementation"
	IntentDebugging      Intent = "debugging"
	IntentFactual        Intent = "factual"
	IntentProcedural     Intent = "procedural"
)

var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentDebugging, regexp.MustCompile(`(?i)\b(error|fail|bug|broken|crash|exception|fix|debug)\b`)},
	{IntentHistory, regexp.MustCompile(`(?i)\b(why did we|what did we (decide|do)|remind me|previously|earlier)\b`)},
	{IntentProcedural, regexp.MustCompile(`(?i)\b(how do (i|we)|how to|steps? to|procedure)\b`)},
	{IntentImplementation, regexp.MustCompile(`(?i)\b(implement|build|add|create|write)\b`)},
}

// ClassifyIntent inspects a query's surface cues and returns the matching
// intent, defaulting to factual when nothing matches.
func ClassifyIntent(query string) Intent {
	q := strings.ToLower(query)
	for _, p := range intentPatterns {
		if p.pattern.MatchString(q) {
			return p.intent
		}
	}
	return IntentFactual
}

// Plan carries a retrieval plan's weights, result cap, and type priority.
// Plans reorder weights only; they never hide a type.
type Plan struct {
	WeightLex     float64
	WeightVec     float64
	K             int
	PriorityTypes []types.ObjectType
}

// defaultPlan is the balanced hybrid plan used when intent carries no
// stronger signal.
func defaultPlan() Plan {
	return Plan{WeightLex: 0.5, WeightVec: 0.5, K: 10}
}

// PlanFor returns the retrieval plan for a classified intent.
func PlanFor(intent Intent) Plan {
	plan := defaultPlan()
	switch intent {
	case IntentDebugging:
		plan.PriorityTypes = []types.ObjectType{types.ObjectKnownFix, types.ObjectFailedAttempt, types.ObjectConstraint}
		plan.WeightLex, plan.WeightVec = 0.6, 0.4
	case IntentHistory:
		plan.PriorityTypes = []types.ObjectType{types.ObjectDecision, types.ObjectConvention}
		plan.WeightLex, plan.WeightVec = 0.4, 0.6
	case IntentProcedural:
		plan.PriorityTypes = []types.ObjectType{types.ObjectConvention, types.ObjectKnownFix}
		plan.WeightLex, plan.WeightVec = 0.5, 0.5
	case IntentImplementation:
		plan.PriorityTypes = []types.ObjectType{types.ObjectConvention, types.ObjectDecision, types.ObjectConstraint}
		plan.WeightLex, plan.WeightVec = 0.45, 0.55
	default:
		plan.PriorityTypes = nil
	}
	return plan
}

// priorityRank returns a small descending bonus for a type that's
// prioritized by the plan, used to break score ties in the type's favor
// without ever excluding non-prioritized types from results.
func priorityRank(plan Plan, ot types.ObjectType) int {
	for i, t := range plan.PriorityTypes {
		if t == ot {
			return len(plan.PriorityTypes) - i
		}
	}
	return 0
}
