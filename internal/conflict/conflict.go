// Package conflict implements tier-2 conflict detection between a curator's
// candidate and related existing memories: duplicate, contradiction,
// supersession, and ambiguity, each carrying a severity and a suggested
// resolution. The related memories are supplied by the caller and scored in
// Go with token-Jaccard similarity and polarity-pattern matching; this
// package does no lookup of its own. The checkpoint engine passes the active
// memories of the candidate's own object type, not an FTS search result.
package conflict

import (
	"regexp"
	"sort"
	"strings"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// Severity ranks how urgently a conflict needs human attention.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Kind names the class of conflict detected.
type Kind string

const (
	KindDuplicate     Kind = "duplicate"
	KindContradiction Kind = "contradiction"
	KindSupersession  Kind = "supersession"
	KindAmbiguity     Kind = "ambiguity"
)

// Resolution is the suggested action for a conflict.
type Resolution string

const (
	ResolutionKeepExisting Resolution = "keep_existing"
	ResolutionReplace      Resolution = "replace"
	ResolutionMerge        Resolution = "merge"
	ResolutionKeepBoth     Resolution = "keep_both"
	ResolutionRejectBoth   Resolution = "reject_both"
)

// Conflict describes one detected relationship between a candidate and an
// existing memory.
type Conflict struct {
	Kind       Kind
	Severity   Severity
	Existing   *types.MemoryObject
	Resolution Resolution
}

// duplicateJaccardThreshold gates duplicate detection.
const duplicateJaccardThreshold = 0.85

// supersessionJaccardThreshold gates supersession detection.
const supersessionJaccardThreshold = 0.5

// polarityMatcher reports whether a polarity phrase is present in a string.
type polarityMatcher func(string) bool

// reMatcher adapts a compiled regexp to a polarityMatcher.
func reMatcher(re *regexp.Regexp) polarityMatcher {
	return re.MatchString
}

var mustWordRe = regexp.MustCompile(`(?i)\bmust\b`)
var mustNotRe = regexp.MustCompile(`(?i)\bmust\s*not\b`)

// mustWithoutNot matches "must" when it is not part of "must not"; RE2 has
// no negative lookahead, so the exclusion is expressed as two matches.
func mustWithoutNot(s string) bool {
	return mustWordRe.MatchString(s) && !mustNotRe.MatchString(s)
}

// polarityPairs are opposite-polarity phrase pairs; if one side of a pair
// appears in the candidate and the other appears in an existing memory (or
// vice versa), the two contents are taken to contradict each other.
var polarityPairs = [][2]polarityMatcher{
	{reMatcher(regexp.MustCompile(`(?i)\balways\b`)), reMatcher(regexp.MustCompile(`(?i)\bnever\b`))},
	{mustWithoutNot, reMatcher(mustNotRe)},
	{reMatcher(regexp.MustCompile(`(?i)\buse\b`)), reMatcher(regexp.MustCompile(`(?i)\bdon'?t use\b`))},
	{reMatcher(regexp.MustCompile(`(?i)\benable\b`)), reMatcher(regexp.MustCompile(`(?i)\bdisable\b`))},
	{reMatcher(regexp.MustCompile(`(?i)\btrue\b`)), reMatcher(regexp.MustCompile(`(?i)\bfalse\b`))},
	{reMatcher(regexp.MustCompile(`(?i)\byes\b`)), reMatcher(regexp.MustCompile(`(?i)\bno\b`))},
}

// compatibleSupersessionTypes lists the object-type pairs eligible for a
// supersession conflict.
var compatibleSupersessionTypes = map[types.ObjectType]map[types.ObjectType]bool{
	types.ObjectDecision:      {types.ObjectConvention: true, types.ObjectPreference: true},
	types.ObjectConvention:    {types.ObjectDecision: true, types.ObjectPreference: true},
	types.ObjectPreference:    {types.ObjectDecision: true, types.ObjectConvention: true},
	types.ObjectConstraint:    {types.ObjectDecision: true},
	types.ObjectKnownFix:      {types.ObjectFailedAttempt: true},
	types.ObjectFailedAttempt: {types.ObjectKnownFix: true},
}

// hasOppositePolarity reports whether a and b contain opposite sides of any
// polarity pair.
func hasOppositePolarity(a, b string) bool {
	for _, pair := range polarityPairs {
		left, right := pair[0], pair[1]
		if (left(a) && right(b)) || (right(a) && left(b)) {
			return true
		}
	}
	return false
}

// evidenceCount is the size of a memory's evidence set, used to decide which
// side of a duplicate has "more evidence".
func evidenceCount(m *types.MemoryObject) int {
	return len(m.EvidenceEventIDs) + len(m.CodeRefs)
}

// Detect compares a single candidate against a set of related existing
// memories supplied by the caller and returns every conflict found, most
// severe first.
func Detect(candidateType types.ObjectType, candidateContent string, candidateEvidenceCount int, related []*types.MemoryObject) []Conflict {
	var conflicts []Conflict
	candidatePrefix := content.NormalizedPrefix(candidateContent, 100)

	for _, ex := range related {
		exPrefix := content.NormalizedPrefix(ex.Content, 100)
		jac := jaccard(candidateContent, ex.Content)

		switch {
		case ex.ObjectType == candidateType && (candidatePrefix == exPrefix || jac >= duplicateJaccardThreshold):
			res := ResolutionKeepExisting
			if candidateEvidenceCount > evidenceCount(ex) {
				res = ResolutionReplace
			}
			conflicts = append(conflicts, Conflict{Kind: KindDuplicate, Severity: SeverityHigh, Existing: ex, Resolution: res})
		case hasOppositePolarity(candidateContent, ex.Content):
			conflicts = append(conflicts, Conflict{Kind: KindContradiction, Severity: SeverityHigh, Existing: ex, Resolution: ResolutionKeepExisting})
		case jac > supersessionJaccardThreshold && compatibleSupersessionTypes[candidateType][ex.ObjectType]:
			conflicts = append(conflicts, Conflict{Kind: KindSupersession, Severity: SeverityMedium, Existing: ex, Resolution: ResolutionReplace})
		}
	}

	if ambiguous(related) {
		for _, ex := range related {
			conflicts = append(conflicts, Conflict{Kind: KindAmbiguity, Severity: SeverityMedium, Existing: ex, Resolution: ResolutionKeepBoth})
		}
	}

	sort.SliceStable(conflicts, func(i, j int) bool {
		return rank(conflicts[i].Severity) > rank(conflicts[j].Severity)
	})
	return conflicts
}

// ambiguous reports whether the related set contains memories that
// themselves contradict one another.
func ambiguous(related []*types.MemoryObject) bool {
	for i := 0; i < len(related); i++ {
		for j := i + 1; j < len(related); j++ {
			if hasOppositePolarity(related[i].Content, related[j].Content) {
				return true
			}
		}
	}
	return false
}

// jaccard computes token-Jaccard similarity over length-≥3 alphanumeric
// tokens, matching the candidate-similarity gate used throughout §4.6.
func jaccard(a, b string) float64 {
	return content.JaccardTokens(a, b)
}

// HighestSeverity returns the most severe conflict in the set, or false if
// the set is empty.
func HighestSeverity(conflicts []Conflict) (Conflict, bool) {
	var best Conflict
	found := false
	for _, c := range conflicts {
		if !found || rank(c.Severity) > rank(best.Severity) {
			best = c
			found = true
		}
	}
	return best, found
}

func rank(s Severity) int {
	if s == SeverityHigh {
		return 1
	}
	return 0
}

// RequiresReview reports whether any conflict in the set is high severity,
// in which case the candidate is queued for human review and not
// auto-applied.
func RequiresReview(conflicts []Conflict) bool {
	for _, c := range conflicts {
		if c.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// MergedContent produces the content for a `merge` resolution: the
// candidate's own content when candidate/existing similarity exceeds 0.7,
// else the candidate content annotated with an "Updated from" marker.
func MergedContent(candidateContent string, existing *types.MemoryObject) string {
	if jaccard(candidateContent, existing.Content) > 0.7 {
		return candidateContent
	}
	return strings.TrimSpace(candidateContent) + " [Updated from: " + content.NormalizedPrefix(existing.Content, 60) + "]"
}
