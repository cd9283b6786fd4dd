// Package rules implements the tier-0 deterministic curator: error-to-fix
// extraction, user-correction detection, and repeated-pattern conventions,
// run over every episode regardless of LLM availability. The regex tables
// are named data a test can enumerate directly.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/normalize"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// lookAheadWindow bounds how far past a failing tool_output the error→fix
// extractor looks for a successful one.
const lookAheadWindow = 5 * time.Minute

// errorSignaturePatterns mirror normalize.ExtractErrorSignature's table but
// are kept local since the curator reasons about raw tool output, not
// normalized event content. The table itself lives in patterns.yaml.
const errorSignatureMaxLen = 200

func extractErrorSignature(s string) string {
	for _, pat := range errorSignaturePatterns {
		if m := pat.FindStringSubmatch(s); m != nil {
			sig := m[len(m)-1]
			sig = strings.TrimSpace(sig)
			if len(sig) > errorSignatureMaxLen {
				sig = sig[:errorSignatureMaxLen]
			}
			return sig
		}
	}
	return ""
}

// fixDescriptionPatterns locate a human description of how an error was
// resolved, scanned across events between the failure and the fix (table in
// patterns.yaml).
func extractFixDescription(s string) string {
	for _, pat := range fixDescriptionPatterns {
		if m := pat.FindStringSubmatch(s); m != nil {
			return strings.TrimSpace(m[len(m)-1])
		}
	}
	return ""
}

// editToolNames fall back to a generic fix description when no textual
// explanation is found.
var editToolNames = map[string]bool{"edit": true, "write": true}

// ErrorToFix scans an episode for a failing tool_output followed, within
// lookAheadWindow, by a successful one, and emits a known_fix candidate
// describing both the error signature and the resolution.
func ErrorToFix(ep *types.Episode) []types.Candidate {
	var out []types.Candidate

	for i, ev := range ep.Events {
		if ev.EventType != types.EventToolOutput || ev.ExitCode == nil || *ev.ExitCode == 0 {
			continue
		}
		sig := extractErrorSignature(ev.ContentInline)
		if sig == "" {
			continue
		}

		for j := i + 1; j < len(ep.Events); j++ {
			fixEv := ep.Events[j]
			if fixEv.Timestamp.Sub(ev.Timestamp) > lookAheadWindow {
				break
			}
			if fixEv.EventType != types.EventToolOutput || fixEv.ExitCode == nil || *fixEv.ExitCode != 0 {
				continue
			}

			desc := ""
			for k := i + 1; k < j; k++ {
				if d := extractFixDescription(ep.Events[k].ContentInline); d != "" {
					desc = d
					break
				}
			}
			if desc == "" && editToolNames[fixEv.ToolName] {
				desc = fmt.Sprintf("Applied %s operation", fixEv.ToolName)
			}
			if desc == "" {
				break
			}

			out = append(out, types.Candidate{
				ObjectType:       types.ObjectKnownFix,
				Content:          fmt.Sprintf("%s — resolved by %s", sig, desc),
				Confidence:       types.ConfidenceHigh,
				Reasoning:        "error-to-fix deterministic rule",
				EvidenceEventIDs: []string{ev.ID, fixEv.ID},
			})
			break
		}
	}
	return out
}

// userCorrectionMust/userCorrectionShould are the must/should-severity
// correction pattern tables (patterns.yaml); should-severity matches are
// only considered when the utterance starts with a rejection cue.
var rejectionCue = regexp.MustCompile(`(?i)^\s*(no|nope|wrong|incorrect|don'?t|stop)\b`)

// UserCorrection scans turn events for strong directive language and emits
// constraint candidates.
func UserCorrection(ep *types.Episode) []types.Candidate {
	var out []types.Candidate
	for _, ev := range ep.Events {
		if ev.EventType != types.EventTurn {
			continue
		}
		text := ev.ContentInline
		if !normalize.IsEligibleForExtraction(text) {
			continue
		}

		if matched, phrase := matchAny(userCorrectionMust, text); matched {
			out = append(out, types.Candidate{
				ObjectType:       types.ObjectConstraint,
				Content:          strings.TrimSpace(phrase),
				Confidence:       types.ConfidenceHigh,
				Reasoning:        "must-severity user correction",
				EvidenceEventIDs: []string{ev.ID},
			})
			continue
		}

		if rejectionCue.MatchString(text) {
			if matched, phrase := matchAny(userCorrectionShould, text); matched {
				out = append(out, types.Candidate{
					ObjectType:       types.ObjectConstraint,
					Content:          strings.TrimSpace(phrase),
					Confidence:       types.ConfidenceMedium,
					Reasoning:        "should-severity user correction",
					EvidenceEventIDs: []string{ev.ID},
				})
			}
		}
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) (bool, string) {
	for _, pat := range patterns {
		if m := pat.FindStringSubmatch(s); m != nil {
			return true, m[len(m)-1]
		}
	}
	return false, ""
}

// conventionIndicators flag repeated-pattern conventions; table in
// patterns.yaml.
const (
	conventionMinOccurrences  = 3
	conventionHighOccurrence  = 5
)

// RepeatedPattern finds convention-indicator phrases recurring at least
// conventionMinOccurrences times (by normalized prefix) and emits one
// candidate per recurring key.
func RepeatedPattern(ep *types.Episode) []types.Candidate {
	type occurrence struct {
		text      string
		eventID   string
	}
	byKey := map[string][]occurrence{}

	for _, ev := range ep.Events {
		if ev.EventType != types.EventTurn {
			continue
		}
		for _, pat := range conventionIndicators {
			if m := pat.FindString(ev.ContentInline); m != "" {
				key := content.NormalizedPrefix(m, 100)
				byKey[key] = append(byKey[key], occurrence{text: m, eventID: ev.ID})
				break
			}
		}
	}

	var out []types.Candidate
	for _, occs := range byKey {
		if len(occs) < conventionMinOccurrences {
			continue
		}
		confidence := types.ConfidenceMedium
		if len(occs) >= conventionHighOccurrence {
			confidence = types.ConfidenceHigh
		}
		var evidence []string
		for _, o := range occs {
			evidence = append(evidence, o.eventID)
		}
		out = append(out, types.Candidate{
			ObjectType:       types.ObjectConvention,
			Content:          strings.TrimSpace(occs[0].text),
			Confidence:       confidence,
			Reasoning:        fmt.Sprintf("repeated %d times", len(occs)),
			EvidenceEventIDs: evidence,
		})
	}
	return out
}

// Extract runs all tier-0 deterministic extractors over an episode and
// returns their combined candidates. Each candidate is checked against the
// exclusion rules before being emitted.
func Extract(ep *types.Episode) []types.Candidate {
	var all []types.Candidate
	all = append(all, ErrorToFix(ep)...)
	all = append(all, UserCorrection(ep)...)
	all = append(all, RepeatedPattern(ep)...)

	var eligible []types.Candidate
	for _, c := range all {
		if normalize.IsEligibleForExtraction(c.Content) {
			eligible = append(eligible, c)
		}
	}
	return eligible
}
