package retrieval

import (
	"regexp"
	"strings"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// EscalationReason names the condition that raised the signal.
type EscalationReason string

const (
	ReasonExplicitQuery EscalationReason = "explicit_query"
	ReasonErrorBurst    EscalationReason = "error_burst"
	ReasonTopicShift    EscalationReason = "topic_shift"
	ReasonEventThreshold EscalationReason = "event_threshold"
)

// EscalationSignal recommends a disclosure level change, with the reason
// and a confidence used for tie-breaking.
type EscalationSignal struct {
	Level      types.DisclosureLevel
	Reason     EscalationReason
	Confidence float64
}

var explicitQueryPatterns = regexp.MustCompile(`(?i)(remind me|what did we decide|why did we choose|how did we fix|any conventions|any constraints)`)

const (
	errorBurstThreshold    = 3
	errorBurstSaturation   = 5
	eventThresholdCount    = 15
	eventThresholdCooldown = 60 * time.Second
	longSessionEventsCount = 50
)

// DetectEscalation returns at most one EscalationSignal for the session,
// selecting by priority (explicit query, error burst, topic shift, event
// threshold) with ties broken by confidence descending.
func DetectEscalation(sess *types.Session, query, currentFile string, now time.Time) (EscalationSignal, bool) {
	if query != "" && explicitQueryPatterns.MatchString(strings.ToLower(query)) {
		return EscalationSignal{Level: types.DisclosureDeep, Reason: ReasonExplicitQuery, Confidence: 1.0}, true
	}

	if sess.ErrorCount >= errorBurstThreshold {
		conf := float64(sess.ErrorCount) / float64(errorBurstSaturation)
		if conf > 1 {
			conf = 1
		}
		return EscalationSignal{Level: types.DisclosureDeep, Reason: ReasonErrorBurst, Confidence: conf}, true
	}

	if currentFile != "" && sess.LastTopic != "" && currentFile != sess.LastTopic {
		return EscalationSignal{Level: types.DisclosureTask, Reason: ReasonTopicShift, Confidence: 0.7}, true
	}

	if sess.EventsSinceCheckpoint >= eventThresholdCount {
		stale := sess.LastDisclosureAt == nil || now.Sub(*sess.LastDisclosureAt) > eventThresholdCooldown
		if stale {
			level := types.DisclosureTask
			if sess.EventsCount >= longSessionEventsCount {
				level = types.DisclosureDeep
			}
			return EscalationSignal{Level: level, Reason: ReasonEventThreshold, Confidence: 0.6}, true
		}
	}

	return EscalationSignal{}, false
}
