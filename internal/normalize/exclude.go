package normalize

import (
	"regexp"
	"strings"
)

// metaCommentaryPatterns flags turn content that is narration about intent
// rather than a durable fact — "Let me check the file structure first." and
// similar. Consumed by curators, not the event log itself.
var metaCommentaryPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^let me (check|look at|see|examine|review)\b`),
	regexp.MustCompile(`(?i)^(i see|i'll|i will|now let me|next,? i)\b`),
	regexp.MustCompile(`(?i)^(looking at|checking|examining) the\b`),
	regexp.MustCompile(`(?i)^(ok|okay|alright),? (let me|i'll|i will)\b`),
}

// punctuationRatioThreshold is the fraction of non-alpha, non-space runes
// above which content is considered majority punctuation.
const punctuationRatioThreshold = 0.5

// minEligibleBytes and minEligibleWords bound eligibility for extraction.
const (
	minEligibleBytes = 40
	minEligibleWords = 6
)

// IsEligibleForExtraction reports whether content passes the exclusion
// rules: long enough, enough words, not majority
// punctuation, and not pure meta-commentary.
func IsEligibleForExtraction(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < minEligibleBytes {
		return false
	}
	if len(strings.Fields(trimmed)) < minEligibleWords {
		return false
	}
	if isMajorityPunctuation(trimmed) {
		return false
	}
	for _, p := range metaCommentaryPatterns {
		if p.MatchString(trimmed) {
			return false
		}
	}
	return true
}

func isMajorityPunctuation(s string) bool {
	var alnum, other int
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n':
			continue
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			alnum++
		default:
			other++
		}
	}
	total := alnum + other
	if total == 0 {
		return true
	}
	return float64(other)/float64(total) > punctuationRatioThreshold
}
