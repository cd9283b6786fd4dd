// Package normalize implements the pure event-normalization function:
// event-type classification, synopsis and signal extraction, dedup-hash
// computation, and the should-blob decision. Kept entirely free of storage
// and I/O so it can be unit tested exhaustively.
package normalize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// SynopsisByteThreshold is the byte length above which a synopsis is
// generated for the content.
const SynopsisByteThreshold = 500

// SynopsisMaxLen bounds the generated synopsis.
const SynopsisMaxLen = 100

// ErrorSignatureMaxLen bounds the extracted error signature.
const ErrorSignatureMaxLen = 200

// Meta carries the caller-known context normalize uses to classify content
// when it is not already forced.
type Meta struct {
	ToolName      string
	ForcedType    types.EventType // empty means "classify"
	ExitCode      *int
	FilesChanged  []string
}

// Signals are the best-effort structured facts extracted from content.
type Signals struct {
	ExitCode      *int
	FilesChanged  []string
	ErrorSignature string
	TestsPassed   *int
	TestsFailed   *int
	LineCount     int
	ByteCount     int
}

// Result is normalize's output.
type Result struct {
	Content      string
	Synopsis     string
	Signals      Signals
	ContentHash  string
	ShouldBlob   bool
	EventType    types.EventType
}

var (
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\berror:`),
		regexp.MustCompile(`(?i)\bfatal:`),
		regexp.MustCompile(`(?i)\bexception\b`),
		regexp.MustCompile(`(?i)\btraceback\b`),
		regexp.MustCompile(`(?i)\bpanic:`),
		regexp.MustCompile(`(?i)compilation error`),
	}
	diffMarkers = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^diff --git `),
		regexp.MustCompile(`(?m)^--- `),
		regexp.MustCompile(`(?m)^\+\+\+ `),
		regexp.MustCompile(`(?m)^@@ `),
	}
	testCountPattern = regexp.MustCompile(`(?i)(\d+)\s+tests?\s+(passed|failed|pass|fail)`)
	testToolPattern  = regexp.MustCompile(`(?i)test|spec`)
)

// Classify determines the event type when meta.ForcedType is empty. The
// precedence order: tool name forces
// tool_output; else error patterns or non-zero exit code; else diff markers;
// else test-count patterns; else turn.
func Classify(contentStr string, meta Meta) types.EventType {
	if meta.ForcedType != "" {
		return meta.ForcedType
	}
	if meta.ToolName != "" {
		return types.EventToolOutput
	}
	for _, p := range errorPatterns {
		if p.MatchString(contentStr) {
			return types.EventError
		}
	}
	if meta.ExitCode != nil && *meta.ExitCode != 0 {
		return types.EventError
	}
	for _, p := range diffMarkers {
		if p.MatchString(contentStr) {
			return types.EventDiff
		}
	}
	if testCountPattern.MatchString(contentStr) {
		return types.EventTestSummary
	}
	return types.EventTurn
}

var (
	errSigPatterns = []*regexp.Regexp{
		regexp.MustCompile(`error TS\d+: (.+)`),
		regexp.MustCompile(`Error: (.+?)(?:\n|at )`),
		regexp.MustCompile(`FAIL (.+)`),
		regexp.MustCompile(`(?i)(error|failed|exception): (.+)`),
	}
)

// ExtractErrorSignature returns the last capture group of the first known
// error-signature pattern that yields a non-empty match, capped at
// ErrorSignatureMaxLen.
func ExtractErrorSignature(s string) string {
	for _, p := range errSigPatterns {
		m := p.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		sig := m[len(m)-1]
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		return truncate(sig, ErrorSignatureMaxLen)
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// ExtractSignals pulls the best-effort structured facts out of content.
func ExtractSignals(contentStr string, meta Meta) Signals {
	sig := Signals{
		ExitCode:     meta.ExitCode,
		FilesChanged: meta.FilesChanged,
		ByteCount:    len(contentStr),
		LineCount:    strings.Count(contentStr, "\n") + boolToInt(len(contentStr) > 0),
	}
	if es := ExtractErrorSignature(contentStr); es != "" {
		sig.ErrorSignature = es
	}
	if len(sig.FilesChanged) == 0 {
		sig.FilesChanged = extractDiffFiles(contentStr)
	}
	if m := testCountPattern.FindAllStringSubmatch(contentStr, -1); m != nil {
		for _, g := range m {
			n, err := strconv.Atoi(g[1])
			if err != nil {
				continue
			}
			switch strings.ToLower(g[2]) {
			case "passed", "pass":
				v := n
				sig.TestsPassed = &v
			case "failed", "fail":
				v := n
				sig.TestsFailed = &v
			}
		}
	}
	return sig
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var diffFileHeader = regexp.MustCompile(`(?m)^\+\+\+ b/(.+)$`)

func extractDiffFiles(s string) []string {
	matches := diffFileHeader.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Synopsis builds a short human-readable summary (<= SynopsisMaxLen chars):
// the first sentence, or the first SynopsisMaxLen chars if the first
// sentence boundary does not fall within that limit.
func Synopsis(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, ".\n"); idx > 0 && idx < SynopsisMaxLen {
		return strings.TrimSpace(s[:idx])
	}
	return truncate(s, SynopsisMaxLen)
}

// Normalize is the pure normalization function.
func Normalize(raw []byte, meta Meta) Result {
	s := string(raw)
	res := Result{
		Content:     s,
		ContentHash: content.ContentHash(raw),
		ShouldBlob:  len(raw) > SynopsisByteThreshold,
		EventType:   Classify(s, meta),
		Signals:     ExtractSignals(s, meta),
	}
	if res.ShouldBlob {
		res.Synopsis = Synopsis(s)
	}
	return res
}
