// Package llm implements the tier-1/tier-2 LLM-backed curator: a structured
// prompt builder, a single-method Extractor collaborator interface, and a
// robust JSON response parser. The Extractor is injected at construction
// rather than reached for through a global, and flaky external calls retry
// with cenkalti/backoff.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/franalgaba/alexandria-sub000/internal/normalize"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// Extractor is the collaborator interface the core consumes for LLM-backed
// curation; the actual HTTP provider lives outside the core.
type Extractor interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// objectTypeNames enumerates every object type the schema prompt offers,
// one per memory object type.
var objectTypeNames = []types.ObjectType{
	types.ObjectDecision, types.ObjectPreference, types.ObjectConvention,
	types.ObjectKnownFix, types.ObjectConstraint, types.ObjectFailedAttempt, types.ObjectEnvironment,
}

// BuildPrompt renders the structured extraction prompt for an episode,
// asking the model for a JSON object with a memories[] array of
// {type, content, reasoning, confidence}.
func BuildPrompt(ep *types.Episode) string {
	var sb strings.Builder
	sb.WriteString("You are extracting durable memories from a coding session episode.\n")
	sb.WriteString("Valid types: ")
	for i, t := range objectTypeNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(string(t))
	}
	sb.WriteString(".\n")
	sb.WriteString("Respond with a single JSON object: {\"memories\": [{\"type\": ..., \"content\": ..., \"reasoning\": ..., \"confidence\": \"certain|high|medium|low\"}]}.\n\n")
	sb.WriteString("Episode events:\n")
	for _, ev := range ep.Events {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", ev.EventType, ev.ID, truncate(ev.ContentInline, 300))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rawMemory mirrors the JSON shape the prompt asks the model to emit.
type rawMemory struct {
	Type       string `json:"type"`
	Content    string `json:"content"`
	Reasoning  string `json:"reasoning"`
	Confidence string `json:"confidence"`
}

type rawResponse struct {
	Memories []rawMemory `json:"memories"`
}

// ParseResponse extracts the first `{...}` region from the model's raw
// response and decodes it, discarding the whole response on schema failure.
func ParseResponse(raw string, evidenceEventIDs []string) ([]types.Candidate, error) {
	region, ok := firstJSONObject(raw)
	if !ok {
		return nil, fmt.Errorf("llm response: no JSON object found")
	}

	var parsed rawResponse
	if err := json.Unmarshal([]byte(region), &parsed); err != nil {
		return nil, fmt.Errorf("llm response: %w", err)
	}

	var candidates []types.Candidate
	for _, m := range parsed.Memories {
		ot := types.ObjectType(m.Type)
		if !validObjectType(ot) {
			continue
		}
		if !normalize.IsEligibleForExtraction(m.Content) {
			continue
		}
		conf := types.Confidence(m.Confidence)
		if !validConfidence(conf) {
			conf = types.ConfidenceMedium
		}
		candidates = append(candidates, types.Candidate{
			ObjectType:       ot,
			Content:          m.Content,
			Confidence:       conf,
			Reasoning:        m.Reasoning,
			EvidenceEventIDs: evidenceEventIDs,
		})
	}
	return candidates, nil
}

func validObjectType(t types.ObjectType) bool {
	for _, v := range objectTypeNames {
		if v == t {
			return true
		}
	}
	return false
}

func validConfidence(c types.Confidence) bool {
	switch c {
	case types.ConfidenceCertain, types.ConfidenceHigh, types.ConfidenceMedium, types.ConfidenceLow:
		return true
	}
	return false
}

// firstJSONObject returns the text spanning the first balanced `{...}`
// region in s.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// Run calls the extractor with a backoff retry policy (callers treat a
// non-nil error here as a degrade-and-continue signal, not a fatal one) and
// parses the resulting candidates.
func Run(ctx context.Context, extractor Extractor, ep *types.Episode, evidenceEventIDs []string) ([]types.Candidate, error) {
	prompt := BuildPrompt(ep)

	var raw string
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx)
	op := func() error {
		var err error
		raw, err = extractor.Complete(ctx, prompt)
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("llm complete: %w", err)
	}

	return ParseResponse(raw, evidenceEventIDs)
}
