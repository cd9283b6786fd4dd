// Package curate orchestrates the tiered extraction pipeline over an
// episode: tier-0 deterministic rules always run, an optional tier-1/2 LLM
// extractor supplements them, and the two tiers' candidates are merged by a
// normalized-prefix dedup key. The richer path is tried first and degrades
// to the simpler one on failure.
package curate

import (
	"context"
	"log/slog"

	"github.com/franalgaba/alexandria-sub000/internal/content"
	"github.com/franalgaba/alexandria-sub000/internal/curate/llm"
	"github.com/franalgaba/alexandria-sub000/internal/curate/rules"
	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// Tier identifies which extractor tier produced a candidate, used only for
// logging/diagnostics; it never affects persisted state.
type Tier int

const (
	TierDeterministic Tier = iota
	TierLLM
)

// Curator runs tier-0 always, and tier-1/2 when an Extractor is configured.
type Curator struct {
	extractor llm.Extractor
	logger    *slog.Logger
}

// Option configures a Curator.
type Option func(*Curator)

// WithExtractor enables the LLM tier. Leaving it unset runs deterministic
// rules only.
func WithExtractor(e llm.Extractor) Option {
	return func(c *Curator) { c.extractor = e }
}

// WithLogger overrides the default discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Curator) { c.logger = l }
}

// New constructs a Curator.
func New(opts ...Option) *Curator {
	c := &Curator{logger: slog.New(slog.NewTextHandler(discardWriter{}, nil))}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Extract runs tier-0, then tier-1/2 if configured, and merges the result.
// An LLM failure degrades to the tier-0 result only; it is logged and never
// propagated; extraction failures never abort the ingest cycle.
func (c *Curator) Extract(ctx context.Context, ep *types.Episode) []types.Candidate {
	tier0 := rules.Extract(ep)

	if c.extractor == nil {
		return tier0
	}

	var evidence []string
	for _, ev := range ep.Events {
		evidence = append(evidence, ev.ID)
	}

	tier1, err := llm.Run(ctx, c.extractor, ep, evidence)
	if err != nil {
		c.logger.DebugContext(ctx, "llm curation degraded", "error", err)
		return tier0
	}

	return Merge(tier0, tier1)
}

// Merge deduplicates candidates across tiers by a normalized-prefix key
// (lowercased, whitespace-collapsed, first 100 chars), retaining the
// higher-confidence candidate on collision.
func Merge(tiers ...[]types.Candidate) []types.Candidate {
	byKey := map[string]types.Candidate{}
	var order []string

	for _, tier := range tiers {
		for _, cand := range tier {
			key := content.NormalizedPrefix(cand.Content, 100)
			existing, ok := byKey[key]
			if !ok {
				byKey[key] = cand
				order = append(order, key)
				continue
			}
			if cand.Confidence.Rank() > existing.Confidence.Rank() {
				byKey[key] = cand
			}
		}
	}

	merged := make([]types.Candidate, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}
	return merged
}
