// Package checkpoint implements the episodic boundary detector: an
// event buffer, priority-ordered trigger detection, and the
// curate-apply-reset execution loop. Concurrent identical work is
// collapsed with golang.org/x/sync/singleflight.
package checkpoint

import (
	"regexp"
	"time"

	"github.com/franalgaba/alexandria-sub000/internal/types"
)

// Config carries the checkpoint engine's tunable thresholds, all
// overridable via internal/engineconfig.
type Config struct {
	ToolBurstCount          int
	ToolBurstWindow         time.Duration
	MinEventsForCheckpoint  int
	TopicShiftMinBuffer     int
	AutoCheckpointThreshold int
}

// DefaultConfig returns the stock trigger thresholds.
func DefaultConfig() Config {
	return Config{
		ToolBurstCount:          10,
		ToolBurstWindow:         120_000 * time.Millisecond,
		MinEventsForCheckpoint:  5,
		TopicShiftMinBuffer:     10,
		AutoCheckpointThreshold: 15,
	}
}

// taskCompletePatterns match buffered turn/tool_output content signaling a
// finished task.
var taskCompletePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)tests? (are )?(passing|passed|pass)\b`),
	regexp.MustCompile(`(?i)\b(done|finished|complete|ready)\b`),
	regexp.MustCompile(`(?i)successfully (built|compiled|deployed)`),
	regexp.MustCompile(`(?i)all (tests|checks) passed`),
}

var testToolNamePattern = regexp.MustCompile(`(?i)test|spec`)

// DetectTrigger evaluates the trigger priority order (high to low) over a
// buffer and returns the first hit, if any. Manual triggers bypass this
// function entirely.
func DetectTrigger(buffer []*types.Event, cfg Config, now time.Time) (types.Trigger, bool) {
	if t, ok := detectToolBurst(buffer, cfg, now); ok {
		return t, true
	}
	if t, ok := detectTaskComplete(buffer); ok {
		return t, true
	}
	if t, ok := detectTopicShift(buffer, cfg); ok {
		return t, true
	}
	if t, ok := detectWindowPressure(buffer, cfg); ok {
		return t, true
	}
	return types.Trigger{}, false
}

// detectWindowPressure is the lowest-priority backstop: a buffer that has
// reached the auto-checkpoint threshold flushes even when no sharper
// signal fired. A threshold of zero or less disables it.
func detectWindowPressure(buffer []*types.Event, cfg Config) (types.Trigger, bool) {
	if cfg.AutoCheckpointThreshold <= 0 || len(buffer) < cfg.AutoCheckpointThreshold {
		return types.Trigger{}, false
	}
	return types.Trigger{Tag: types.TriggerWindowPressure, Reason: "buffered events reached auto-checkpoint threshold"}, true
}

func detectToolBurst(buffer []*types.Event, cfg Config, now time.Time) (types.Trigger, bool) {
	count := 0
	for i := len(buffer) - 1; i >= 0; i-- {
		ev := buffer[i]
		if now.Sub(ev.Timestamp) > cfg.ToolBurstWindow {
			break
		}
		if ev.EventType == types.EventToolOutput {
			count++
		}
	}
	if count >= cfg.ToolBurstCount {
		return types.Trigger{Tag: types.TriggerToolBurst, Reason: "tool burst threshold reached"}, true
	}
	return types.Trigger{}, false
}

func detectTaskComplete(buffer []*types.Event) (types.Trigger, bool) {
	start := 0
	if len(buffer) > 5 {
		start = len(buffer) - 5
	}
	for _, ev := range buffer[start:] {
		for _, pat := range taskCompletePatterns {
			if pat.MatchString(ev.ContentInline) {
				return types.Trigger{Tag: types.TriggerTaskComplete, Reason: "task completion phrase matched"}, true
			}
		}
		if ev.EventType == types.EventToolOutput && ev.ExitCode != nil && *ev.ExitCode == 0 && testToolNamePattern.MatchString(ev.ToolName) {
			return types.Trigger{Tag: types.TriggerTaskComplete, Reason: "test tool exited successfully"}, true
		}
	}
	return types.Trigger{}, false
}

func detectTopicShift(buffer []*types.Event, cfg Config) (types.Trigger, bool) {
	if len(buffer) < cfg.TopicShiftMinBuffer {
		return types.Trigger{}, false
	}
	recent := filePathSet(buffer[len(buffer)-5:])
	earlier := filePathSet(buffer[:len(buffer)-5])
	if len(recent) == 0 || len(earlier) == 0 {
		return types.Trigger{}, false
	}
	for p := range recent {
		if earlier[p] {
			return types.Trigger{}, false
		}
	}
	return types.Trigger{Tag: types.TriggerTopicShift, Reason: "file path sets disjoint"}, true
}

func filePathSet(events []*types.Event) map[string]bool {
	set := map[string]bool{}
	for _, ev := range events {
		if ev.FilePath != "" {
			set[ev.FilePath] = true
		}
	}
	return set
}
