package engineconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Settings carries the engine tunables exposed through the layered config
// (env + file + defaults): checkpoint thresholds, retrieval weights, and
// the auto-checkpoint event threshold.
type Settings struct {
	AutoCheckpointThreshold int
	ToolBurstCount          int
	ToolBurstWindow         time.Duration
	MinEventsForCheckpoint  int
	TopicShiftMinBuffer     int
	RetrievalWeightLex      float64
	RetrievalWeightVec      float64
}

// DefaultSettings mirrors checkpoint.DefaultConfig()'s values plus the
// balanced hybrid retrieval weights, so a process with no overrides behaves
// identically to one with explicit defaults.
func DefaultSettings() Settings {
	return Settings{
		AutoCheckpointThreshold: 15,
		ToolBurstCount:          10,
		ToolBurstWindow:         120 * time.Second,
		MinEventsForCheckpoint:  5,
		TopicShiftMinBuffer:     10,
		RetrievalWeightLex:      0.5,
		RetrievalWeightVec:      0.5,
	}
}

// envPrefix is the environment variable namespace for all overrides.
const envPrefix = "ALEXANDRIA"

// projectConfigFileName is the optional TOML override file read before env
// vars apply.
const projectConfigFileName = "alexandria.toml"

// fileSettings mirrors the alexandria.toml schema; pointer fields
// distinguish "absent" from an explicit zero.
type fileSettings struct {
	AutoCheckpointThreshold *int     `toml:"auto_checkpoint_threshold"`
	ToolBurstCount          *int     `toml:"tool_burst_count"`
	ToolBurstWindowSeconds  *int     `toml:"tool_burst_window_seconds"`
	MinEventsForCheckpoint  *int     `toml:"min_events_for_checkpoint"`
	TopicShiftMinBuffer     *int     `toml:"topic_shift_min_buffer"`
	RetrievalWeightLex      *float64 `toml:"retrieval_weight_lex"`
	RetrievalWeightVec      *float64 `toml:"retrieval_weight_vec"`
}

func (fs fileSettings) applyTo(v *viper.Viper) {
	if fs.AutoCheckpointThreshold != nil {
		v.SetDefault("auto_checkpoint_threshold", *fs.AutoCheckpointThreshold)
	}
	if fs.ToolBurstCount != nil {
		v.SetDefault("tool_burst_count", *fs.ToolBurstCount)
	}
	if fs.ToolBurstWindowSeconds != nil {
		v.SetDefault("tool_burst_window_seconds", *fs.ToolBurstWindowSeconds)
	}
	if fs.MinEventsForCheckpoint != nil {
		v.SetDefault("min_events_for_checkpoint", *fs.MinEventsForCheckpoint)
	}
	if fs.TopicShiftMinBuffer != nil {
		v.SetDefault("topic_shift_min_buffer", *fs.TopicShiftMinBuffer)
	}
	if fs.RetrievalWeightLex != nil {
		v.SetDefault("retrieval_weight_lex", *fs.RetrievalWeightLex)
	}
	if fs.RetrievalWeightVec != nil {
		v.SetDefault("retrieval_weight_vec", *fs.RetrievalWeightVec)
	}
}

// LoadSettings layers defaults, an optional alexandria.toml in projectDir,
// then ALEXANDRIA_-prefixed environment variables, in that precedence
// order (lowest to highest).
func LoadSettings(projectDir string) (Settings, error) {
	defaults := DefaultSettings()

	v := viper.New()
	v.SetDefault("auto_checkpoint_threshold", defaults.AutoCheckpointThreshold)
	v.SetDefault("tool_burst_count", defaults.ToolBurstCount)
	v.SetDefault("tool_burst_window_seconds", int(defaults.ToolBurstWindow.Seconds()))
	v.SetDefault("min_events_for_checkpoint", defaults.MinEventsForCheckpoint)
	v.SetDefault("topic_shift_min_buffer", defaults.TopicShiftMinBuffer)
	v.SetDefault("retrieval_weight_lex", defaults.RetrievalWeightLex)
	v.SetDefault("retrieval_weight_vec", defaults.RetrievalWeightVec)

	// File values land as raised defaults so env vars still win.
	configPath := filepath.Join(projectDir, projectConfigFileName)
	if _, err := os.Stat(configPath); err == nil {
		var fs fileSettings
		if _, err := toml.DecodeFile(configPath, &fs); err != nil {
			return Settings{}, err
		}
		fs.applyTo(v)
	}

	v.SetEnvPrefix(envPrefix)
	for _, key := range []string{
		"auto_checkpoint_threshold", "tool_burst_count", "tool_burst_window_seconds",
		"min_events_for_checkpoint", "topic_shift_min_buffer",
		"retrieval_weight_lex", "retrieval_weight_vec",
	} {
		if err := v.BindEnv(key); err != nil {
			return Settings{}, err
		}
	}

	return Settings{
		AutoCheckpointThreshold: v.GetInt("auto_checkpoint_threshold"),
		ToolBurstCount:          v.GetInt("tool_burst_count"),
		ToolBurstWindow:         time.Duration(v.GetInt("tool_burst_window_seconds")) * time.Second,
		MinEventsForCheckpoint:  v.GetInt("min_events_for_checkpoint"),
		TopicShiftMinBuffer:     v.GetInt("topic_shift_min_buffer"),
		RetrievalWeightLex:      v.GetFloat64("retrieval_weight_lex"),
		RetrievalWeightVec:      v.GetFloat64("retrieval_weight_vec"),
	}, nil
}
