package config

import (
	"fmt"
	"strings"
	"time"
)

// ApplyPreset applies a rollout aggressiveness preset to the config.
// Supported presets:
// - conservative: smaller first stage, longer stage dwell, tighter rollback
// - standard:     configured values unchanged
// - aggressive:   shorter shadow/stage dwell for low-stakes environments
func ApplyPreset(cfg *Config, preset string) error {
	p := strings.ToLower(strings.TrimSpace(preset))
	if p == "" || p == "standard" {
		return nil
	}

	switch p {
	case "conservative":
		cfg.Rollout.Stages = []int{5, 10, 25, 50, 100}
		clampMinDuration(&cfg.Rollout.MinStageDuration, 120*time.Hour)
		clampMinDuration(&cfg.Shadow.MinDuration, 48*time.Hour)
		clampMaxFloat(&cfg.Rollback.RollbackPct, -0.08)
		clampMaxFloat(&cfg.Rollback.EmergencyPct, -0.15)
		if cfg.Pipeline.MaxConcurrentTests > 2 {
			cfg.Pipeline.MaxConcurrentTests = 2
		}
	case "aggressive":
		cfg.Rollout.Stages = []int{25, 50, 100}
		cfg.Rollout.MinStageDuration = 24 * time.Hour
		cfg.Shadow.MinDuration = 6 * time.Hour
	default:
		return fmt.Errorf("unknown preset %q (supported: conservative|standard|aggressive)", preset)
	}

	return nil
}

func clampMinDuration(v *time.Duration, min time.Duration) {
	if *v < min {
		*v = min
	}
}

// clampMaxFloat tightens a negative threshold: the result is never more
// negative than max (thresholds here are ceilings on losses).
func clampMaxFloat(v *float64, max float64) {
	if *v < max {
		*v = max
	}
}
