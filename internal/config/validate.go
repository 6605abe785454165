package config

import (
	"fmt"
	"strings"
)

// Validate checks high-impact runtime configuration constraints.
func (c Config) Validate() error {
	mode := strings.ToLower(strings.TrimSpace(c.Mode))
	if mode != "" && mode != "sim" && mode != "live" {
		return fmt.Errorf("mode must be 'sim' or 'live', got %q", c.Mode)
	}

	if len(c.Rollout.Stages) == 0 {
		return fmt.Errorf("rollout.stages must not be empty")
	}
	prev := 0
	for _, s := range c.Rollout.Stages {
		if s <= prev || s > 100 {
			return fmt.Errorf("rollout.stages must be strictly ascending within (0,100], got %v", c.Rollout.Stages)
		}
		prev = s
	}
	if last := c.Rollout.Stages[len(c.Rollout.Stages)-1]; last != 100 {
		return fmt.Errorf("rollout.stages must end at 100, got %d", last)
	}

	if c.Stats.Alpha <= 0 || c.Stats.Alpha >= 1 {
		return fmt.Errorf("stats.alpha must be within (0,1), got %f", c.Stats.Alpha)
	}
	if c.Stats.Confidence <= 0 || c.Stats.Confidence >= 1 {
		return fmt.Errorf("stats.confidence must be within (0,1), got %f", c.Stats.Confidence)
	}
	if c.Stats.MinSampleSize < 2 {
		return fmt.Errorf("stats.min_sample_size must be >= 2, got %d", c.Stats.MinSampleSize)
	}

	// Thresholds must be ordered: emergency is the worst, warning the mildest.
	if !(c.Rollback.EmergencyPct < c.Rollback.RollbackPct && c.Rollback.RollbackPct < c.Rollback.WarningPct) {
		return fmt.Errorf("rollback thresholds must satisfy emergency < rollback < warning, got %f/%f/%f",
			c.Rollback.EmergencyPct, c.Rollback.RollbackPct, c.Rollback.WarningPct)
	}
	if c.Rollback.WarningPct >= 0 {
		return fmt.Errorf("rollback.warning_pct must be negative, got %f", c.Rollback.WarningPct)
	}
	if c.Rollback.DrawdownPct <= 0 || c.Rollback.DrawdownPct > 1 {
		return fmt.Errorf("rollback.drawdown_pct must be within (0,1], got %f", c.Rollback.DrawdownPct)
	}
	if c.Rollback.PoorShareRequired <= 0 || c.Rollback.PoorShareRequired > 1 {
		return fmt.Errorf("rollback.poor_share_required must be within (0,1], got %f", c.Rollback.PoorShareRequired)
	}
	if c.Rollback.MaxConcurrent <= 0 {
		return fmt.Errorf("rollback.max_concurrent must be > 0, got %d", c.Rollback.MaxConcurrent)
	}

	if c.Pipeline.MaxConcurrentTests <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_tests must be > 0, got %d", c.Pipeline.MaxConcurrentTests)
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if driver != "" && driver != "memory" && driver != "mysql" {
		return fmt.Errorf("store.driver must be 'memory' or 'mysql', got %q", c.Store.Driver)
	}
	if driver == "mysql" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.driver mysql requires store.dsn")
	}

	return nil
}
