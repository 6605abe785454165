package lifecycle

import (
	"fmt"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

type Config struct {
	Stages           []int
	MinStageDuration time.Duration
	MinStageTrades   int
}

// Machine owns the phase-transition rules for improvement tests. The stage
// ladder is data-driven: custom ladders are a configuration change, not a
// code change.
type Machine struct {
	stages           []int
	minStageDuration time.Duration
	minStageTrades   int
}

func New(cfg Config) *Machine {
	stages := cfg.Stages
	if len(stages) == 0 {
		stages = []int{10, 25, 50, 100}
	}
	return &Machine{
		stages:           append([]int(nil), stages...),
		minStageDuration: cfg.MinStageDuration,
		minStageTrades:   cfg.MinStageTrades,
	}
}

// Stages returns the configured ladder.
func (m *Machine) Stages() []int { return append([]int(nil), m.stages...) }

// FirstRolloutPhase is the phase entered after a shadow verdict of proceed.
func (m *Machine) FirstRolloutPhase() model.Phase {
	return model.RolloutPhase(m.stages[0])
}

// NextPhase returns the phase following p on the forward path.
func (m *Machine) NextPhase(p model.Phase) (model.Phase, bool) {
	if p == model.PhaseShadow {
		return m.FirstRolloutPhase(), true
	}
	pct, ok := p.RolloutPercent()
	if !ok {
		return "", false
	}
	for i, s := range m.stages {
		if s == pct {
			if i == len(m.stages)-1 {
				return model.PhaseCompleted, true
			}
			return model.RolloutPhase(m.stages[i+1]), true
		}
	}
	return "", false
}

// PrevRolloutPhase returns the previous stage on the ladder, used when a
// rollback steps a test down rather than terminating it.
func (m *Machine) PrevRolloutPhase(p model.Phase) (model.Phase, bool) {
	pct, ok := p.RolloutPercent()
	if !ok {
		return "", false
	}
	for i, s := range m.stages {
		if s == pct && i > 0 {
			return model.RolloutPhase(m.stages[i-1]), true
		}
	}
	return "", false
}

// CanAdvance evaluates the forward-transition guard: minimum stage duration
// elapsed, minimum treatment trade count reached, and an ADVANCE decision.
// The returned reason names the first unmet guard.
func (m *Machine) CanAdvance(t *model.ImprovementTest, decision model.Decision, now time.Time) (bool, string) {
	if t.Phase.Terminal() || t.Phase == model.PhasePaused {
		return false, fmt.Sprintf("phase %s does not advance", t.Phase)
	}
	if elapsed := now.Sub(t.PhaseStartedAt); elapsed < m.minStageDuration {
		return false, fmt.Sprintf("stage duration %s < minimum %s", elapsed.Round(time.Minute), m.minStageDuration)
	}
	if t.InRollout() {
		trades := 0
		if t.Treatment != nil && t.Treatment.Current != nil {
			trades = t.Treatment.Current.TradeCount
		}
		if trades < m.minStageTrades {
			return false, fmt.Sprintf("treatment trades %d < minimum %d", trades, m.minStageTrades)
		}
	}
	if decision != model.DecisionAdvance && decision != model.DecisionComplete {
		return false, fmt.Sprintf("decision is %s", decision)
	}
	return true, ""
}

// Advance moves the test to the next phase on the forward path. Phases only
// move forward here; rollback and pause use their own transitions.
func (m *Machine) Advance(t *model.ImprovementTest, now time.Time) error {
	next, ok := m.NextPhase(t.Phase)
	if !ok {
		return fmt.Errorf("no forward transition from phase %s", t.Phase)
	}
	t.Phase = next
	t.PhaseStartedAt = now
	t.UpdatedAt = now
	if next == model.PhaseCompleted {
		done := now
		t.CompletedAt = &done
	}
	return nil
}

// Pause suspends a non-terminal test, remembering where to resume.
func (m *Machine) Pause(t *model.ImprovementTest, now time.Time) error {
	if t.Phase.Terminal() {
		return fmt.Errorf("cannot pause terminal phase %s", t.Phase)
	}
	if t.Phase == model.PhasePaused {
		return nil
	}
	t.PausedFrom = t.Phase
	t.Phase = model.PhasePaused
	t.UpdatedAt = now
	return nil
}

// Resume returns a paused test to its prior phase. The stage timer restarts:
// a paused test re-earns its minimum stage duration.
func (m *Machine) Resume(t *model.ImprovementTest, now time.Time) error {
	if t.Phase != model.PhasePaused {
		return fmt.Errorf("cannot resume phase %s", t.Phase)
	}
	t.Phase = t.PausedFrom
	t.PausedFrom = ""
	t.PhaseStartedAt = now
	t.UpdatedAt = now
	return nil
}

// MarkRolledBack moves the test to its terminal rolled-back phase. This
// transition is unconditional once a rollback decision is approved.
func (m *Machine) MarkRolledBack(t *model.ImprovementTest, now time.Time) {
	t.Phase = model.PhaseRolledBack
	t.PausedFrom = ""
	t.UpdatedAt = now
	done := now
	t.CompletedAt = &done
}
