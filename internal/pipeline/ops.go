package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/QuantCanary/canary-trader/internal/model"
)

// Manual operations invoked through the API. They reuse the same
// transitions as the cycle so manual and automatic paths cannot diverge.

// Pause suspends a test; it is skipped by cycles until resumed.
func (d *Driver) Pause(ctx context.Context, testID string) error {
	now := time.Now().UTC()
	if err := d.reg.Update(testID, func(live *model.ImprovementTest) error {
		return d.machine.Pause(live, now)
	}); err != nil {
		return err
	}
	d.log.WithField("test", testID).Info("test paused")
	return d.persist(ctx, testID)
}

// Resume returns a paused test to its prior phase with a fresh stage timer.
func (d *Driver) Resume(ctx context.Context, testID string) error {
	now := time.Now().UTC()
	if err := d.reg.Update(testID, func(live *model.ImprovementTest) error {
		return d.machine.Resume(live, now)
	}); err != nil {
		return err
	}
	if t, ok := d.reg.Get(testID); ok && t.Phase == model.PhaseShadow {
		d.validator.Start(testID, now)
	}
	d.log.WithField("test", testID).Info("test resumed")
	return d.persist(ctx, testID)
}

// ForceAdvance moves a test to its next phase, bypassing the stage
// decision but not the structural transition rules.
func (d *Driver) ForceAdvance(ctx context.Context, testID string) error {
	t, ok := d.reg.Get(testID)
	if !ok {
		return fmt.Errorf("test %s not found", testID)
	}
	if t.Phase == model.PhaseShadow {
		now := time.Now().UTC()
		result, err := d.validator.Evaluate(t, nil, nil, now)
		if err != nil {
			return err
		}
		return d.enterRollout(ctx, t, &result)
	}
	if !t.InRollout() {
		return fmt.Errorf("test %s in phase %s cannot advance", testID, t.Phase)
	}
	return d.advance(ctx, t)
}

// PendingDecisions lists tests waiting on an operator: every paused test,
// whether paused by a modify verdict or by hand.
func (d *Driver) PendingDecisions() []*model.ImprovementTest {
	var out []*model.ImprovementTest
	for _, t := range d.reg.List() {
		if t.Phase == model.PhasePaused {
			out = append(out, t)
		}
	}
	return out
}

// Approve accepts a pending decision. A test paused out of shadow on a
// modify verdict is overridden straight into rollout; any other paused test
// resumes its prior phase.
func (d *Driver) Approve(ctx context.Context, testID string) error {
	t, ok := d.reg.Get(testID)
	if !ok {
		return fmt.Errorf("test %s not found", testID)
	}
	if t.Phase != model.PhasePaused {
		return fmt.Errorf("test %s is %s, nothing to approve", testID, t.Phase)
	}

	if t.PausedFrom == model.PhaseShadow && t.Shadow != nil {
		now := time.Now().UTC()
		if err := d.reg.Update(testID, func(live *model.ImprovementTest) error {
			return d.machine.Resume(live, now)
		}); err != nil {
			return err
		}
		fresh, _ := d.reg.Get(testID)
		d.log.WithField("test", testID).Info("modify verdict overridden, entering rollout")
		return d.enterRollout(ctx, fresh, fresh.Shadow)
	}
	return d.Resume(ctx, testID)
}

// Reject closes a pending decision without deploying anything.
func (d *Driver) Reject(ctx context.Context, testID string) error {
	t, ok := d.reg.Get(testID)
	if !ok {
		return fmt.Errorf("test %s not found", testID)
	}
	if t.Phase != model.PhasePaused {
		return fmt.Errorf("test %s is %s, nothing to reject", testID, t.Phase)
	}
	now := time.Now().UTC()
	if err := d.reg.Update(testID, func(live *model.ImprovementTest) error {
		d.machine.MarkRolledBack(live, now)
		return nil
	}); err != nil {
		return err
	}
	d.validator.Stop(testID)
	d.reg.Release(testID)
	d.log.WithField("test", testID).Info("pending decision rejected, test closed")
	return d.persist(ctx, testID)
}

// EmergencyStop halts a test's treatment accounts and rolls it back,
// synchronously. Bypasses confirmation and rate limiting.
func (d *Driver) EmergencyStop(ctx context.Context, testID, requestedBy string) (*model.RollbackResult, error) {
	result, err := d.executor.EmergencyStop(ctx, testID, requestedBy)
	if err != nil {
		return nil, err
	}
	d.validator.Stop(testID)
	d.monitor.Reset(testID)
	d.metrics.RollbacksTotal.WithLabelValues(string(model.SeverityManual)).Inc()
	if d.notifier.Enabled() {
		if err := d.notifier.NotifyEmergencyStop(ctx, testID, requestedBy); err != nil {
			d.log.WithError(err).Warn("notify failed")
		}
	}
	if err := d.persist(ctx, testID); err != nil {
		d.log.WithField("test", testID).WithError(err).Warn("persist failed")
	}
	return result, nil
}
