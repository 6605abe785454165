package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/QuantCanary/canary-trader/internal/lifecycle"
	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
	"github.com/QuantCanary/canary-trader/internal/registry"
)

// Executor reverts a test's changes from treatment accounts in a fixed
// order: stop trading first, then revert changes, then release accounts.
// It never reverts a change on an account the change was not applied to;
// the treatment group is the authoritative list.
type Executor struct {
	cfg        Config
	applicator provider.ChangeApplicator
	reg        *registry.Registry
	machine    *lifecycle.Machine
	log        *logrus.Entry

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewExecutor(cfg Config, applicator provider.ChangeApplicator, reg *registry.Registry, machine *lifecycle.Machine, logger *logrus.Logger) *Executor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Executor{
		cfg:        cfg,
		applicator: applicator,
		reg:        reg,
		machine:    machine,
		log:        logger.WithField("component", "rollback_executor"),
		inFlight:   make(map[string]bool),
	}
}

// Execute validates and performs a rollback decision. The concurrency cap
// bounds simultaneous non-emergency rollbacks; emergencies always run.
// Partial failures are collected as issues rather than aborting: a
// half-reverted test is worse than a fully-attempted one with a report.
func (e *Executor) Execute(ctx context.Context, decision *model.RollbackDecision) (*model.RollbackResult, error) {
	if err := e.validate(decision); err != nil {
		return nil, err
	}

	test, ok := e.reg.Get(decision.TestID)
	if !ok {
		return nil, fmt.Errorf("test %s not found", decision.TestID)
	}
	if test.Phase == model.PhaseRolledBack {
		return nil, fmt.Errorf("test %s already rolled back", test.ID)
	}
	if test.Phase.Terminal() {
		return nil, fmt.Errorf("test %s is terminal (%s)", test.ID, test.Phase)
	}

	if err := e.acquire(decision); err != nil {
		return nil, err
	}
	defer e.release(decision.TestID)

	result := e.perform(ctx, test, decision)

	err := e.reg.Update(test.ID, func(t *model.ImprovementTest) error {
		e.machine.MarkRolledBack(t, time.Now().UTC())
		t.RollbackOutcome = result
		return nil
	})
	if err != nil {
		result.Issues = append(result.Issues, fmt.Sprintf("mark rolled back: %v", err))
		result.Success = false
	}
	e.reg.Release(test.ID)

	e.log.WithFields(logrus.Fields{
		"test":     test.ID,
		"severity": decision.Severity,
		"success":  result.Success,
		"reverted": result.RevertedChanges,
		"stopped":  result.StoppedAccounts,
	}).Info("rollback executed")
	return result, nil
}

// EmergencyStop is the synchronous manual path: it builds an emergency
// decision on the caller's behalf and executes it at once, bypassing
// confirmation and rate limiting.
func (e *Executor) EmergencyStop(ctx context.Context, testID, requestedBy string) (*model.RollbackResult, error) {
	decision := &model.RollbackDecision{
		ID:         uuid.NewString(),
		TestID:     testID,
		Reason:     fmt.Sprintf("manual emergency stop by %s", requestedBy),
		Severity:   model.SeverityManual,
		Immediate:  true,
		ApprovedBy: requestedBy,
		CreatedAt:  time.Now().UTC(),
	}
	return e.Execute(ctx, decision)
}

func (e *Executor) validate(decision *model.RollbackDecision) error {
	switch decision.Severity {
	case model.SeverityAutomatic, model.SeverityEmergency, model.SeverityManual:
	default:
		return fmt.Errorf("severity %s does not execute", decision.Severity)
	}
	if decision.TestID == "" {
		return fmt.Errorf("decision %s has no test", decision.ID)
	}
	// Trigger must actually breach the threshold it cites. Manual stops
	// carry no trigger.
	if decision.Severity != model.SeverityManual && !decision.Threshold.IsZero() {
		breached := decision.TriggerValue.LessThanOrEqual(decision.Threshold)
		if decision.Threshold.IsPositive() {
			breached = decision.TriggerValue.GreaterThanOrEqual(decision.Threshold)
		}
		if !breached {
			return fmt.Errorf("trigger %s does not breach threshold %s", decision.TriggerValue, decision.Threshold)
		}
	}
	return nil
}

func (e *Executor) acquire(decision *model.RollbackDecision) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[decision.TestID] {
		return fmt.Errorf("rollback already in flight for test %s", decision.TestID)
	}
	if !decision.Immediate && len(e.inFlight) >= e.cfg.MaxConcurrent {
		return fmt.Errorf("concurrent rollback limit %d reached", e.cfg.MaxConcurrent)
	}
	e.inFlight[decision.TestID] = true
	return nil
}

func (e *Executor) release(testID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, testID)
}

func (e *Executor) perform(ctx context.Context, test *model.ImprovementTest, decision *model.RollbackDecision) *model.RollbackResult {
	started := time.Now().UTC()
	result := &model.RollbackResult{
		TestID:     test.ID,
		DecisionID: decision.ID,
		StartedAt:  started,
	}

	var accounts []string
	if test.Treatment != nil {
		accounts = test.Treatment.AccountIDs
	}

	// Emergencies halt all trading on affected accounts before anything
	// else; reverting config on an account mid-trade is how positions leak.
	if decision.Severity == model.SeverityEmergency || decision.Severity == model.SeverityManual {
		for _, acc := range accounts {
			if err := e.applicator.EmergencyStop(ctx, acc); err != nil {
				result.Issues = append(result.Issues, fmt.Sprintf("emergency stop %s: %v", acc, err))
				continue
			}
			result.StoppedAccounts++
		}
	}

	for _, acc := range accounts {
		if err := e.applicator.DisableStrategy(ctx, acc, test.Component); err != nil {
			result.Issues = append(result.Issues, fmt.Sprintf("disable %s on %s: %v", test.Component, acc, err))
		}
	}

	for _, acc := range accounts {
		for _, ch := range test.Changes {
			if err := e.applicator.Revert(ctx, acc, ch); err != nil {
				result.Issues = append(result.Issues, fmt.Sprintf("revert %s on %s: %v", ch.ID, acc, err))
				continue
			}
			result.RevertedChanges++
		}
	}

	result.Success = len(result.Issues) == 0
	done := time.Now().UTC()
	result.CompletedAt = &done
	return result
}
