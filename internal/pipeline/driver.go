package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/QuantCanary/canary-trader/internal/allocation"
	"github.com/QuantCanary/canary-trader/internal/compare"
	"github.com/QuantCanary/canary-trader/internal/lifecycle"
	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/notify"
	"github.com/QuantCanary/canary-trader/internal/provider"
	"github.com/QuantCanary/canary-trader/internal/registry"
	"github.com/QuantCanary/canary-trader/internal/rollback"
	"github.com/QuantCanary/canary-trader/internal/shadow"
	"github.com/QuantCanary/canary-trader/internal/store"
	"github.com/QuantCanary/canary-trader/internal/telemetry"
)

const recentTradeLimit = 200

type Config struct {
	CycleInterval      time.Duration
	SweepInterval      time.Duration
	MaxConcurrentTests int
	MinPriorityScore   float64
	SuggestionBatch    int
	RetentionDays      int
	ProviderTimeout    time.Duration
	MinImprovementPct  float64
}

// Providers groups the external systems the driver talks to.
type Providers struct {
	Accounts    provider.AccountProvider
	Trades      provider.TradeProvider
	Performance provider.PerformanceProvider
	Suggestions provider.SuggestionSource
	Applicator  provider.ChangeApplicator
}

// Status is a snapshot of driver activity for the API.
type Status struct {
	Running     bool      `json:"running"`
	CyclesRun   int       `json:"cycles_run"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	LastErrors  []string  `json:"last_errors,omitempty"`
}

// Driver runs the improvement cycle: admit suggestions, advance tests
// through shadow and staged rollout, monitor for degradation, and retire
// finished tests. Each cycle step snapshots a test, computes against
// providers with no locks held, then commits through the registry.
type Driver struct {
	cfg        Config
	reg        *registry.Registry
	machine    *lifecycle.Machine
	validator  *shadow.Validator
	alloc      *allocation.Allocator
	comparator *compare.Comparator
	monitor    *rollback.Monitor
	executor   *rollback.Executor
	providers  Providers
	db         store.Store
	metrics    *telemetry.Metrics
	notifier   *notify.Notifier
	log        *logrus.Entry

	mu         sync.Mutex
	running    bool
	cyclesRun  int
	lastCycle  time.Time
	lastErrors []string
}

func New(
	cfg Config,
	reg *registry.Registry,
	machine *lifecycle.Machine,
	validator *shadow.Validator,
	alloc *allocation.Allocator,
	comparator *compare.Comparator,
	monitor *rollback.Monitor,
	executor *rollback.Executor,
	providers Providers,
	db store.Store,
	metrics *telemetry.Metrics,
	notifier *notify.Notifier,
	logger *logrus.Logger,
) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Driver{
		cfg:        cfg,
		reg:        reg,
		machine:    machine,
		validator:  validator,
		alloc:      alloc,
		comparator: comparator,
		monitor:    monitor,
		executor:   executor,
		providers:  providers,
		db:         db,
		metrics:    metrics,
		notifier:   notifier,
		log:        logger.WithField("component", "pipeline"),
	}
}

// Restore reloads persisted tests into the registry and reclaims their
// account allocations. Called once at startup, before Run.
func (d *Driver) Restore(ctx context.Context) error {
	tests, err := d.db.LoadTests(ctx)
	if err != nil {
		return fmt.Errorf("load tests: %w", err)
	}
	for _, t := range tests {
		if t.Archived {
			continue
		}
		if err := d.reg.Add(t); err != nil {
			return err
		}
		if !t.Active() {
			continue
		}
		if t.Phase == model.PhaseShadow {
			d.validator.Start(t.ID, t.PhaseStartedAt)
			continue
		}
		var ids []string
		if t.Control != nil {
			ids = append(ids, t.Control.AccountIDs...)
		}
		if t.Treatment != nil {
			ids = append(ids, t.Treatment.AccountIDs...)
		}
		if err := d.reg.Allocate(t.ID, ids); err != nil {
			return fmt.Errorf("reclaim allocations for %s: %w", t.ID, err)
		}
	}
	d.log.WithField("tests", len(tests)).Info("state restored")
	return nil
}

// Run drives cycles and sweeps until the context is canceled. Sweeps run
// on a faster clock than full cycles so degradation is caught between
// cycles.
func (d *Driver) Run(ctx context.Context) {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	cycle := time.NewTicker(d.cfg.CycleInterval)
	defer cycle.Stop()
	sweep := time.NewTicker(d.cfg.SweepInterval)
	defer sweep.Stop()

	d.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cycle.C:
			d.RunCycle(ctx)
		case <-sweep.C:
			d.Sweep(ctx)
		}
	}
}

// RunCycle executes one full improvement cycle. Per-test failures are
// isolated: one misbehaving test never blocks the others.
func (d *Driver) RunCycle(ctx context.Context) {
	started := time.Now()
	var errs []string

	if err := d.admit(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("admission: %v", err))
	}

	for _, t := range d.reg.Active() {
		if err := d.processTest(ctx, t); err != nil {
			errs = append(errs, fmt.Sprintf("test %s: %v", t.ID, err))
			d.log.WithField("test", t.ID).WithError(err).Error("cycle step failed")
		}
	}

	d.retire(ctx)
	d.publishMetrics()

	d.mu.Lock()
	d.cyclesRun++
	d.lastCycle = time.Now().UTC()
	d.lastErrors = errs
	d.mu.Unlock()

	d.metrics.CyclesTotal.Inc()
	if len(errs) > 0 {
		d.metrics.CycleErrors.Inc()
	}
	d.metrics.CycleDuration.Observe(time.Since(started).Seconds())
	d.log.WithFields(logrus.Fields{
		"active":   d.reg.ActiveCount(),
		"errors":   len(errs),
		"duration": time.Since(started).Round(time.Millisecond),
	}).Info("cycle complete")
}

// Sweep runs rollback monitoring only, on the fast clock.
func (d *Driver) Sweep(ctx context.Context) {
	for _, t := range d.reg.Active() {
		if !t.InRollout() {
			continue
		}
		if err := d.checkRollback(ctx, t); err != nil {
			d.log.WithField("test", t.ID).WithError(err).Warn("sweep check failed")
		}
	}
}

// Status reports driver activity.
func (d *Driver) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Running:     d.running,
		CyclesRun:   d.cyclesRun,
		LastCycleAt: d.lastCycle,
		LastErrors:  append([]string(nil), d.lastErrors...),
	}
}

// admit pulls new suggestions and opens shadow tests for those that pass
// the gates: priority score floor, concurrency cap, no duplicate target,
// and critical priority required for high-risk changes.
func (d *Driver) admit(ctx context.Context) error {
	if d.reg.ActiveCount() >= d.cfg.MaxConcurrentTests {
		return nil
	}
	pctx, cancel := d.providerCtx(ctx)
	suggestions, err := d.providers.Suggestions.NextSuggestions(pctx, d.cfg.SuggestionBatch)
	cancel()
	if err != nil {
		return fmt.Errorf("next suggestions: %w", err)
	}

	for _, s := range suggestions {
		if d.reg.ActiveCount() >= d.cfg.MaxConcurrentTests {
			break
		}
		if s.Score < d.cfg.MinPriorityScore {
			d.log.WithFields(logrus.Fields{
				"suggestion": s.ID,
				"score":      s.Score,
			}).Debug("priority score below floor, skipped")
			continue
		}
		if s.Risk == model.RiskHigh && s.Priority != model.PriorityCritical {
			d.log.WithField("suggestion", s.ID).Debug("high risk without critical priority, skipped")
			continue
		}
		if d.reg.HasActiveTarget(s.Type, s.Component) {
			d.log.WithField("suggestion", s.ID).Debug("component already under test, skipped")
			continue
		}

		now := time.Now().UTC()
		t := &model.ImprovementTest{
			ID:             uuid.NewString(),
			SuggestionID:   s.ID,
			Hypothesis:     s.Hypothesis,
			Type:           s.Type,
			Component:      s.Component,
			Risk:           s.Risk,
			Priority:       s.Priority,
			Score:          s.Score,
			Phase:          model.PhaseShadow,
			Changes:        append([]model.Change(nil), s.Changes...),
			CreatedAt:      now,
			PhaseStartedAt: now,
			UpdatedAt:      now,
		}
		if err := d.reg.Add(t); err != nil {
			return err
		}
		d.validator.Start(t.ID, now)
		if err := d.db.SaveTest(ctx, t); err != nil {
			d.log.WithField("test", t.ID).WithError(err).Warn("persist failed")
		}
		d.metrics.PhaseTransitions.WithLabelValues(string(model.PhaseShadow)).Inc()
		d.log.WithFields(logrus.Fields{
			"test":      t.ID,
			"component": t.Component,
			"risk":      t.Risk,
		}).Info("test admitted to shadow")
	}
	return nil
}

func (d *Driver) processTest(ctx context.Context, t *model.ImprovementTest) error {
	switch {
	case t.Phase == model.PhasePaused:
		return nil
	case t.Phase == model.PhaseShadow:
		return d.processShadow(ctx, t)
	case t.InRollout():
		return d.processRollout(ctx, t)
	}
	return nil
}

func (d *Driver) processShadow(ctx context.Context, t *model.ImprovementTest) error {
	pctx, cancel := d.providerCtx(ctx)
	err := d.validator.Tick(pctx, t)
	cancel()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	done, _ := d.validator.Complete(t.ID, now)
	if !done {
		return nil
	}

	result, err := d.validator.Evaluate(t, nil, nil, now)
	if err != nil {
		return err
	}
	d.metrics.ShadowVerdicts.WithLabelValues(string(result.Verdict)).Inc()

	switch result.Verdict {
	case model.VerdictProceed:
		if err := d.enterRollout(ctx, t, &result); err != nil {
			return err
		}
	case model.VerdictModify:
		err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
			live.Shadow = &result
			return d.machine.Pause(live, now)
		})
		if err != nil {
			return err
		}
		d.validator.Stop(t.ID)
		d.log.WithField("test", t.ID).WithField("warnings", result.Warnings).Info("shadow verdict modify, test paused")
	case model.VerdictReject:
		err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
			live.Shadow = &result
			d.machine.MarkRolledBack(live, now)
			return nil
		})
		if err != nil {
			return err
		}
		d.validator.Stop(t.ID)
		d.reg.Release(t.ID)
		d.log.WithField("test", t.ID).Info("shadow verdict reject, test closed")
	}

	if d.notifier.Enabled() {
		if err := d.notifier.NotifyShadowVerdict(ctx, t, &result); err != nil {
			d.log.WithError(err).Warn("notify failed")
		}
	}
	return d.persist(ctx, t.ID)
}

// enterRollout allocates the first stage and advances out of shadow.
func (d *Driver) enterRollout(ctx context.Context, t *model.ImprovementTest, result *model.ShadowResult) error {
	stagePct := d.machine.Stages()[0]
	pctx, cancel := d.providerCtx(ctx)
	control, treatment, issues, err := d.alloc.Allocate(pctx, t, stagePct)
	cancel()
	if err != nil {
		return fmt.Errorf("allocate stage %d%%: %w", stagePct, err)
	}
	for _, issue := range issues {
		d.log.WithField("test", t.ID).Warn(issue)
	}

	control.Baseline, _ = d.groupPerformance(ctx, control.AccountIDs)
	treatment.Baseline, _ = d.groupPerformance(ctx, treatment.AccountIDs)

	now := time.Now().UTC()
	from := t.Phase
	err = d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
		live.Shadow = result
		live.Control = control
		live.Treatment = treatment
		return d.machine.Advance(live, now)
	})
	if err != nil {
		return err
	}
	d.validator.Stop(t.ID)
	d.metrics.PhaseTransitions.WithLabelValues(string(model.RolloutPhase(stagePct))).Inc()
	if d.notifier.Enabled() {
		if err := d.notifier.NotifyStageAdvance(ctx, t, from, model.RolloutPhase(stagePct)); err != nil {
			d.log.WithError(err).Warn("notify failed")
		}
	}
	d.log.WithFields(logrus.Fields{
		"test":      t.ID,
		"stage":     stagePct,
		"control":   len(control.AccountIDs),
		"treatment": len(treatment.AccountIDs),
	}).Info("rollout started")
	return nil
}

func (d *Driver) processRollout(ctx context.Context, t *model.ImprovementTest) error {
	comparison, err := d.measure(ctx, t)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
		if live.Control != nil {
			c := comparison.Control
			live.Control.Current = &c
		}
		if live.Treatment != nil {
			tr := comparison.Treatment
			live.Treatment.Current = &tr
		}
		live.LatestComparison = comparison
		live.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}

	fresh, _ := d.reg.Get(t.ID)
	if fresh == nil {
		return fmt.Errorf("test %s vanished", t.ID)
	}

	if decision := d.monitor.Evaluate(fresh, *comparison, groupVolRatio(comparison), now); decision != nil {
		return d.executeRollback(ctx, fresh, decision)
	}

	decision := d.stageDecision(fresh, comparison, now)
	if ok, reason := d.machine.CanAdvance(fresh, decision, now); !ok {
		d.log.WithFields(logrus.Fields{"test": t.ID, "reason": reason}).Debug("holding stage")
		return d.persist(ctx, t.ID)
	}
	return d.advance(ctx, fresh)
}

// stageDecision derives the advancement decision from the latest
// comparison: advance only on a significant improvement above the floor.
func (d *Driver) stageDecision(t *model.ImprovementTest, comparison *model.PerformanceComparison, now time.Time) model.Decision {
	if ok, _ := d.alloc.StageComplete(t, now); !ok {
		return model.DecisionHold
	}
	minImprovement := decimal.NewFromFloat(d.cfg.MinImprovementPct)
	if comparison.RelativeImprovement.LessThan(minImprovement) {
		return model.DecisionHold
	}
	if !comparison.Analysis.Significant {
		return model.DecisionHold
	}
	return model.DecisionAdvance
}

func (d *Driver) advance(ctx context.Context, t *model.ImprovementTest) error {
	next, ok := d.machine.NextPhase(t.Phase)
	if !ok {
		return fmt.Errorf("no next phase from %s", t.Phase)
	}
	now := time.Now().UTC()
	from := t.Phase

	if next == model.PhaseCompleted {
		if err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
			return d.machine.Advance(live, now)
		}); err != nil {
			return err
		}
		d.reg.Release(t.ID)
		d.monitor.Reset(t.ID)
		d.metrics.PhaseTransitions.WithLabelValues(string(model.PhaseCompleted)).Inc()
		if d.notifier.Enabled() {
			if fresh, ok := d.reg.Get(t.ID); ok {
				if err := d.notifier.NotifyCompleted(ctx, fresh); err != nil {
					d.log.WithError(err).Warn("notify failed")
				}
			}
		}
		d.log.WithField("test", t.ID).Info("test completed, change fully deployed")
		return d.persist(ctx, t.ID)
	}

	newPct, _ := next.RolloutPercent()
	pctx, cancel := d.providerCtx(ctx)
	control, treatment, issues, err := d.alloc.Reallocate(pctx, t, newPct)
	cancel()
	if err != nil {
		return fmt.Errorf("reallocate to %d%%: %w", newPct, err)
	}
	for _, issue := range issues {
		d.log.WithField("test", t.ID).Warn(issue)
	}

	if err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
		live.Control = control
		live.Treatment = treatment
		return d.machine.Advance(live, now)
	}); err != nil {
		return err
	}
	d.metrics.PhaseTransitions.WithLabelValues(string(next)).Inc()
	if d.notifier.Enabled() {
		if err := d.notifier.NotifyStageAdvance(ctx, t, from, next); err != nil {
			d.log.WithError(err).Warn("notify failed")
		}
	}
	d.log.WithFields(logrus.Fields{"test": t.ID, "from": from, "to": next}).Info("stage advanced")
	return d.persist(ctx, t.ID)
}

// checkRollback is the sweep path: measure and evaluate, execute if a
// trigger fires, no stage advancement.
func (d *Driver) checkRollback(ctx context.Context, t *model.ImprovementTest) error {
	comparison, err := d.measure(ctx, t)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := d.reg.Update(t.ID, func(live *model.ImprovementTest) error {
		live.LatestComparison = comparison
		if live.Treatment != nil {
			tr := comparison.Treatment
			live.Treatment.Current = &tr
		}
		if live.Control != nil {
			c := comparison.Control
			live.Control.Current = &c
		}
		live.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}
	fresh, ok := d.reg.Get(t.ID)
	if !ok {
		return nil
	}
	if decision := d.monitor.Evaluate(fresh, *comparison, groupVolRatio(comparison), now); decision != nil {
		return d.executeRollback(ctx, fresh, decision)
	}
	return nil
}

func (d *Driver) executeRollback(ctx context.Context, t *model.ImprovementTest, decision *model.RollbackDecision) error {
	result, err := d.executor.Execute(ctx, decision)
	if err != nil {
		return fmt.Errorf("execute rollback: %w", err)
	}
	d.monitor.Reset(t.ID)
	d.metrics.RollbacksTotal.WithLabelValues(string(decision.Severity)).Inc()
	if err := d.db.SaveRollback(ctx, decision, result); err != nil {
		d.log.WithError(err).Warn("persist rollback failed")
	}
	if d.notifier.Enabled() {
		if err := d.notifier.NotifyRollback(ctx, decision, result); err != nil {
			d.log.WithError(err).Warn("notify failed")
		}
	}
	return d.persist(ctx, t.ID)
}

// measure pulls fresh performance for both groups and produces a
// comparison. All provider I/O happens here, outside registry locks.
func (d *Driver) measure(ctx context.Context, t *model.ImprovementTest) (*model.PerformanceComparison, error) {
	if t.Control == nil || t.Treatment == nil {
		return nil, fmt.Errorf("test %s has no groups", t.ID)
	}
	controlAgg, controlReturns := d.groupSample(ctx, t.Control.AccountIDs)
	treatmentAgg, treatmentReturns := d.groupSample(ctx, t.Treatment.AccountIDs)
	if controlAgg == nil || treatmentAgg == nil {
		return nil, fmt.Errorf("performance unavailable for test %s", t.ID)
	}
	comparisons := d.reg.ActiveCount()
	if comparisons < 1 {
		comparisons = 1
	}
	comparison := d.comparator.Compare(*controlAgg, *treatmentAgg, controlReturns, treatmentReturns, comparisons)
	return &comparison, nil
}

func (d *Driver) groupPerformance(ctx context.Context, accountIDs []string) (*model.PerformanceMetrics, error) {
	agg, _ := d.groupSample(ctx, accountIDs)
	if agg == nil {
		return nil, fmt.Errorf("no performance data")
	}
	return agg, nil
}

func (d *Driver) groupSample(ctx context.Context, accountIDs []string) (*model.PerformanceMetrics, []float64) {
	var metrics []model.PerformanceMetrics
	var returns []float64
	for _, acc := range accountIDs {
		pctx, cancel := d.providerCtx(ctx)
		m, err := d.providers.Performance.Performance(pctx, acc, provider.WindowWeekly)
		cancel()
		if err != nil {
			d.log.WithField("account", acc).WithError(err).Warn("performance fetch failed")
			continue
		}
		metrics = append(metrics, m)

		pctx, cancel = d.providerCtx(ctx)
		trades, err := d.providers.Trades.RecentTrades(pctx, acc, recentTradeLimit)
		cancel()
		if err != nil {
			d.log.WithField("account", acc).WithError(err).Warn("trade fetch failed")
			continue
		}
		for _, tr := range trades {
			r, _ := tr.ReturnPct.Float64()
			returns = append(returns, r)
		}
	}
	if len(metrics) == 0 {
		return nil, nil
	}
	agg := compare.Aggregate(metrics)
	return &agg, returns
}

// groupVolRatio is treatment volatility over control volatility for the
// latest comparison. Above 1 means the treatment runs hotter than its
// control.
func groupVolRatio(c *model.PerformanceComparison) float64 {
	control, _ := c.Control.Volatility.Float64()
	treatment, _ := c.Treatment.Volatility.Float64()
	if control <= 0 || treatment <= 0 {
		return 1
	}
	return treatment / control
}

// retire archives tests that have been terminal for longer than the
// retention window and drops them from the working set. Archived records
// stay queryable in the store for a second retention window, then the
// purge deletes them.
func (d *Driver) retire(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.AddDate(0, 0, -d.cfg.RetentionDays)
	for _, t := range d.reg.List() {
		if t.Archived || !t.Phase.Terminal() {
			continue
		}
		if t.CompletedAt == nil || t.CompletedAt.After(cutoff) {
			continue
		}
		if err := d.reg.Archive(t.ID, now); err != nil {
			d.log.WithField("test", t.ID).WithError(err).Warn("archive failed")
			continue
		}
		d.monitor.Reset(t.ID)
		if err := d.persist(ctx, t.ID); err != nil {
			d.log.WithField("test", t.ID).WithError(err).Warn("persist failed")
		}
		d.reg.Remove(t.ID)
	}
	if removed, err := d.db.PurgeArchived(ctx, now.AddDate(0, 0, -2*d.cfg.RetentionDays)); err != nil {
		d.log.WithError(err).Warn("purge failed")
	} else if removed > 0 {
		d.log.WithField("removed", removed).Info("purged archived tests")
	}
}

func (d *Driver) publishMetrics() {
	d.metrics.ActiveTests.Set(float64(d.reg.ActiveCount()))
	d.metrics.AllocatedAccounts.Set(float64(d.reg.AllocatedCount()))

	var completed, rolledBack int
	for _, t := range d.reg.List() {
		switch t.Phase {
		case model.PhaseCompleted:
			completed++
		case model.PhaseRolledBack:
			rolledBack++
		}
	}
	if total := completed + rolledBack; total > 0 {
		d.metrics.SuccessRate.Set(float64(completed) / float64(total))
	}
}

func (d *Driver) persist(ctx context.Context, testID string) error {
	t, ok := d.reg.Get(testID)
	if !ok {
		return nil
	}
	return d.db.SaveTest(ctx, t)
}

func (d *Driver) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.cfg.ProviderTimeout)
}
