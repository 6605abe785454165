package rollback

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/QuantCanary/canary-trader/internal/model"
)

type Config struct {
	WarningPct   float64
	RollbackPct  float64
	EmergencyPct float64
	DrawdownPct  float64

	ConfirmationWindow time.Duration
	MinConfirmations   int
	PoorShareRequired  float64

	HighRiskMultiplier float64
	VolatilityTighten  float64
	VolatilityRatio    float64

	MinTrades          int
	MinMonitorDuration time.Duration
	CheckInterval      time.Duration
	MaxConcurrent      int
	HistoryWindow      time.Duration
}

// observation is one monitored reading of a test's relative improvement.
type observation struct {
	at       time.Time
	relative decimal.Decimal
}

// Monitor watches live comparisons and escalates through four levels:
// warning logs only, rollback requires sustained confirmation, drawdown
// triggers automatically, and emergency fires immediately. Checks run in
// that priority order so the most severe applicable level wins.
type Monitor struct {
	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	history      map[string][]observation
	lastWarning  map[string]time.Time
	lastDecision time.Time
}

func NewMonitor(cfg Config, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		cfg:         cfg,
		log:         logger.WithField("component", "rollback_monitor"),
		history:     make(map[string][]observation),
		lastWarning: make(map[string]time.Time),
	}
}

// Evaluate inspects one comparison reading and returns a rollback decision
// when a trigger fires. volRatio is treatment volatility over control
// volatility; ratios above the configured bound tighten the rollback and
// emergency thresholds, never the warning. Decisions other than emergencies
// are rate limited globally to one per check interval so a market-wide
// shock cannot fire a rollback storm.
func (m *Monitor) Evaluate(t *model.ImprovementTest, comparison model.PerformanceComparison, volRatio float64, now time.Time) *model.RollbackDecision {
	trades := 0
	if t.Treatment != nil && t.Treatment.Current != nil {
		trades = t.Treatment.Current.TradeCount
	}
	if trades < m.cfg.MinTrades {
		return nil
	}
	if now.Sub(t.PhaseStartedAt) < m.cfg.MinMonitorDuration {
		return nil
	}

	mult := 1.0
	if t.Risk == model.RiskHigh {
		mult *= m.cfg.HighRiskMultiplier
	}
	if volRatio > m.cfg.VolatilityRatio {
		mult *= m.cfg.VolatilityTighten
	}

	warning := decimal.NewFromFloat(m.cfg.WarningPct)
	rollback := decimal.NewFromFloat(m.cfg.RollbackPct * mult)
	emergency := decimal.NewFromFloat(m.cfg.EmergencyPct * mult)
	drawdown := decimal.NewFromFloat(m.cfg.DrawdownPct)

	relative := comparison.RelativeImprovement
	m.record(t.ID, relative, now)

	// Emergency is never rate limited.
	if relative.LessThanOrEqual(emergency) {
		return m.decide(t, model.SeverityEmergency, relative, emergency, true, now,
			fmt.Sprintf("relative improvement %s breached emergency threshold %s", relative, emergency))
	}

	if !m.allowDecision(now) {
		return nil
	}

	if t.Treatment != nil && t.Treatment.Current != nil &&
		t.Treatment.Current.MaxDrawdown.GreaterThanOrEqual(drawdown) {
		return m.decide(t, model.SeverityAutomatic, t.Treatment.Current.MaxDrawdown, drawdown, false, now,
			fmt.Sprintf("treatment drawdown %s breached limit %s", t.Treatment.Current.MaxDrawdown, drawdown))
	}

	if relative.LessThanOrEqual(rollback) {
		if confirmed, detail := m.confirmed(t.ID, rollback, now); confirmed {
			return m.decide(t, model.SeverityAutomatic, relative, rollback, false, now,
				fmt.Sprintf("relative improvement %s sustained below %s (%s)", relative, rollback, detail))
		}
		return nil
	}

	if relative.LessThanOrEqual(warning) {
		m.mu.Lock()
		m.lastWarning[t.ID] = now
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"test":      t.ID,
			"relative":  relative.String(),
			"threshold": warning.String(),
		}).Warn("treatment underperforming")
	}
	return nil
}

// confirmed checks the sustained-degradation requirement for the rollback
// level: enough poor readings at or below the threshold inside the
// confirmation window, and poor readings forming a large enough share of
// all readings in that window. A single bad tick never rolls back.
func (m *Monitor) confirmed(testID string, threshold decimal.Decimal, now time.Time) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.cfg.ConfirmationWindow)
	var total, poor int
	for _, obs := range m.history[testID] {
		if obs.at.Before(cutoff) {
			continue
		}
		total++
		if obs.relative.LessThanOrEqual(threshold) {
			poor++
		}
	}
	detail := fmt.Sprintf("%d/%d poor readings in %s", poor, total, m.cfg.ConfirmationWindow)
	if poor < m.cfg.MinConfirmations {
		return false, detail
	}
	if total == 0 || float64(poor)/float64(total) < m.cfg.PoorShareRequired {
		return false, detail
	}
	return true, detail
}

func (m *Monitor) record(testID string, relative decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := append(m.history[testID], observation{at: now, relative: relative})
	cutoff := now.Add(-m.cfg.HistoryWindow)
	for len(hist) > 0 && hist[0].at.Before(cutoff) {
		hist = hist[1:]
	}
	m.history[testID] = hist
}

func (m *Monitor) allowDecision(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDecision.IsZero() || now.Sub(m.lastDecision) >= m.cfg.CheckInterval
}

func (m *Monitor) decide(t *model.ImprovementTest, sev model.Severity, trigger, threshold decimal.Decimal, immediate bool, now time.Time, reason string) *model.RollbackDecision {
	m.mu.Lock()
	m.lastDecision = now
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"test":     t.ID,
		"severity": sev,
		"trigger":  trigger.String(),
	}).Error("rollback triggered")

	return &model.RollbackDecision{
		ID:           uuid.NewString(),
		TestID:       t.ID,
		Reason:       reason,
		Severity:     sev,
		TriggerValue: trigger,
		Threshold:    threshold,
		Immediate:    immediate,
		CreatedAt:    now,
	}
}

// LastWarning reports when a test last crossed the warning threshold.
func (m *Monitor) LastWarning(testID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.lastWarning[testID]
	return at, ok
}

// Reset drops monitoring state for a test, once it is terminal.
func (m *Monitor) Reset(testID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, testID)
	delete(m.lastWarning, testID)
}
