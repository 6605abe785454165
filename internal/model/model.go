package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Phase is the lifecycle state of an improvement test. Rollout phases are
// derived from the configured stage ladder via RolloutPhase, so a custom
// ladder needs no new constants.
type Phase string

const (
	PhaseShadow     Phase = "shadow"
	PhasePaused     Phase = "paused"
	PhaseCompleted  Phase = "completed"
	PhaseRolledBack Phase = "rolled_back"
)

// RolloutPhase returns the phase for a rollout stage percentage.
func RolloutPhase(pct int) Phase {
	return Phase(fmt.Sprintf("rollout_%d", pct))
}

// RolloutPercent parses the stage percentage out of a rollout phase.
func (p Phase) RolloutPercent() (int, bool) {
	s, ok := strings.CutPrefix(string(p), "rollout_")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(s)
	if err != nil || pct <= 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack
}

// RiskLevel classifies how dangerous a change is to expose to real accounts.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PriorityCritical marks suggestions urgent enough to admit at high risk.
const PriorityCritical = "critical"

// ChangeType categorizes what kind of modification is under test.
type ChangeType string

const (
	ChangeParameter ChangeType = "parameter"
	ChangeAlgorithm ChangeType = "algorithm"
	ChangeStrategy  ChangeType = "strategy"
	ChangeFeature   ChangeType = "feature"
)

// GroupType distinguishes the two cohorts of a test.
type GroupType string

const (
	GroupControl   GroupType = "control"
	GroupTreatment GroupType = "treatment"
)

// Verdict is the outcome of shadow validation.
type Verdict string

const (
	VerdictProceed Verdict = "proceed"
	VerdictModify  Verdict = "modify"
	VerdictReject  Verdict = "reject"
)

// Decision is a stage-advancement outcome.
type Decision string

const (
	DecisionAdvance  Decision = "advance"
	DecisionHold     Decision = "hold"
	DecisionRollback Decision = "rollback"
	DecisionComplete Decision = "complete"
)

// Severity ranks rollback decisions.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityAutomatic Severity = "automatic"
	SeverityEmergency Severity = "emergency"
	SeverityManual    Severity = "manual"
)

// Change is one concrete modification applied to treatment accounts.
type Change struct {
	ID        string     `json:"id"`
	Type      ChangeType `json:"type"`
	Component string     `json:"component"`
	Parameter string     `json:"parameter"`
	OldValue  string     `json:"old_value"`
	NewValue  string     `json:"new_value"`
	// Rollback names the procedure the change applicator runs to revert.
	Rollback string `json:"rollback"`
}

// Suggestion is a candidate change produced by the upstream idea engine.
type Suggestion struct {
	ID         string     `json:"id"`
	Hypothesis string     `json:"hypothesis"`
	Type       ChangeType `json:"type"`
	Component  string     `json:"component"`
	Risk       RiskLevel  `json:"risk"`
	Priority   string     `json:"priority"`
	Score      float64    `json:"score"`
	Complexity int        `json:"complexity"` // implementation effort, 1-10
	Changes    []Change   `json:"changes"`
}

// PerformanceMetrics aggregates trading outcomes for one account or group
// over a window. Monetary and ratio fields are fixed-point decimals.
type PerformanceMetrics struct {
	TradeCount  int             `json:"trade_count"`
	WinRate     decimal.Decimal `json:"win_rate"`
	Expectancy  decimal.Decimal `json:"expectancy"`
	TotalReturn decimal.Decimal `json:"total_return"`
	MaxDrawdown decimal.Decimal `json:"max_drawdown"`
	Volatility  decimal.Decimal `json:"volatility"`
	Sharpe      decimal.Decimal `json:"sharpe"`
}

// StatisticalAnalysis is one hypothesis-test result. Statistical quantities
// stay float64; they are probabilities, not money.
type StatisticalAnalysis struct {
	SampleSize  int     `json:"sample_size"`
	PValue      float64 `json:"p_value"`
	EffectSize  float64 `json:"effect_size"`
	CILow       float64 `json:"ci_low"`
	CIHigh      float64 `json:"ci_high"`
	Power       float64 `json:"power"`
	Significant bool    `json:"significant"`
}

// PerformanceComparison is the control-vs-treatment outcome at a point in
// time. Immutable once created.
type PerformanceComparison struct {
	Control                 PerformanceMetrics  `json:"control"`
	Treatment               PerformanceMetrics  `json:"treatment"`
	RelativeImprovement     decimal.Decimal     `json:"relative_improvement"`
	AbsoluteImprovement     decimal.Decimal     `json:"absolute_improvement"`
	PercentImprovement      decimal.Decimal     `json:"percent_improvement"`
	RiskAdjustedImprovement decimal.Decimal     `json:"risk_adjusted_improvement"`
	Analysis                StatisticalAnalysis `json:"analysis"`
	MeasuredAt              time.Time           `json:"measured_at"`
}

// TestGroup is a cohort of accounts under one arm of a test.
type TestGroup struct {
	Type          GroupType           `json:"type"`
	AccountIDs    []string            `json:"account_ids"`
	AllocationPct int                 `json:"allocation_pct"`
	Baseline      *PerformanceMetrics `json:"baseline,omitempty"`
	Current       *PerformanceMetrics `json:"current,omitempty"`
}

// ShadowResult captures the outcome of the risk-free validation stage.
type ShadowResult struct {
	Signals     int                    `json:"signals"`
	Trades      int                    `json:"trades"`
	Metrics     PerformanceMetrics     `json:"metrics"`
	Comparison  *PerformanceComparison `json:"comparison,omitempty"`
	RiskScore   decimal.Decimal        `json:"risk_score"` // 0-100, lower is safer
	Verdict     Verdict                `json:"verdict"`
	Warnings    []string               `json:"warnings,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// RollbackDecision proposes reverting a test.
type RollbackDecision struct {
	ID           string          `json:"id"`
	TestID       string          `json:"test_id"`
	Reason       string          `json:"reason"`
	Severity     Severity        `json:"severity"`
	TriggerValue decimal.Decimal `json:"trigger_value"`
	Threshold    decimal.Decimal `json:"threshold"`
	Immediate    bool            `json:"immediate"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RollbackResult records an executed reversal.
type RollbackResult struct {
	TestID          string     `json:"test_id"`
	DecisionID      string     `json:"decision_id"`
	Success         bool       `json:"success"`
	RevertedChanges int        `json:"reverted_changes"`
	StoppedAccounts int        `json:"stopped_accounts"`
	Issues          []string   `json:"issues,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ImprovementTest is one candidate change under evaluation.
type ImprovementTest struct {
	ID           string     `json:"id"`
	SuggestionID string     `json:"suggestion_id"`
	Hypothesis   string     `json:"hypothesis"`
	Type         ChangeType `json:"type"`
	Component    string     `json:"component"`
	Risk         RiskLevel  `json:"risk"`
	Priority     string     `json:"priority"`
	Score        float64    `json:"score"`

	Phase Phase `json:"phase"`
	// PausedFrom remembers where to resume; set only while Phase is paused.
	PausedFrom Phase `json:"paused_from,omitempty"`

	Changes   []Change   `json:"changes"`
	Control   *TestGroup `json:"control,omitempty"`
	Treatment *TestGroup `json:"treatment,omitempty"`

	Shadow           *ShadowResult          `json:"shadow,omitempty"`
	LatestComparison *PerformanceComparison `json:"latest_comparison,omitempty"`
	RollbackOutcome  *RollbackResult        `json:"rollback_outcome,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	PhaseStartedAt time.Time  `json:"phase_started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Archived       bool       `json:"archived"`
	ArchivedAt     *time.Time `json:"archived_at,omitempty"`
}

// Active reports whether the test still participates in cycle processing.
func (t *ImprovementTest) Active() bool {
	return !t.Archived && !t.Phase.Terminal()
}

// InRollout reports whether real accounts are currently exposed.
func (t *ImprovementTest) InRollout() bool {
	_, ok := t.Phase.RolloutPercent()
	return ok
}

// Clone returns a deep copy safe to read without holding the test's lock.
func (t *ImprovementTest) Clone() *ImprovementTest {
	cp := *t
	cp.Changes = append([]Change(nil), t.Changes...)
	cp.Control = t.Control.clone()
	cp.Treatment = t.Treatment.clone()
	if t.Shadow != nil {
		sh := *t.Shadow
		sh.Warnings = append([]string(nil), t.Shadow.Warnings...)
		if t.Shadow.Comparison != nil {
			c := *t.Shadow.Comparison
			sh.Comparison = &c
		}
		if t.Shadow.CompletedAt != nil {
			done := *t.Shadow.CompletedAt
			sh.CompletedAt = &done
		}
		cp.Shadow = &sh
	}
	if t.LatestComparison != nil {
		c := *t.LatestComparison
		cp.LatestComparison = &c
	}
	if t.RollbackOutcome != nil {
		r := *t.RollbackOutcome
		r.Issues = append([]string(nil), t.RollbackOutcome.Issues...)
		cp.RollbackOutcome = &r
	}
	if t.CompletedAt != nil {
		done := *t.CompletedAt
		cp.CompletedAt = &done
	}
	if t.ArchivedAt != nil {
		arch := *t.ArchivedAt
		cp.ArchivedAt = &arch
	}
	return &cp
}

func (g *TestGroup) clone() *TestGroup {
	if g == nil {
		return nil
	}
	cp := *g
	cp.AccountIDs = append([]string(nil), g.AccountIDs...)
	if g.Baseline != nil {
		b := *g.Baseline
		cp.Baseline = &b
	}
	if g.Current != nil {
		c := *g.Current
		cp.Current = &c
	}
	return &cp
}
