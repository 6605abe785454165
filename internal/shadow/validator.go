package shadow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/QuantCanary/canary-trader/internal/compare"
	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/provider"
)

type Config struct {
	MinDuration        time.Duration
	MinSignals         int
	MinTrades          int
	Instruments        []string
	SlippageBps        float64
	CommissionBps      float64
	MinImprovementPct  float64
	MaxDrawdownPct     float64
	MaxRiskScore       float64
	BaselineExpectancy float64
}

// testState is the isolated simulation environment for one shadow test.
// Changes are applied to a cloned configuration only; no live account is
// ever touched here.
type testState struct {
	startedAt time.Time
	signals   int
	returns   []float64
	equity    float64
	peak      float64
	maxDD     float64
}

// Progress reports shadow completion state for the API.
type Progress struct {
	Signals     int       `json:"signals"`
	Trades      int       `json:"trades"`
	MinSignals  int       `json:"min_signals"`
	MinTrades   int       `json:"min_trades"`
	StartedAt   time.Time `json:"started_at"`
	MinDuration string    `json:"min_duration"`
}

// Validator runs proposed changes against simulated signals and trades,
// producing a proceed/modify/reject verdict with zero capital at risk.
type Validator struct {
	cfg        Config
	market     provider.MarketProvider
	comparator *compare.Comparator

	mu     sync.Mutex
	active map[string]*testState

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, market provider.MarketProvider, comparator *compare.Comparator, rng *rand.Rand) *Validator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Validator{
		cfg:        cfg,
		market:     market,
		comparator: comparator,
		active:     make(map[string]*testState),
		rng:        rng,
	}
}

// Start opens an isolated simulation environment for a test.
func (v *Validator) Start(testID string, now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.active[testID]; exists {
		return
	}
	v.active[testID] = &testState{startedAt: now, equity: 1, peak: 1}
}

// Stop discards a test's simulation state.
func (v *Validator) Stop(testID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.active, testID)
}

// Tick advances the simulation one step: it pulls current market state for
// the configured instrument set, derives a signal-generation probability
// from volatility, trend strength, and regime, and simulates fills with
// fixed slippage and commission. Market fetches happen before any lock is
// taken.
func (v *Validator) Tick(ctx context.Context, test *model.ImprovementTest) error {
	states := make([]provider.MarketState, 0, len(v.cfg.Instruments))
	for _, inst := range v.cfg.Instruments {
		ms, err := v.market.MarketState(ctx, inst)
		if err != nil {
			return fmt.Errorf("market state %s: %w", inst, err)
		}
		states = append(states, ms)
	}

	v.mu.Lock()
	st, ok := v.active[test.ID]
	v.mu.Unlock()
	if !ok {
		v.Start(test.ID, test.PhaseStartedAt)
		v.mu.Lock()
		st = v.active[test.ID]
		v.mu.Unlock()
	}

	for _, ms := range states {
		p := signalProbability(ms)
		v.rngMu.Lock()
		fire := v.rng.Float64() < p
		var noise float64
		if fire {
			noise = v.rng.NormFloat64()
		}
		v.rngMu.Unlock()
		if !fire {
			continue
		}

		v.mu.Lock()
		st.signals++
		ret := v.simulateFill(ms, noise)
		st.returns = append(st.returns, ret)
		st.equity *= 1 + ret
		if st.equity > st.peak {
			st.peak = st.equity
		}
		if dd := (st.peak - st.equity) / st.peak; dd > st.maxDD {
			st.maxDD = dd
		}
		v.mu.Unlock()
	}
	return nil
}

// signalProbability is a deterministic function of market state, not a
// learned model: stronger trends and moderate volatility raise it, while a
// volatile regime suppresses it.
func signalProbability(ms provider.MarketState) float64 {
	base := 0.10
	trendTerm := 0.35 * math.Abs(ms.TrendStrength)
	volTerm := 0.15 * math.Min(ms.Volatility/0.20, 1)

	regime := 1.0
	switch ms.Regime {
	case "trending":
		regime = 1.25
	case "ranging":
		regime = 0.80
	case "volatile":
		regime = 0.50
	}

	p := (base + trendTerm + volTerm) * regime
	return math.Min(0.90, math.Max(0, p))
}

// simulateFill produces one simulated trade return: edge proportional to
// trend strength, noise proportional to volatility, minus fixed slippage and
// commission.
func (v *Validator) simulateFill(ms provider.MarketState, noise float64) float64 {
	// Simulated entries always trade with the trend, so the edge depends
	// only on trend magnitude.
	edge := 0.004 * math.Abs(ms.TrendStrength)
	gross := edge + noise*ms.Volatility*0.01
	costs := (v.cfg.SlippageBps + v.cfg.CommissionBps) / 10000
	return gross - costs
}

// Complete evaluates the completion guard: elapsed time, signal count, and
// simulated trade count must all reach their minimums.
func (v *Validator) Complete(testID string, now time.Time) (bool, string) {
	v.mu.Lock()
	st, ok := v.active[testID]
	v.mu.Unlock()
	if !ok {
		return false, "shadow not started"
	}
	if elapsed := now.Sub(st.startedAt); elapsed < v.cfg.MinDuration {
		return false, fmt.Sprintf("shadow duration %s < minimum %s", elapsed.Round(time.Minute), v.cfg.MinDuration)
	}
	if st.signals < v.cfg.MinSignals {
		return false, fmt.Sprintf("signals %d < minimum %d", st.signals, v.cfg.MinSignals)
	}
	if len(st.returns) < v.cfg.MinTrades {
		return false, fmt.Sprintf("simulated trades %d < minimum %d", len(st.returns), v.cfg.MinTrades)
	}
	return true, ""
}

// Progress reports shadow state for the status API.
func (v *Validator) Progress(testID string) (Progress, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.active[testID]
	if !ok {
		return Progress{}, false
	}
	return Progress{
		Signals:     st.signals,
		Trades:      len(st.returns),
		MinSignals:  v.cfg.MinSignals,
		MinTrades:   v.cfg.MinTrades,
		StartedAt:   st.startedAt,
		MinDuration: v.cfg.MinDuration.String(),
	}, true
}

// Evaluate computes the shadow verdict against a live baseline: the control
// group's performance when one exists, otherwise a conservative default.
// Verdict is proceed only if every check passes; modify when checks raise
// warnings but no hard failure; reject when drawdown or the statistical
// sample checks fail.
func (v *Validator) Evaluate(test *model.ImprovementTest, baseline *model.PerformanceMetrics, baselineReturns []float64, now time.Time) (model.ShadowResult, error) {
	v.mu.Lock()
	st, ok := v.active[test.ID]
	if !ok {
		v.mu.Unlock()
		return model.ShadowResult{}, fmt.Errorf("shadow not started for test %s", test.ID)
	}
	returns := append([]float64(nil), st.returns...)
	signals := st.signals
	startedAt := st.startedAt
	maxDD := st.maxDD
	v.mu.Unlock()

	simMetrics := metricsFromReturns(returns, maxDD)

	if baseline == nil {
		baseline = v.defaultBaseline()
	}
	if len(baselineReturns) == 0 {
		baselineReturns = v.syntheticBaseline(len(returns))
	}

	comparison := v.comparator.Compare(*baseline, simMetrics, baselineReturns, returns, 1)
	riskScore := riskScore(maxDD, simMetrics.Volatility)

	var warnings []string
	reject := false

	if maxDD > v.cfg.MaxDrawdownPct {
		reject = true
		warnings = append(warnings, fmt.Sprintf("simulated drawdown %.1f%% exceeds %.1f%%", maxDD*100, v.cfg.MaxDrawdownPct*100))
	}
	if len(returns) < v.cfg.MinTrades {
		reject = true
		warnings = append(warnings, fmt.Sprintf("sample %d below minimum %d", len(returns), v.cfg.MinTrades))
	}
	if comparison.Analysis.Significant && comparison.RelativeImprovement.IsNegative() {
		reject = true
		warnings = append(warnings, "treatment significantly underperforms baseline")
	}

	minImprovement := decimal.NewFromFloat(v.cfg.MinImprovementPct)
	if comparison.RelativeImprovement.LessThan(minImprovement) {
		warnings = append(warnings, fmt.Sprintf("relative improvement %s below minimum %s", comparison.RelativeImprovement, minImprovement))
	}
	maxRisk := decimal.NewFromFloat(v.cfg.MaxRiskScore)
	if riskScore.GreaterThan(maxRisk) {
		warnings = append(warnings, fmt.Sprintf("risk score %s exceeds %s", riskScore, maxRisk))
	}
	if !comparison.Analysis.Significant {
		warnings = append(warnings, "improvement not statistically established")
	}

	verdict := model.VerdictProceed
	switch {
	case reject:
		verdict = model.VerdictReject
	case len(warnings) > 0:
		verdict = model.VerdictModify
	}

	done := now
	return model.ShadowResult{
		Signals:     signals,
		Trades:      len(returns),
		Metrics:     simMetrics,
		Comparison:  &comparison,
		RiskScore:   riskScore,
		Verdict:     verdict,
		Warnings:    warnings,
		StartedAt:   startedAt,
		CompletedAt: &done,
	}, nil
}

func (v *Validator) defaultBaseline() *model.PerformanceMetrics {
	exp := decimal.NewFromFloat(v.cfg.BaselineExpectancy)
	vol := decimal.NewFromFloat(0.01)
	return &model.PerformanceMetrics{
		TradeCount: v.cfg.MinTrades,
		WinRate:    decimal.NewFromFloat(0.5),
		Expectancy: exp,
		Volatility: vol,
		Sharpe:     exp.DivRound(vol, 8),
	}
}

// syntheticBaseline stands in for a missing control-group sample. It draws
// around the conservative default expectancy so the statistical battery has
// something to test against.
func (v *Validator) syntheticBaseline(n int) []float64 {
	if n < 2 {
		n = 2
	}
	out := make([]float64, n)
	v.rngMu.Lock()
	for i := range out {
		out[i] = v.cfg.BaselineExpectancy + v.rng.NormFloat64()*0.005
	}
	v.rngMu.Unlock()
	return out
}

// riskScore combines drawdown and volatility into a 0-100 score; lower is
// safer.
func riskScore(maxDD float64, volatility decimal.Decimal) decimal.Decimal {
	vol, _ := volatility.Float64()
	score := maxDD*400 + vol*150
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return decimal.NewFromFloat(score).Round(2)
}

func metricsFromReturns(returns []float64, maxDD float64) model.PerformanceMetrics {
	m := model.PerformanceMetrics{
		TradeCount:  len(returns),
		MaxDrawdown: decimal.NewFromFloat(maxDD).Round(8),
	}
	if len(returns) == 0 {
		return m
	}
	wins := 0
	var total float64
	for _, r := range returns {
		if r > 0 {
			wins++
		}
		total += r
	}
	mean := total / float64(len(returns))
	m.WinRate = decimal.NewFromFloat(float64(wins) / float64(len(returns))).Round(8)
	m.Expectancy = decimal.NewFromFloat(mean).Round(8)
	m.TotalReturn = decimal.NewFromFloat(total).Round(8)
	if len(returns) > 1 {
		sd := stat.StdDev(returns, nil)
		m.Volatility = decimal.NewFromFloat(sd).Round(8)
		if sd > 0 {
			m.Sharpe = decimal.NewFromFloat(mean / sd).Round(8)
		}
	}
	return m
}
