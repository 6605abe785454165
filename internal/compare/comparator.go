package compare

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/stats"
)

// Comparator turns account-level metrics into one defensible control-vs-
// treatment answer.
type Comparator struct {
	engine *stats.Engine
}

func New(engine *stats.Engine) *Comparator {
	return &Comparator{engine: engine}
}

// Aggregate combines account-level metrics into one group metric set.
// Trade counts and returns sum; rates and ratios are recomputed from the
// summed counts, never averaged directly.
func Aggregate(accounts []model.PerformanceMetrics) model.PerformanceMetrics {
	var (
		trades      int
		wins        decimal.Decimal
		totalReturn decimal.Decimal
		volWeighted decimal.Decimal
		maxDD       decimal.Decimal
	)
	for _, m := range accounts {
		trades += m.TradeCount
		count := decimal.NewFromInt(int64(m.TradeCount))
		wins = wins.Add(m.WinRate.Mul(count))
		totalReturn = totalReturn.Add(m.TotalReturn)
		// Pool variance weighted by trade count; unwound to a group
		// volatility below.
		volWeighted = volWeighted.Add(m.Volatility.Mul(m.Volatility).Mul(count))
		if m.MaxDrawdown.GreaterThan(maxDD) {
			maxDD = m.MaxDrawdown
		}
	}

	agg := model.PerformanceMetrics{TradeCount: trades, TotalReturn: totalReturn, MaxDrawdown: maxDD}
	if trades == 0 {
		return agg
	}
	count := decimal.NewFromInt(int64(trades))
	agg.WinRate = wins.DivRound(count, 8)
	agg.Expectancy = totalReturn.DivRound(count, 8)

	pooledVar := volWeighted.DivRound(count, 12)
	vol, _ := pooledVar.Float64()
	agg.Volatility = decimalSqrt(vol)
	if agg.Volatility.IsPositive() {
		agg.Sharpe = agg.Expectancy.DivRound(agg.Volatility, 8)
	}
	return agg
}

// Compare produces a PerformanceComparison for aggregated group metrics and
// the raw per-trade return samples behind them. comparisons is the number of
// simultaneous checks this cycle, for Bonferroni correction.
func (c *Comparator) Compare(control, treatment model.PerformanceMetrics, controlReturns, treatmentReturns []float64, comparisons int) model.PerformanceComparison {
	relative := RelativeImprovement(control.Expectancy, treatment.Expectancy)
	absolute := treatment.Expectancy.Sub(control.Expectancy)

	return model.PerformanceComparison{
		Control:                 control,
		Treatment:               treatment,
		RelativeImprovement:     relative,
		AbsoluteImprovement:     absolute,
		PercentImprovement:      relative.Mul(decimal.NewFromInt(100)),
		RiskAdjustedImprovement: RelativeImprovement(control.Sharpe, treatment.Sharpe),
		Analysis:                c.engine.Analyze(controlReturns, treatmentReturns, comparisons),
		MeasuredAt:              time.Now().UTC(),
	}
}

// RelativeImprovement is (treatment - control) / |control|, falling back to
// the treatment value directly when control is zero.
func RelativeImprovement(control, treatment decimal.Decimal) decimal.Decimal {
	if control.IsZero() {
		return treatment
	}
	return treatment.Sub(control).DivRound(control.Abs(), 8)
}

// decimalSqrt converts through float64; volatility precision beyond eight
// places is noise.
func decimalSqrt(v float64) decimal.Decimal {
	if v <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(v)).Round(8)
}
