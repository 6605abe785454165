package compare

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/QuantCanary/canary-trader/internal/model"
	"github.com/QuantCanary/canary-trader/internal/stats"
)

func metrics(trades int, winRate, expectancy, vol float64) model.PerformanceMetrics {
	exp := decimal.NewFromFloat(expectancy)
	return model.PerformanceMetrics{
		TradeCount:  trades,
		WinRate:     decimal.NewFromFloat(winRate),
		Expectancy:  exp,
		TotalReturn: exp.Mul(decimal.NewFromInt(int64(trades))),
		Volatility:  decimal.NewFromFloat(vol),
	}
}

func TestAggregateRecomputesRates(t *testing.T) {
	a := metrics(100, 0.6, 0.002, 0.01)
	b := metrics(300, 0.4, 0.001, 0.02)
	agg := Aggregate([]model.PerformanceMetrics{a, b})

	if agg.TradeCount != 400 {
		t.Fatalf("trade count: got %d, want 400", agg.TradeCount)
	}
	// (0.6*100 + 0.4*300) / 400 = 0.45, not the naive average 0.5.
	want := decimal.NewFromFloat(0.45)
	if !agg.WinRate.Sub(want).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("win rate: got %s, want %s", agg.WinRate, want)
	}
	if agg.Expectancy.IsZero() {
		t.Fatal("expectancy should be recomputed from totals")
	}
}

func TestAggregateMaxDrawdownIsWorstCase(t *testing.T) {
	a := metrics(10, 0.5, 0.001, 0.01)
	a.MaxDrawdown = decimal.NewFromFloat(0.04)
	b := metrics(10, 0.5, 0.001, 0.01)
	b.MaxDrawdown = decimal.NewFromFloat(0.12)

	agg := Aggregate([]model.PerformanceMetrics{a, b})
	if !agg.MaxDrawdown.Equal(decimal.NewFromFloat(0.12)) {
		t.Fatalf("group drawdown must be the worst account's: got %s", agg.MaxDrawdown)
	}
}

func TestAggregateEmpty(t *testing.T) {
	agg := Aggregate(nil)
	if agg.TradeCount != 0 || !agg.WinRate.IsZero() {
		t.Fatalf("empty aggregate should be zero valued, got %+v", agg)
	}
}

func TestRelativeImprovement(t *testing.T) {
	got := RelativeImprovement(decimal.NewFromFloat(0.002), decimal.NewFromFloat(0.0025))
	want := decimal.NewFromFloat(0.25)
	if !got.Sub(want).Abs().LessThan(decimal.NewFromFloat(1e-6)) {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestRelativeImprovementNegativeControl(t *testing.T) {
	// Moving from -0.002 to -0.001 is an improvement and must be positive.
	got := RelativeImprovement(decimal.NewFromFloat(-0.002), decimal.NewFromFloat(-0.001))
	if !got.IsPositive() {
		t.Fatalf("improvement over a negative baseline should be positive, got %s", got)
	}
}

func TestRelativeImprovementZeroControl(t *testing.T) {
	treatment := decimal.NewFromFloat(0.003)
	if got := RelativeImprovement(decimal.Zero, treatment); !got.Equal(treatment) {
		t.Fatalf("zero control should fall back to the treatment value, got %s", got)
	}
}

func TestCompareFields(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	controlReturns := make([]float64, 60)
	treatmentReturns := make([]float64, 60)
	for i := range controlReturns {
		controlReturns[i] = 0.001 + rng.NormFloat64()*0.01
		treatmentReturns[i] = 0.002 + rng.NormFloat64()*0.01
	}

	control := metrics(60, 0.5, 0.001, 0.01)
	control.Sharpe = decimal.NewFromFloat(0.1)
	treatment := metrics(60, 0.55, 0.002, 0.01)
	treatment.Sharpe = decimal.NewFromFloat(0.2)

	c := New(stats.NewEngine(stats.Config{}))
	cmp := c.Compare(control, treatment, controlReturns, treatmentReturns, 1)

	if !cmp.AbsoluteImprovement.Equal(decimal.NewFromFloat(0.001)) {
		t.Fatalf("absolute improvement: got %s", cmp.AbsoluteImprovement)
	}
	if !cmp.PercentImprovement.Equal(cmp.RelativeImprovement.Mul(decimal.NewFromInt(100))) {
		t.Fatal("percent must be relative times 100")
	}
	if !cmp.RiskAdjustedImprovement.IsPositive() {
		t.Fatalf("sharpe doubled, risk-adjusted improvement should be positive: %s", cmp.RiskAdjustedImprovement)
	}
	if cmp.Analysis.SampleSize == 0 {
		t.Fatal("analysis missing")
	}
	if cmp.MeasuredAt.IsZero() {
		t.Fatal("measured_at missing")
	}
}
