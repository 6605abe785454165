package stats

import (
	"math"
	"math/rand"
	"testing"
)

func sample(rng *rand.Rand, n int, mean, sd float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + rng.NormFloat64()*sd
	}
	return out
}

func TestRemoveOutliers(t *testing.T) {
	xs := []float64{1, 1.1, 0.9, 1.05, 0.95, 1.02, 0.98, 100}
	out := RemoveOutliers(xs, 2)
	if len(out) != len(xs)-1 {
		t.Fatalf("expected one outlier removed, got %d of %d kept", len(out), len(xs))
	}
	for _, v := range out {
		if v == 100 {
			t.Fatal("outlier survived filtering")
		}
	}
}

func TestRemoveOutliersSmallSample(t *testing.T) {
	xs := []float64{1, 1000}
	out := RemoveOutliers(xs, 3)
	if len(out) != 2 {
		t.Fatalf("samples under 3 must pass through, got %d", len(out))
	}
}

func TestRemoveOutliersConstantSample(t *testing.T) {
	xs := []float64{5, 5, 5, 5}
	out := RemoveOutliers(xs, 3)
	if len(out) != 4 {
		t.Fatalf("zero-variance sample must pass through, got %d", len(out))
	}
}

func TestWelchTTestIdenticalSamples(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5}
	_, _, p := WelchTTest(xs, xs)
	if p < 0.99 {
		t.Fatalf("identical samples should give p near 1, got %f", p)
	}
}

func TestWelchTTestSeparatedSamples(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := sample(rng, 100, 0, 1)
	y := sample(rng, 100, 2, 1)
	tStat, _, p := WelchTTest(x, y)
	if p > 0.001 {
		t.Fatalf("well separated samples should be significant, got p=%f", p)
	}
	if tStat <= 0 {
		t.Fatalf("treatment above control should give positive t, got %f", tStat)
	}
}

func TestMannWhitneyUNoDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	x := sample(rng, 80, 0, 1)
	y := sample(rng, 80, 0, 1)
	if p := MannWhitneyU(x, y); p < 0.01 {
		t.Fatalf("same-distribution samples unexpectedly significant: p=%f", p)
	}
}

func TestMannWhitneyUShifted(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	x := sample(rng, 80, 0, 1)
	y := sample(rng, 80, 1.5, 1)
	if p := MannWhitneyU(x, y); p > 0.001 {
		t.Fatalf("shifted samples should be significant, got p=%f", p)
	}
}

func TestKolmogorovSmirnovDetectsShift(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	x := sample(rng, 100, 0, 1)
	y := sample(rng, 100, 2, 1)
	if p := KolmogorovSmirnov(x, y); p > 0.001 {
		t.Fatalf("shifted samples should be significant, got p=%f", p)
	}
}

func TestCohenDDirection(t *testing.T) {
	control := []float64{1, 2, 3, 4, 5}
	treatment := []float64{3, 4, 5, 6, 7}
	d := CohenD(control, treatment)
	if d <= 0 {
		t.Fatalf("treatment above control should give positive d, got %f", d)
	}
	if rev := CohenD(treatment, control); rev >= 0 {
		t.Fatalf("reversed groups should flip the sign, got %f", rev)
	}
}

func TestWelchCIContainsTrueDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	control := sample(rng, 500, 0, 1)
	treatment := sample(rng, 500, 1, 1)
	lo, hi := WelchCI(control, treatment, 0.95)
	if lo > 1 || hi < 1 {
		t.Fatalf("95%% CI [%f, %f] should contain the true difference 1", lo, hi)
	}
	if lo >= hi {
		t.Fatalf("degenerate interval [%f, %f]", lo, hi)
	}
}

func TestPowerGrowsWithSampleSize(t *testing.T) {
	small := Power(0.5, 20, 0.05)
	large := Power(0.5, 200, 0.05)
	if large <= small {
		t.Fatalf("power should grow with n: n=20 gives %f, n=200 gives %f", small, large)
	}
	if large < 0.9 {
		t.Fatalf("d=0.5 with n=200 should be well powered, got %f", large)
	}
}

func TestAnalyzeConservativePValue(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	control := sample(rng, 100, 0, 1)
	treatment := sample(rng, 100, 1, 1)

	e := NewEngine(Config{})
	res := e.Analyze(control, treatment, 1)

	_, _, pT := WelchTTest(RemoveOutliers(control, 3), RemoveOutliers(treatment, 3))
	if res.PValue < pT {
		t.Fatalf("reported p %f must be at least the Welch p %f", res.PValue, pT)
	}
}

func TestAnalyzeRequiresEffectSize(t *testing.T) {
	rng := rand.New(rand.NewSource(29))
	// Tiny real effect: with enough data p goes below alpha while d stays
	// under the floor.
	control := sample(rng, 5000, 0, 1)
	treatment := sample(rng, 5000, 0.06, 1)

	e := NewEngine(Config{MinEffectSize: 0.2})
	res := e.Analyze(control, treatment, 1)
	if math.Abs(res.EffectSize) >= 0.2 {
		t.Skipf("draw produced d=%f, wanted under the floor", res.EffectSize)
	}
	if res.Significant {
		t.Fatal("significance must require the minimum effect size")
	}
}

func TestAnalyzeRequiresSampleSize(t *testing.T) {
	control := []float64{0.9, 1.0, 1.1, 0.95, 1.05}
	treatment := []float64{1.9, 2.0, 2.1, 1.95, 2.05}
	e := NewEngine(Config{MinSampleSize: 30})
	res := e.Analyze(control, treatment, 1)
	if res.Significant {
		t.Fatalf("n=%d under the floor must not be significant", res.SampleSize)
	}
}

func TestAnalyzeTinySample(t *testing.T) {
	res := NewEngine(Config{}).Analyze([]float64{1}, []float64{2, 3}, 1)
	if res.PValue != 1 || res.Significant {
		t.Fatalf("degenerate sample should give p=1, got %+v", res)
	}
}

func TestAnalyzeBonferroni(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	control := sample(rng, 100, 0, 1)
	treatment := sample(rng, 100, 0.8, 1)

	plain := NewEngine(Config{}).Analyze(control, treatment, 3)
	corrected := NewEngine(Config{Bonferroni: true}).Analyze(control, treatment, 3)
	if corrected.Power > plain.Power {
		t.Fatalf("corrected alpha must not raise power: %f > %f", corrected.Power, plain.Power)
	}
}
