package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/QuantCanary/canary-trader/internal/model"
)

type Config struct {
	Alpha         float64
	Confidence    float64
	MinSampleSize int
	MinEffectSize float64
	OutlierZScore float64
	Bonferroni    bool
}

// Engine runs the hypothesis-testing battery on per-trade return samples.
// It is stateless; one Engine is shared by all tests.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = 0.05
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		cfg.Confidence = 0.95
	}
	if cfg.MinSampleSize < 2 {
		cfg.MinSampleSize = 30
	}
	if cfg.MinEffectSize <= 0 {
		cfg.MinEffectSize = 0.2
	}
	if cfg.OutlierZScore <= 0 {
		cfg.OutlierZScore = 3
	}
	return &Engine{cfg: cfg}
}

// Analyze runs Welch's t-test, Mann-Whitney U, and Kolmogorov-Smirnov on the
// control and treatment return samples and reports the most conservative
// p-value of the three. Significance requires agreement across tests AND a
// minimum effect size AND a minimum sample size; the p-value alone never
// establishes it. comparisons > 1 enables Bonferroni correction when the
// engine is configured for it.
func (e *Engine) Analyze(control, treatment []float64, comparisons int) model.StatisticalAnalysis {
	control = RemoveOutliers(control, e.cfg.OutlierZScore)
	treatment = RemoveOutliers(treatment, e.cfg.OutlierZScore)

	n := len(control)
	if len(treatment) < n {
		n = len(treatment)
	}
	if n < 2 {
		return model.StatisticalAnalysis{SampleSize: n, PValue: 1}
	}

	_, _, pT := WelchTTest(control, treatment)
	pU := MannWhitneyU(control, treatment)
	pKS := KolmogorovSmirnov(control, treatment)

	p := math.Max(pT, math.Max(pU, pKS))
	d := CohenD(control, treatment)
	lo, hi := WelchCI(control, treatment, e.cfg.Confidence)

	alpha := e.cfg.Alpha
	if e.cfg.Bonferroni && comparisons > 1 {
		alpha /= float64(comparisons)
	}

	return model.StatisticalAnalysis{
		SampleSize:  n,
		PValue:      p,
		EffectSize:  d,
		CILow:       lo,
		CIHigh:      hi,
		Power:       Power(d, n, alpha),
		Significant: p <= alpha && math.Abs(d) >= e.cfg.MinEffectSize && n >= e.cfg.MinSampleSize,
	}
}

// MinSampleSize exposes the configured sample floor for readiness checks.
func (e *Engine) MinSampleSize() int { return e.cfg.MinSampleSize }

// RemoveOutliers drops samples with |z| >= zScore, computed against the
// sample's own mean and standard deviation.
func RemoveOutliers(xs []float64, zScore float64) []float64 {
	if len(xs) < 3 {
		return append([]float64(nil), xs...)
	}
	mean, sd := stat.MeanStdDev(xs, nil)
	if sd == 0 {
		return append([]float64(nil), xs...)
	}
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if math.Abs((x-mean)/sd) < zScore {
			out = append(out, x)
		}
	}
	return out
}

// WelchTTest returns the t statistic, Welch-Satterthwaite degrees of freedom,
// and the two-sided p-value for unequal-variance samples.
func WelchTTest(x, y []float64) (t, df, p float64) {
	nx, ny := float64(len(x)), float64(len(y))
	if nx < 2 || ny < 2 {
		return 0, 0, 1
	}
	mx, my := stat.Mean(x, nil), stat.Mean(y, nil)
	vx, vy := stat.Variance(x, nil), stat.Variance(y, nil)

	se2 := vx/nx + vy/ny
	if se2 == 0 {
		if mx == my {
			return 0, nx + ny - 2, 1
		}
		return math.Inf(sign(my - mx)), nx + ny - 2, 0
	}
	t = (my - mx) / math.Sqrt(se2)

	df = se2 * se2 / (vx*vx/(nx*nx*(nx-1)) + vy*vy/(ny*ny*(ny-1)))
	if df < 1 {
		df = 1
	}

	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p = 2 * dist.CDF(-math.Abs(t))
	return t, df, clampP(p)
}

// MannWhitneyU returns the two-sided p-value of the rank-sum test using the
// normal approximation with tie correction and continuity correction.
func MannWhitneyU(x, y []float64) float64 {
	nx, ny := len(x), len(y)
	if nx < 2 || ny < 2 {
		return 1
	}

	type obs struct {
		v     float64
		fromX bool
	}
	all := make([]obs, 0, nx+ny)
	for _, v := range x {
		all = append(all, obs{v, true})
	}
	for _, v := range y {
		all = append(all, obs{v, false})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].v < all[j].v })

	// Average ranks across ties; accumulate tie-group sizes for the
	// variance correction.
	ranks := make([]float64, len(all))
	var tieTerm float64
	for i := 0; i < len(all); {
		j := i
		for j < len(all) && all[j].v == all[i].v {
			j++
		}
		avg := float64(i+j+1) / 2 // ranks are 1-based
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		tc := float64(j - i)
		tieTerm += tc*tc*tc - tc
		i = j
	}

	var rx float64
	for i, o := range all {
		if o.fromX {
			rx += ranks[i]
		}
	}

	fx, fy := float64(nx), float64(ny)
	u := rx - fx*(fx+1)/2
	mu := fx * fy / 2
	n := fx + fy
	sigma2 := fx * fy / 12 * ((n + 1) - tieTerm/(n*(n-1)))
	if sigma2 <= 0 {
		return 1
	}
	z := (math.Abs(u-mu) - 0.5) / math.Sqrt(sigma2)
	if z < 0 {
		z = 0
	}
	p := 2 * (1 - distuv.UnitNormal.CDF(z))
	return clampP(p)
}

// KolmogorovSmirnov returns the asymptotic two-sided p-value for the
// two-sample KS test.
func KolmogorovSmirnov(x, y []float64) float64 {
	nx, ny := len(x), len(y)
	if nx < 2 || ny < 2 {
		return 1
	}
	xs := append([]float64(nil), x...)
	ys := append([]float64(nil), y...)
	sort.Float64s(xs)
	sort.Float64s(ys)

	d := stat.KolmogorovSmirnov(xs, nil, ys, nil)

	en := math.Sqrt(float64(nx) * float64(ny) / float64(nx+ny))
	lambda := (en + 0.12 + 0.11/en) * d
	return clampP(ksProb(lambda))
}

// ksProb is the asymptotic Kolmogorov distribution tail Q(lambda).
func ksProb(lambda float64) float64 {
	if lambda <= 0 {
		return 1
	}
	var sum float64
	sign := 1.0
	for j := 1; j <= 100; j++ {
		term := sign * math.Exp(-2*float64(j)*float64(j)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	return 2 * sum
}

// CohenD returns the standardized mean difference (treatment minus control)
// using the pooled standard deviation.
func CohenD(control, treatment []float64) float64 {
	nx, ny := float64(len(control)), float64(len(treatment))
	if nx < 2 || ny < 2 {
		return 0
	}
	mx, my := stat.Mean(control, nil), stat.Mean(treatment, nil)
	vx, vy := stat.Variance(control, nil), stat.Variance(treatment, nil)
	pooled := math.Sqrt(((nx-1)*vx + (ny-1)*vy) / (nx + ny - 2))
	if pooled == 0 {
		return 0
	}
	return (my - mx) / pooled
}

// WelchCI returns the confidence interval for the mean difference
// (treatment minus control) using the t-distribution with Welch-adjusted
// degrees of freedom.
func WelchCI(control, treatment []float64, confidence float64) (lo, hi float64) {
	nx, ny := float64(len(control)), float64(len(treatment))
	if nx < 2 || ny < 2 {
		return 0, 0
	}
	mx, my := stat.Mean(control, nil), stat.Mean(treatment, nil)
	vx, vy := stat.Variance(control, nil), stat.Variance(treatment, nil)
	diff := my - mx

	se2 := vx/nx + vy/ny
	if se2 == 0 {
		return diff, diff
	}
	se := math.Sqrt(se2)
	df := se2 * se2 / (vx*vx/(nx*nx*(nx-1)) + vy*vy/(ny*ny*(ny-1)))
	if df < 1 {
		df = 1
	}
	tCrit := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile(1 - (1-confidence)/2)
	return diff - tCrit*se, diff + tCrit*se
}

// Power estimates the probability of detecting effect size d with n samples
// per group at significance level alpha, via the standard normal
// approximation for a two-sample test.
func Power(d float64, n int, alpha float64) float64 {
	if n < 2 || alpha <= 0 || alpha >= 1 {
		return 0
	}
	zAlpha := distuv.UnitNormal.Quantile(1 - alpha/2)
	z := math.Abs(d)*math.Sqrt(float64(n)/2) - zAlpha
	p := distuv.UnitNormal.CDF(z)
	return math.Min(1, math.Max(0, p))
}

func clampP(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func sign(x float64) int {
	if x < 0 {
		return -1
	}
	return 1
}
