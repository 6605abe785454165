package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide collector set for the improvement pipeline.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CycleErrors       prometheus.Counter
	ActiveTests       prometheus.Gauge
	AllocatedAccounts prometheus.Gauge
	PhaseTransitions  *prometheus.CounterVec
	RollbacksTotal    *prometheus.CounterVec
	ShadowVerdicts    *prometheus.CounterVec
	SuccessRate       prometheus.Gauge
	CycleDuration     prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canary", Name: "cycles_total",
			Help: "Completed improvement cycles.",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canary", Name: "cycle_errors_total",
			Help: "Cycles that finished with at least one test error.",
		}),
		ActiveTests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canary", Name: "active_tests",
			Help: "Tests currently in shadow or rollout.",
		}),
		AllocatedAccounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canary", Name: "allocated_accounts",
			Help: "Accounts held by any test group.",
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canary", Name: "phase_transitions_total",
			Help: "Phase transitions by target phase.",
		}, []string{"phase"}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canary", Name: "rollbacks_total",
			Help: "Executed rollbacks by severity.",
		}, []string{"severity"}),
		ShadowVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canary", Name: "shadow_verdicts_total",
			Help: "Shadow validation verdicts.",
		}, []string{"verdict"}),
		SuccessRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "canary", Name: "success_rate",
			Help: "Completed over completed plus rolled back.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "canary", Name: "cycle_duration_seconds",
			Help:    "Wall time of one improvement cycle.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
	reg.MustRegister(
		m.CyclesTotal, m.CycleErrors, m.ActiveTests, m.AllocatedAccounts,
		m.PhaseTransitions, m.RollbacksTotal, m.ShadowVerdicts,
		m.SuccessRate, m.CycleDuration,
	)
	return m
}
