package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProbeAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerun_probe_attempts_total",
			Help: "Readiness probe attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	PhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerun_phases_total",
			Help: "Bootstrap phases run, by phase and final status",
		},
		[]string{"phase", "status"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prerun_phase_duration_seconds",
			Help:    "Bootstrap phase duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	BootstrapRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prerun_bootstrap_runs_total",
			Help: "Bootstrap runs by overall status",
		},
		[]string{"status"},
	)
)
