// Package metrics provides Prometheus instrumentation for the
// matchmaking core: queue depth, pass latency, matches by tier, and
// sweep recovery counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueSize tracks the current number of users waiting to be matched.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_queue_size",
		Help: "Current number of users in the matching queue",
	})

	// MatchesTotal counts created matches, labeled by tier:
	// "exact", "expanded", "guaranteed".
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_matches_total",
		Help: "Total matches created",
	}, []string{"tier"})

	// PassDuration records the wall time of one matching orchestration pass.
	PassDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_pass_duration_seconds",
		Help:    "Matching pass duration in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// PassSkippedTotal counts passes skipped because the global matching
	// lock was held elsewhere.
	PassSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_pass_skipped_total",
		Help: "Matching passes skipped due to lock contention",
	})

	// SweepRecoveredTotal counts entities recovered by timeout sweeps,
	// labeled by sweep: "reveal", "vote", "presence", "audit".
	SweepRecoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchmaker_sweep_recovered_total",
		Help: "Stuck matches/users recovered by background sweeps",
	}, []string{"sweep"})

	// GuaranteedCycles records retry cycles spent per guaranteed-tier call.
	GuaranteedCycles = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchmaker_guaranteed_cycles",
		Help:    "Retry cycles consumed by guaranteed-tier matching calls",
		Buckets: []float64{1, 2, 5, 10, 20, 30},
	})

	// GuaranteedExhaustedTotal counts guaranteed-tier calls that ran out
	// of retries. Should stay at zero in a healthy system.
	GuaranteedExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchmaker_guaranteed_exhausted_total",
		Help: "Guaranteed-tier matching calls that exhausted their retry bound",
	})

	// ActiveSessions tracks pairs currently in a live session.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchmaker_active_sessions",
		Help: "Current number of active two-party sessions",
	})
)

func init() {
	prometheus.MustRegister(
		QueueSize,
		MatchesTotal,
		PassDuration,
		PassSkippedTotal,
		SweepRecoveredTotal,
		GuaranteedCycles,
		GuaranteedExhaustedTotal,
		ActiveSessions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
