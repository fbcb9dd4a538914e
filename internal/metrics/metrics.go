// Package metrics exposes the orchestrator's Prometheus instrumentation:
// stage-duration histograms, active-pipeline gauge, and ledger-write
// counters, scraped from /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StageDuration records how long each pipeline stage takes to execute,
	// labeled by stage name and outcome.
	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aidchain",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of a pipeline stage from entry to exit.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage", "outcome"})

	// ActivePipelines tracks the current size of the pipeline registry.
	ActivePipelines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aidchain",
		Subsystem: "pipeline",
		Name:      "active_total",
		Help:      "Number of pipelines currently in flight.",
	})

	// LedgerWrites counts ledger adapter write calls, labeled by method and
	// outcome (ok, transient_retry, error).
	LedgerWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aidchain",
		Subsystem: "ledger",
		Name:      "writes_total",
		Help:      "Ledger adapter write calls by method and outcome.",
	}, []string{"method", "outcome"})
)

func init() {
	prometheus.MustRegister(StageDuration, ActivePipelines, LedgerWrites)
}

// ObserveStage records a stage's duration and outcome in one call.
func ObserveStage(stage string, outcome string, start time.Time) {
	StageDuration.WithLabelValues(stage, outcome).Observe(time.Since(start).Seconds())
}
