// Package metrics exposes the orchestrator's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgelab_jobs_created_total",
		Help: "The total number of generation jobs created.",
	})

	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgelab_worker_ticks_total",
		Help: "The total number of worker tick invocations.",
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgelab_jobs_processed_total",
		Help: "Jobs observed by the tick loop, by outcome.",
	}, []string{"outcome"}) // outcome: advanced, completed, skipped, unchanged

	JobsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgelab_jobs_terminal_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"status"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "forgelab_worker_tick_duration_seconds",
		Help:    "Duration of one worker tick.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
