// Package telemetry holds the process-wide logging, tracing and Prometheus
// instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal counts order actions (place, cancel, reject) by instrument.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_orders_total",
			Help: "Total number of order actions by instrument",
		},
		[]string{"action", "instrument"},
	)

	// FillsTotal counts applied fills.
	FillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_fills_total",
			Help: "Total number of fills by instrument",
		},
		[]string{"instrument"},
	)

	// MatchJobsTotal counts finished match jobs by pool and result.
	MatchJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_match_jobs_total",
			Help: "Total number of match jobs by pool and result",
		},
		[]string{"pool", "result"},
	)

	// MatchJobDuration tracks match job latency.
	MatchJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trade_match_job_duration_seconds",
			Help:    "Match job duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"pool"},
	)

	// DispatchQueueDepth tracks queued jobs per pool.
	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trade_dispatch_queue_depth",
			Help: "Current number of queued jobs per pool",
		},
		[]string{"pool"},
	)

	// DispatchShedTotal counts jobs dropped by the DiscardOldest policy.
	DispatchShedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_dispatch_shed_total",
			Help: "Total number of queued jobs discarded under overload",
		},
		[]string{"pool"},
	)

	// MatchRetriesTotal counts delayed retries by outcome.
	MatchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trade_match_retries_total",
			Help: "Total number of delayed match retries by result",
		},
		[]string{"result"},
	)
)
