package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished runs
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_refresh_runs_total",
			Help: "Finished refresh runs by policy and final state",
		},
		[]string{"policy", "status"},
	)

	// RunDuration tracks run wall time
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "estate_refresh_run_duration_seconds",
			Help:    "Refresh run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11h
		},
		[]string{"policy"},
	)

	// RecordsTotal counts records by outcome across runs
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_refresh_records_total",
			Help: "Records handled by refresh runs",
		},
		[]string{"policy", "outcome"}, // inserted, updated, unchanged, skipped, duplicate, failed
	)

	// RunActive is 1 while a run is in progress
	RunActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "estate_refresh_run_active",
			Help: "Whether a refresh run is in progress (0/1)",
		},
	)

	// LastRunTimestamp is the finish time of the last run per policy
	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "estate_refresh_last_run_timestamp_seconds",
			Help: "Unix time the last run of a policy finished",
		},
		[]string{"policy"},
	)
)
