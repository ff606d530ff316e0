package upsert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Records counts upserted records by outcome.
	Records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_upsert_records_total",
			Help: "Total number of records processed by the upsert engine",
		},
		[]string{"outcome"}, // "inserted", "updated", "unchanged", "duplicate"
	)

	// Errors counts record-level failures.
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_upsert_errors_total",
			Help: "Total number of records that failed to upsert",
		},
		[]string{"reason"}, // "invalid", "conflict", "store"
	)

	// ConflictRetries counts transaction retries after write conflicts.
	ConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estate_upsert_conflict_retries_total",
			Help: "Total number of upsert transactions retried after a write conflict",
		},
	)

	// Duration tracks one record graph transaction.
	Duration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estate_upsert_duration_seconds",
			Help:    "Time spent writing one record graph",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)
)
