package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed counts work items by result
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_pool_items_total",
			Help: "Work items handled by the worker pool",
		},
		[]string{"result"}, // completed, failed, not_started
	)

	// ItemDuration tracks work item execution time
	ItemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estate_pool_item_duration_seconds",
			Help:    "Work item execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
		},
	)

	// BusyWorkers is the number of workers executing an item
	BusyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "estate_pool_workers_busy",
			Help: "Workers currently executing a work item",
		},
	)
)
