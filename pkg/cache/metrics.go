package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts count-probe cache hits.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estate_count_cache_hits_total",
			Help: "Total number of count cache hits",
		},
	)

	// CacheMisses counts count-probe cache misses.
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estate_count_cache_misses_total",
			Help: "Total number of count cache misses",
		},
	)

	// CacheErrors tracks cache operation errors.
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_count_cache_errors_total",
			Help: "Total number of count cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
