package planner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CountProbes counts probes by where the answer came from.
	CountProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "estate_planner_count_probes_total",
			Help: "Total number of count probes",
		},
		[]string{"source"}, // "api", "cache"
	)

	// ItemsPlanned is the size of the most recent plan.
	ItemsPlanned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "estate_planner_items_planned",
			Help: "Number of work items in the most recent plan",
		},
	)

	// PlanningInfeasible counts plans that failed.
	PlanningInfeasible = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "estate_planner_infeasible_total",
			Help: "Total number of plans rejected as infeasible",
		},
	)

	// PlanDuration tracks planning time.
	PlanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "estate_planner_plan_duration_seconds",
			Help:    "Time spent planning a run",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)
