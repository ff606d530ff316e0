package checkpoint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Writes counts persisted checkpoint updates
var Writes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "estate_checkpoint_writes_total",
		Help: "Checkpoint writes by backend and result",
	},
	[]string{"backend", "result"}, // result: ok, error
)
