package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PagesWalked counts pages handed to handlers.
var PagesWalked = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "estate_pagination_pages_total",
		Help: "Total number of search pages walked",
	},
)
