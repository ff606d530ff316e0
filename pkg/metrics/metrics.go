// Package metrics exposes the Prometheus registry shared by the pipeline.
// Series are declared with promauto next to the code that updates them
// (client, ratelimit, cache, planner, upsert, pool, checkpoint, refresh);
// this package only serves them.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer every package registers its collectors with.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// API client (pkg/client):
//   - estate_api_requests_total{endpoint, status} (Counter)
//   - estate_api_request_duration_seconds{endpoint} (Histogram)
//   - estate_api_errors_total{class} (Counter): transient, parse, client
//   - estate_api_retries_total{error_class} (Counter)
//   - estate_api_retry_backoff_seconds{error_class} (Histogram)
//   - estate_api_retry_exhausted_total{error_class} (Counter)
//
// Rate limiting (pkg/ratelimit):
//   - estate_ratelimit_wait_seconds (Histogram): time spent waiting for a token
//   - estate_ratelimit_timeouts_total (Counter): waits that hit the deadline
//   - estate_upstream_cooldowns_total (Counter): 429/Retry-After cooldowns recorded
//   - estate_upstream_requests_remaining (Gauge): last X-RateLimit-Remaining seen
//
// Count cache (pkg/cache):
//   - estate_count_cache_hits_total (Counter)
//   - estate_count_cache_misses_total (Counter)
//   - estate_count_cache_errors_total{operation} (Counter)
//
// Planner (pkg/planner):
//   - estate_planner_probes_total (Counter)
//   - estate_planner_work_items (Gauge): items in the last plan
//   - estate_planner_infeasible_total (Counter)
//
// Upsert engine (pkg/upsert):
//   - estate_upsert_records_total{outcome} (Counter): inserted, updated, unchanged, failed
//   - estate_upsert_conflict_retries_total (Counter)
//   - estate_upsert_duplicate_keys_total (Counter)
//
// Worker pool (pkg/pool):
//   - estate_pool_items_total{result} (Counter): completed, failed
//   - estate_pool_item_duration_seconds (Histogram)
//   - estate_pool_busy_workers (Gauge)
//
// Checkpoints (pkg/checkpoint):
//   - estate_checkpoint_marks_total (Counter)
//   - estate_checkpoint_errors_total{operation} (Counter)
//
// Runs (pkg/refresh):
//   - estate_runs_total{policy, status} (Counter)
//   - estate_run_duration_seconds{policy} (Histogram)
//   - estate_last_run_timestamp_seconds{policy} (Gauge)
//
// Example Prometheus Queries:
//
//   # Share of records that changed in the last day
//   sum(increase(estate_upsert_records_total{outcome=~"inserted|updated"}[1d]))
//     / sum(increase(estate_upsert_records_total[1d]))
//
//   # Runs ending in partial failure
//   increase(estate_runs_total{status="partially_failed"}[7d]) > 0
//
//   # Time workers spend blocked on the shared limiter
//   histogram_quantile(0.95, rate(estate_ratelimit_wait_seconds_bucket[5m]))
