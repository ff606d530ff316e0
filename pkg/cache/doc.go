// Package cache stores planner count probes in Redis.
//
// The planner asks the API how many rows a query matches before deciding
// whether to subdivide it. Caching those answers for a short TTL keeps a
// run planning against the same numbers a preceding plan command saw, and
// saves one request per query when several runs plan the same scope.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(redisClient, 15*time.Minute)
//	key := cache.KeyFor(query)
//
//	n, err := manager.GetCount(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		n, err = apiClient.Count(ctx, query)
//		_ = manager.SetCount(ctx, key, n)
//	}
//
// # Metrics
//
//   - estate_count_cache_hits_total
//   - estate_count_cache_misses_total
//   - estate_count_cache_errors_total{operation}
package cache
