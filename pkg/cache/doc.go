// Package cache stores Web API responses in Redis.
//
// The harvester uses it for the EntityDefinitions query only: metadata
// changes rarely and the catalog listing is the slowest single call of a
// run. Collection pages are never cached.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	exec := cache.NewExecutor(httpClient, manager, time.Hour, logger)
//	resp, err := exec.Execute(ctx, catalogURL, nil)
//
// # Freshness
//
// An entry is fresh until its Expires time, taken from the response Expires
// header or, without one, from the executor TTL. Fresh entries are served
// without a request. Stale entries stay in Redis for a grace period and are
// revalidated with If-None-Match or If-Modified-Since; a 304 answer renews
// the entry.
//
// # Metrics
//
//   - harvester_cache_hits_total{layer="redis"} - Cache hits
//   - harvester_cache_misses_total - Cache misses
//   - harvester_cache_size_bytes{layer="redis"} - Bytes written to the cache
//   - harvester_cache_304_responses_total - Successful revalidations
//   - harvester_cache_errors_total{operation} - Cache operation errors
package cache
