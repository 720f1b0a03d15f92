// Package cache provides a generic LRU cache.
//
// Statistics are always collected; Prometheus export is opt-in:
//
//	ids, err := cache.NewLRU[struct{}](1000,
//	    cache.WithMetrics[struct{}](registry, "dedup"),
//	)
//
// Get marks an entry as recently used. Peek and Contains do not, so a cache
// that is only ever read with them and written with new keys keeps strict
// insertion order and evicts the oldest insert first. The deduplication
// window relies on that.
//
// Eviction callbacks run outside the cache lock and may call back into the
// cache.
package cache
