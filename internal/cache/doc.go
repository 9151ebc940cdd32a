// Package cache provides a sharded, reference-counted deduplication pool.
//
// Pool[K, V] hands out one shared value per key. Every Acquire takes a
// reference and every Release drops one. A value whose last reference is
// dropped is not destroyed right away: it moves to a per-shard idle LRU
// list so that an identical request shortly after reuses it. When the
// idle list grows past its capacity the oldest idle value is evicted and
// handed to the pool's evict function.
//
//	p := cache.NewPool[string, hal.BindGroupLayout](64, cache.StringHasher, destroy)
//	layout, created, err := p.Acquire(key, create)
//	...
//	p.Release(key)
//
// # Thread Safety
//
// Pool is safe for concurrent use. It must not be copied after creation.
package cache
