package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const (
	// ShardCount is the number of shards. Must be a power of 2.
	ShardCount = 16

	// DefaultIdleCapacity is the default number of idle values kept per shard.
	DefaultIdleCapacity = 16

	shardMask = ShardCount - 1
)

// Hasher computes the hash used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes the FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Len       int // pooled values, referenced or idle
	Idle      int // pooled values with no references
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Pool shares one value per key between every holder of that key.
type Pool[K comparable, V any] struct {
	shards  [ShardCount]*poolShard[K, V]
	hasher  Hasher[K]
	idleCap int
	evict   func(V)

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type poolShard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*poolEntry[K, V]
	idle    *lruList[K]
}

// poolEntry is on the idle list exactly when refs is zero.
type poolEntry[K comparable, V any] struct {
	value V
	refs  int
	node  *lruNode[K]
}

// NewPool creates a pool keeping at most idleCapacity unreferenced values
// per shard. A negative idleCapacity selects DefaultIdleCapacity; zero
// evicts values as soon as their last reference is released. evict is
// called, with the shard locked, for every value leaving the pool; it may
// be nil.
func NewPool[K comparable, V any](idleCapacity int, hasher Hasher[K], evict func(V)) *Pool[K, V] {
	if idleCapacity < 0 {
		idleCapacity = DefaultIdleCapacity
	}
	if evict == nil {
		evict = func(V) {}
	}
	p := &Pool[K, V]{
		hasher:  hasher,
		idleCap: idleCapacity,
		evict:   evict,
	}
	for i := range p.shards {
		p.shards[i] = &poolShard[K, V]{
			entries: make(map[K]*poolEntry[K, V]),
			idle:    newLRUList[K](),
		}
	}
	return p
}

func (p *Pool[K, V]) shard(key K) *poolShard[K, V] {
	return p.shards[p.hasher(key)&shardMask]
}

// Acquire returns the value pooled under key and takes a reference to it.
// On a miss, create is called with the shard lock held and its result is
// pooled; created reports whether that happened. A failed create pools
// nothing.
func (p *Pool[K, V]) Acquire(key K, create func() (V, error)) (value V, created bool, err error) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		if e.node != nil {
			s.idle.Remove(e.node)
			e.node = nil
		}
		e.refs++
		p.hits.Add(1)
		return e.value, false, nil
	}

	p.misses.Add(1)
	v, err := create()
	if err != nil {
		var zero V
		return zero, false, err
	}
	s.entries[key] = &poolEntry[K, V]{value: v, refs: 1}
	return v, true, nil
}

// Release drops one reference to the value pooled under key. Releasing an
// unknown or unreferenced key is a no-op.
func (p *Pool[K, V]) Release(key K) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.refs == 0 {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.node = s.idle.PushFront(key)
	for s.idle.Len() > p.idleCap {
		oldest, ok := s.idle.RemoveOldest()
		if !ok {
			break
		}
		victim := s.entries[oldest]
		delete(s.entries, oldest)
		p.evictions.Add(1)
		p.evict(victim.value)
	}
}

// Refs returns the number of references held on key.
func (p *Pool[K, V]) Refs(key K) int {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.refs
	}
	return 0
}

// Drain evicts every pooled value, referenced or not, and returns how
// many were evicted. Used at device teardown.
func (p *Pool[K, V]) Drain() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			delete(s.entries, key)
			p.evict(e.value)
			n++
		}
		s.idle.Clear()
		s.mu.Unlock()
	}
	p.evictions.Add(uint64(n)) //nolint:gosec // G115: n is non-negative
	return n
}

// Len returns the number of pooled values across all shards.
func (p *Pool[K, V]) Len() int {
	total := 0
	for _, s := range p.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats returns current pool statistics.
func (p *Pool[K, V]) Stats() Stats {
	st := Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
	}
	for _, s := range p.shards {
		s.mu.Lock()
		st.Len += len(s.entries)
		st.Idle += s.idle.Len()
		s.mu.Unlock()
	}
	return st
}
