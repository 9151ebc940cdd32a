package cache

import (
	"errors"
	"strconv"
	"sync"
	"testing"
)

// =============================================================================
// Acquire / Release
// =============================================================================

func TestPoolDedup(t *testing.T) {
	p := NewPool[string, int](4, StringHasher, nil)
	calls := 0
	create := func() (int, error) {
		calls++
		return calls * 10, nil
	}

	v1, created, err := p.Acquire("a", create)
	if err != nil || !created || v1 != 10 {
		t.Fatalf("first Acquire = %d, %v, %v", v1, created, err)
	}
	v2, created, err := p.Acquire("a", create)
	if err != nil || created || v2 != 10 {
		t.Fatalf("second Acquire = %d, %v, %v", v2, created, err)
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
	if got := p.Refs("a"); got != 2 {
		t.Errorf("Refs = %d, want 2", got)
	}

	st := p.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Len != 1 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestPoolCreateError(t *testing.T) {
	p := NewPool[string, int](4, StringHasher, nil)
	boom := errors.New("boom")
	if _, _, err := p.Acquire("a", func() (int, error) { return 0, boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if p.Len() != 0 {
		t.Errorf("failed create was pooled")
	}
}

func TestPoolIdleReuse(t *testing.T) {
	var evicted []int
	p := NewPool[string, int](4, StringHasher, func(v int) { evicted = append(evicted, v) })
	create := func() (int, error) { return 7, nil }

	p.Acquire("a", create)
	p.Release("a")
	if st := p.Stats(); st.Idle != 1 || st.Len != 1 {
		t.Fatalf("after release: %+v", st)
	}

	_, created, _ := p.Acquire("a", create)
	if created {
		t.Error("idle value was recreated")
	}
	if st := p.Stats(); st.Idle != 0 {
		t.Errorf("reacquired value still idle: %+v", st)
	}
	if len(evicted) != 0 {
		t.Errorf("evicted = %v", evicted)
	}
}

func TestPoolZeroIdleCapacity(t *testing.T) {
	var evicted []int
	p := NewPool[string, int](0, StringHasher, func(v int) { evicted = append(evicted, v) })

	p.Acquire("a", func() (int, error) { return 1, nil })
	p.Acquire("a", func() (int, error) { return 2, nil })
	p.Release("a")
	if len(evicted) != 0 {
		t.Fatalf("evicted with a live reference: %v", evicted)
	}
	p.Release("a")
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("evicted = %v, want [1]", evicted)
	}
	p.Release("a")
	if len(evicted) != 1 {
		t.Errorf("extra release evicted again: %v", evicted)
	}
}

func TestPoolIdleEvictionOrder(t *testing.T) {
	// Identity hash on small ints puts every key in shard 0.
	var evicted []uint64
	p := NewPool[uint64, uint64](2, func(k uint64) uint64 { return k * ShardCount },
		func(v uint64) { evicted = append(evicted, v) })

	for k := uint64(1); k <= 3; k++ {
		p.Acquire(k, func() (uint64, error) { return k, nil })
	}
	for k := uint64(1); k <= 3; k++ {
		p.Release(k)
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Errorf("evicted = %v, want the oldest idle key [1]", evicted)
	}
}

func TestPoolDrain(t *testing.T) {
	evicted := 0
	p := NewPool[string, int](-1, StringHasher, func(int) { evicted++ })
	for i := range 20 {
		p.Acquire(strconv.Itoa(i), func() (int, error) { return i, nil })
	}
	p.Release("3")

	if n := p.Drain(); n != 20 {
		t.Errorf("Drain = %d, want 20", n)
	}
	if evicted != 20 || p.Len() != 0 {
		t.Errorf("evicted = %d, Len = %d", evicted, p.Len())
	}
	if st := p.Stats(); st.Idle != 0 {
		t.Errorf("idle after drain = %d", st.Idle)
	}
}

// =============================================================================
// Concurrency
// =============================================================================

func TestPoolConcurrent(t *testing.T) {
	p := NewPool[string, int](DefaultIdleCapacity, StringHasher, nil)
	var created sync.Map

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				key := strconv.Itoa(i % 10)
				_, ok, _ := p.Acquire(key, func() (int, error) { return g, nil })
				if ok {
					if _, dup := created.LoadOrStore(key, true); dup {
						t.Errorf("key %s created twice", key)
					}
				}
			}
		}()
	}
	wg.Wait()

	for i := range 10 {
		if got := p.Refs(strconv.Itoa(i)); got != 80 {
			t.Errorf("Refs(%d) = %d, want 80", i, got)
		}
	}
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkPoolAcquireHit(b *testing.B) {
	p := NewPool[string, int](DefaultIdleCapacity, StringHasher, nil)
	p.Acquire("layout", func() (int, error) { return 1, nil })
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		p.Acquire("layout", nil)
		p.Release("layout")
	}
}
