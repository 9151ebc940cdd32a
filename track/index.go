package track

import "sync"

// Index is the dense position of a resource in tracker tables.
// It is unrelated to the resource's registry ID: tracker indices are
// recycled as soon as the resource is freed.
type Index uint32

// InvalidIndex marks a resource that has no tracker slot.
const InvalidIndex Index = ^Index(0)

// IndexAllocator hands out dense indices and reuses freed ones.
//
// Thread-safe for concurrent use.
type IndexAllocator struct {
	mu   sync.Mutex
	next Index
	free []Index
}

// NewIndexAllocator returns an empty allocator.
func NewIndexAllocator() *IndexAllocator {
	return &IndexAllocator{}
}

// Alloc returns an unused index, preferring the most recently freed one.
func (a *IndexAllocator) Alloc() Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		return idx
	}
	idx := a.next
	a.next++
	return idx
}

// Free returns idx for reuse. Freeing InvalidIndex is a no-op.
func (a *IndexAllocator) Free(idx Index) {
	if idx == InvalidIndex {
		return
	}
	a.mu.Lock()
	a.free = append(a.free, idx)
	a.mu.Unlock()
}

// InUse returns the number of allocated indices.
func (a *IndexAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.next) - len(a.free)
}
