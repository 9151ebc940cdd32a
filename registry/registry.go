package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
)

// ErrInvalidID is matched by every resolution failure.
var ErrInvalidID = errors.New("registry: invalid id")

// InvalidIDError describes why an ID did not resolve.
type InvalidIDError struct {
	ID     ID
	Reason string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("registry: invalid id %s: %s", e.ID, e.Reason)
}

// Is reports whether target is ErrInvalidID.
func (e *InvalidIDError) Is(target error) bool {
	return target == ErrInvalidID
}

// slot is one arena cell. A vacant slot keeps the epoch the next occupant
// will receive.
type slot[T any] struct {
	value    T
	epoch    Epoch
	occupied bool
}

// Registry is an arena of generational slots.
//
// Thread-safe for concurrent use.
type Registry[T any] struct {
	mu        sync.RWMutex
	backend   gputypes.Backend
	slots     []slot[T]
	free      []Index
	abandoned int
	occupied  int
}

// New creates an empty registry whose IDs carry the given backend tag.
func New[T any](backend gputypes.Backend) *Registry[T] {
	return &Registry[T]{
		backend: backend,
		slots:   make([]slot[T], 0, 64),
	}
}

// Backend returns the backend tag stamped on issued IDs.
func (r *Registry[T]) Backend() gputypes.Backend {
	return r.backend
}

// Allocate stores value in a vacant slot and returns its ID.
// Freed indices are reused most recently freed first.
func (r *Registry[T]) Allocate(value T) ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index Index
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		//nolint:gosec // G115: registries never approach 2^32 slots
		index = Index(len(r.slots))
		r.slots = append(r.slots, slot[T]{epoch: 1})
	}

	s := &r.slots[index]
	s.value = value
	s.occupied = true
	r.occupied++
	return Zip(index, s.epoch, r.backend)
}

// Get resolves id to its value.
func (r *Registry[T]) Get(id ID) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookupLocked(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Contains reports whether id currently resolves.
func (r *Registry[T]) Contains(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, err := r.lookupLocked(id)
	return err == nil
}

// Retire vacates the slot named by id and returns the value it held.
// The slot's epoch is bumped, so id and every copy of it stop resolving.
func (r *Registry[T]) Retire(id ID) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	s, err := r.lookupLocked(id)
	if err != nil {
		return zero, err
	}

	value := s.value
	s.value = zero
	s.occupied = false
	r.occupied--

	if s.epoch == MaxEpoch {
		// The next epoch would wrap onto IDs already handed out.
		r.abandoned++
		return value, nil
	}
	s.epoch++
	r.free = append(r.free, id.Index())
	return value, nil
}

// ForEach calls fn for every occupied slot in index order until fn
// returns false. fn must not call back into the registry.
func (r *Registry[T]) ForEach(fn func(ID, T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		s := &r.slots[i]
		if !s.occupied {
			continue
		}
		//nolint:gosec // G115: index fits uint32, see Allocate
		if !fn(Zip(Index(i), s.epoch, r.backend), s.value) {
			return
		}
	}
}

// Len returns the number of occupied slots.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.occupied
}

// Report is a point-in-time summary of a registry.
type Report struct {
	// Occupied is the number of live values.
	Occupied int
	// Vacant is the number of slots waiting for reuse.
	Vacant int
	// Abandoned is the number of slots retired at MaxEpoch.
	Abandoned int
	// HighestEpoch is the largest epoch among all slots.
	HighestEpoch Epoch
}

// Report summarizes the registry without modifying it.
func (r *Registry[T]) Report() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := Report{
		Occupied:  r.occupied,
		Vacant:    len(r.free),
		Abandoned: r.abandoned,
	}
	for i := range r.slots {
		if e := r.slots[i].epoch; e > rep.HighestEpoch {
			rep.HighestEpoch = e
		}
	}
	return rep
}

// lookupLocked returns the occupied slot matching id.
// Caller must hold r.mu.
func (r *Registry[T]) lookupLocked(id ID) (*slot[T], error) {
	if id.IsZero() {
		return nil, &InvalidIDError{ID: id, Reason: "zero id"}
	}
	if id.Backend() != r.backend {
		return nil, &InvalidIDError{ID: id, Reason: fmt.Sprintf("backend %s, registry serves %s", id.Backend(), r.backend)}
	}
	index := id.Index()
	if int(index) >= len(r.slots) {
		return nil, &InvalidIDError{ID: id, Reason: "index out of range"}
	}
	s := &r.slots[index]
	if !s.occupied {
		return nil, &InvalidIDError{ID: id, Reason: "slot is vacant"}
	}
	if s.epoch != id.Epoch() {
		return nil, &InvalidIDError{ID: id, Reason: fmt.Sprintf("stale epoch %d, slot is at %d", id.Epoch(), s.epoch)}
	}
	return s, nil
}
