// Package registry provides generational identifiers and the arena that
// issues them.
//
// An [ID] packs a slot index, an epoch and a backend tag into one uint64.
// A [Registry] hands out IDs for the values it stores. When a value is
// retired its slot becomes vacant and the epoch is bumped, so every ID that
// was issued for the old occupant stops resolving even after the index is
// handed to a new value.
//
//	reg := registry.New[*Buffer](gputypes.BackendVulkan)
//	id := reg.Allocate(buf)
//	b, err := reg.Get(id)      // ok
//	_, _ = reg.Retire(id)
//	_, err = reg.Get(id)       // errors.Is(err, registry.ErrInvalidID)
//
// Registry is safe for concurrent use. Get holds the read lock while it
// inspects a slot and Retire holds the write lock, so a retire never
// completes while a resolve that started before it is still running.
package registry
