package wgcore

import (
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/wgcore/registry"
	"github.com/gogpu/wgcore/track"
)

// SubmissionIndex identifies one Queue.Submit call. Indices start at 1
// and increase monotonically per device.
type SubmissionIndex uint64

// resourceInfo is embedded by every resource.
//
// refs counts the registry's reference plus one per command buffer, bind
// group, view or pipeline holding the resource. The resource is freed when
// it drops to zero, once every submission that used it has completed.
type resourceInfo struct {
	device       *Device
	kind         ResourceKind
	label        string
	id           registry.ID
	trackerIndex track.Index

	refs           atomic.Int32
	lastSubmission atomic.Uint64
}

func (r *resourceInfo) init(d *Device, kind ResourceKind, label string) {
	r.device = d
	r.kind = kind
	r.label = label
	r.trackerIndex = track.InvalidIndex
	r.refs.Store(1)
}

func (r *resourceInfo) info() *resourceInfo { return r }

// ID returns the resource's registry ID.
func (r *resourceInfo) ID() registry.ID { return r.id }

// Label returns the debug label given at creation.
func (r *resourceInfo) Label() string { return r.label }

// Kind returns the resource category.
func (r *resourceInfo) Kind() ResourceKind { return r.kind }

// usedIn records that submission index uses the resource.
func (r *resourceInfo) usedIn(index SubmissionIndex) {
	for {
		cur := r.lastSubmission.Load()
		if cur >= uint64(index) || r.lastSubmission.CompareAndSwap(cur, uint64(index)) {
			return
		}
	}
}

func (r *resourceInfo) lastUse() SubmissionIndex {
	return SubmissionIndex(r.lastSubmission.Load())
}

// trackedResource is implemented by every resource type.
type trackedResource interface {
	info() *resourceInfo
	// free releases the raw handle and every reference the resource holds.
	// It runs once, after the last reference is dropped and the last
	// submission using the resource has completed.
	free()
}

func acquire(r trackedResource) {
	r.info().refs.Add(1)
}

// release drops one reference and schedules free on the last one.
func release(r trackedResource) {
	info := r.info()
	n := info.refs.Add(-1)
	if n < 0 {
		info.device.logEvent(slog.LevelWarn, "wgcore: reference count underflow", "kind", info.kind.String(), "label", info.label)
	}
	if n != 0 {
		return
	}
	info.device.lifetime.schedule(info.lastUse(), info.kind, info.label, r.free)
}

// retire removes id from reg and drops the registry's reference.
// A second call reports ErrInvalidHandle.
func retire[T trackedResource](reg *registry.Registry[T], id registry.ID) error {
	r, err := reg.Retire(id)
	if err != nil {
		return invalidHandle(err)
	}
	release(r)
	return nil
}

// lookup resolves id in reg.
func lookup[T any](reg *registry.Registry[T], id registry.ID) (T, error) {
	v, err := reg.Get(id)
	if err != nil {
		return v, invalidHandle(err)
	}
	return v, nil
}

func invalidHandle(err error) error {
	return &handleError{err: err}
}

// handleError matches both ErrInvalidHandle and registry.ErrInvalidID.
type handleError struct{ err error }

func (e *handleError) Error() string        { return "wgcore: " + e.err.Error() }
func (e *handleError) Is(target error) bool { return target == ErrInvalidHandle }
func (e *handleError) Unwrap() error        { return e.err }
