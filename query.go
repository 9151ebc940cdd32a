package wgcore

import (
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
)

// maxQueryCount is the largest query set that may be created.
const maxQueryCount = 4096

// QuerySetDescriptor describes a query set.
type QuerySetDescriptor struct {
	Label string
	Type  hal.QueryType
	Count uint32
}

// QuerySet holds occlusion or timestamp query results until they are
// resolved into a buffer.
type QuerySet struct {
	resourceInfo
	raw   snatch.Snatchable[hal.QuerySet]
	typ   hal.QueryType
	count uint32
}

// CreateQuerySet validates desc and creates a query set. Backends without
// timestamp support fail with ErrFeatureNotSupported.
func (d *Device) CreateQuerySet(desc *QuerySetDescriptor) (*QuerySet, error) {
	const op = "create query set"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, validationf(op, "descriptor is nil")
	}
	if desc.Count == 0 || desc.Count > maxQueryCount {
		return nil, validationf(op, "%q: count %d is not in [1,%d]", desc.Label, desc.Count, maxQueryCount)
	}
	if desc.Type != hal.QueryTypeOcclusion && desc.Type != hal.QueryTypeTimestamp {
		return nil, validationf(op, "%q: unknown query type %d", desc.Label, desc.Type)
	}
	raw, err := d.raw.CreateQuerySet(&hal.QuerySetDescriptor{Label: desc.Label, Type: desc.Type, Count: desc.Count})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	q := &QuerySet{raw: snatch.New(raw), typ: desc.Type, count: desc.Count}
	q.init(d, KindQuerySet, desc.Label)
	return register(d.querySets, q), nil
}

// Type returns the query type.
func (q *QuerySet) Type() hal.QueryType { return q.typ }

// Count returns the number of queries.
func (q *QuerySet) Count() uint32 { return q.count }

func (q *QuerySet) destroyedError() error {
	return &DestroyedResourceError{Kind: KindQuerySet, Label: q.label}
}

func (q *QuerySet) checkLive(g *snatch.ReadGuard) error {
	if _, ok := q.raw.Get(g); !ok {
		return q.destroyedError()
	}
	return nil
}

func (q *QuerySet) rawQuerySet(g *snatch.ReadGuard) (hal.QuerySet, error) {
	raw, ok := q.raw.Get(g)
	if !ok {
		return nil, q.destroyedError()
	}
	return raw, nil
}

// Destroy frees the query set once the submissions using it complete.
// A second Destroy returns a DestroyedResourceError.
func (q *QuerySet) Destroy() error {
	d := q.device
	guard := d.snatchLock.Write()
	raw, ok := q.raw.Snatch(&guard)
	guard.Release()
	if !ok {
		return q.destroyedError()
	}
	d.lifetime.schedule(q.lastUse(), KindQuerySet, q.label, func() {
		d.raw.DestroyQuerySet(raw)
	})
	return nil
}

// Release retires the query set's ID.
func (q *QuerySet) Release() error {
	return retire(q.device.querySets, q.id)
}

func (q *QuerySet) free() {
	d := q.device
	guard := d.snatchLock.Write()
	raw, ok := q.raw.Snatch(&guard)
	guard.Release()
	if ok {
		d.raw.DestroyQuerySet(raw)
	}
}
