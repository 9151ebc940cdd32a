package wgcore

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
)

// PassTimestampWrites asks a pass to write timestamps into a query set at
// its start, its end, or both.
type PassTimestampWrites struct {
	QuerySet                  *QuerySet
	BeginningOfPassWriteIndex *uint32
	EndOfPassWriteIndex       *uint32
}

// pass is the state shared by compute and render passes. All of it is
// guarded by the owning encoder's mutex.
type pass struct {
	encoder *CommandEncoder
	label   string
	binder  binder
	ended   bool
	err     error
}

func newPass(e *CommandEncoder, label string) pass {
	return pass{
		encoder: e,
		label:   label,
		binder:  newBinder(e.device.opts.limits.MaxBindGroups),
	}
}

// record runs fn under the encoder mutex and the destruction guard. The
// first error invalidates the pass and is kept by the encoder, so Finish
// reports it even if the pass is never ended.
func (p *pass) record(fn func(g *snatch.ReadGuard) error) error {
	e := p.encoder
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case p.ended:
		return ErrPassEnded
	case p.err != nil, e.state != encoderLocked:
		return ErrEncoderInvalid
	}
	if err := e.device.check(); err != nil {
		return p.fail(err)
	}
	guard := e.device.snatchLock.Read()
	err := fn(&guard)
	guard.Release()
	if err != nil {
		p.fail(err)
	}
	return err
}

// end marks the pass ended and unlocks the encoder. It reports
// ErrPassEnded on a second call and ErrEncoderInvalid when the pass had
// failed. Caller holds the encoder mutex.
func (p *pass) end() error {
	if p.ended {
		return ErrPassEnded
	}
	p.ended = true
	if p.encoder.state != encoderLocked {
		return ErrEncoderInvalid
	}
	p.encoder.unlock(p.err)
	if p.err != nil {
		return ErrEncoderInvalid
	}
	return nil
}

// fail records err as the pass error unless one is already set, and
// hands it to the encoder. Caller holds the encoder mutex.
func (p *pass) fail(err error) error {
	if p.err == nil {
		p.err = err
		p.encoder.keepErr(err)
	}
	return err
}

// setBindGroup validates and assigns group to slot index. Usage is merged
// by the caller.
func (p *pass) setBindGroup(index uint32, group *BindGroup, offsets []uint32, g *snatch.ReadGuard) error {
	const op = "set bind group"
	if index >= p.binder.maxGroups {
		return &BindGroupIndexOutOfRangeError{Index: index, Max: p.binder.maxGroups}
	}
	if group == nil {
		return validationf(op, "bind group %d is nil", index)
	}
	if err := p.encoder.sameDevice(op, &group.resourceInfo); err != nil {
		return err
	}
	if err := group.checkDynamicOffsets(offsets); err != nil {
		return err
	}
	if err := group.checkLive(g); err != nil {
		return err
	}
	p.encoder.used.addBindGroup(group)
	p.binder.assign(index, group, offsets)
	return nil
}

// setPushConstants validates data and writes it through enc, which is
// nil when the raw pass has no push constant support.
func (p *pass) setPushConstants(stages gputypes.ShaderStages, offset uint32, data []byte, enc PushConstantsEncoder) error {
	const op = "set push constants"
	if enc == nil {
		return fmt.Errorf("%s: %w", op, ErrFeatureNotSupported)
	}
	limit := p.encoder.device.opts.limits.MaxPushConstantSize
	if err := p.binder.checkPushConstants(op, stages, offset, data, limit); err != nil {
		return err
	}
	p.binder.writePushConstants(offset, data, limit)
	enc.SetPushConstants(stages, offset, data)
	return nil
}

// checkTimestampWrites validates tw and returns its raw query set.
func (e *CommandEncoder) checkTimestampWrites(op string, tw *PassTimestampWrites, g *snatch.ReadGuard) (hal.QuerySet, error) {
	qs := tw.QuerySet
	if qs == nil {
		return nil, validationf(op, "timestamp writes without a query set")
	}
	if err := e.sameDevice(op, &qs.resourceInfo); err != nil {
		return nil, err
	}
	if qs.typ != hal.QueryTypeTimestamp {
		return nil, validationf(op, "%q is not a timestamp query set", qs.label)
	}
	begin, end := tw.BeginningOfPassWriteIndex, tw.EndOfPassWriteIndex
	switch {
	case begin == nil && end == nil:
		return nil, validationf(op, "timestamp writes name no query index")
	case begin != nil && *begin >= qs.count, end != nil && *end >= qs.count:
		return nil, validationf(op, "%q: timestamp index out of range (%d queries)", qs.label, qs.count)
	case begin != nil && end != nil && *begin == *end:
		return nil, validationf(op, "%q: beginning and end write the same query %d", qs.label, *begin)
	}
	raw, err := qs.rawQuerySet(g)
	if err != nil {
		return nil, err
	}
	e.used.add(qs)
	return raw, nil
}
