package wgcore

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

// dispatchIndirectSize is the size of the arguments read by
// DispatchIndirect: three uint32 workgroup counts.
const dispatchIndirectSize = 12

// ComputePassDescriptor describes a compute pass.
type ComputePassDescriptor struct {
	Label           string
	TimestampWrites *PassTimestampWrites
}

// ComputePass records dispatches. Each dispatch is its own usage scope:
// the groups bound at the dispatch are merged, and barriers against
// earlier commands are recorded right before it.
//
// The encoder is locked until End.
type ComputePass struct {
	pass
	raw      hal.ComputePassEncoder
	pipeline *ComputePipeline
	scope    *track.UsageScope
}

// BeginComputePass opens a compute pass on the encoder.
func (e *CommandEncoder) BeginComputePass(desc *ComputePassDescriptor) (*ComputePass, error) {
	const op = "begin compute pass"
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lock(); err != nil {
		return nil, err
	}
	var d ComputePassDescriptor
	if desc != nil {
		d = *desc
	}
	halDesc := &hal.ComputePassDescriptor{Label: d.Label}
	if d.TimestampWrites != nil {
		guard := e.device.snatchLock.Read()
		qs, err := e.checkTimestampWrites(op, d.TimestampWrites, &guard)
		guard.Release()
		if err != nil {
			e.unlock(err)
			return nil, err
		}
		halDesc.TimestampWrites = &hal.ComputePassTimestampWrites{
			QuerySet:                  qs,
			BeginningOfPassWriteIndex: d.TimestampWrites.BeginningOfPassWriteIndex,
			EndOfPassWriteIndex:       d.TimestampWrites.EndOfPassWriteIndex,
		}
	}
	return &ComputePass{
		pass:  newPass(e, d.Label),
		raw:   e.raw.BeginComputePass(halDesc),
		scope: track.NewUsageScope(e.device.opts.policy),
	}, nil
}

// SetPipeline sets the pipeline for later dispatches.
func (p *ComputePass) SetPipeline(pipeline *ComputePipeline) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		if pipeline == nil {
			return validationf("set pipeline", "pipeline is nil")
		}
		if err := p.encoder.sameDevice("set pipeline", &pipeline.resourceInfo); err != nil {
			return err
		}
		p.encoder.used.add(pipeline)
		p.pipeline = pipeline
		p.binder.changeLayout(pipeline.layout)
		p.raw.SetPipeline(pipeline.raw)
		return nil
	})
}

// SetBindGroup assigns group to slot index. offsets supply the group's
// dynamic buffer offsets in binding order.
func (p *ComputePass) SetBindGroup(index uint32, group *BindGroup, offsets []uint32) error {
	return p.record(func(g *snatch.ReadGuard) error {
		return p.setBindGroup(index, group, offsets, g)
	})
}

// SetPushConstants writes data at offset into the push constants of
// stages. The raw pass must implement PushConstantsEncoder.
func (p *ComputePass) SetPushConstants(stages gputypes.ShaderStages, offset uint32, data []byte) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		enc, _ := p.raw.(PushConstantsEncoder)
		return p.setPushConstants(stages, offset, data, enc)
	})
}

// Dispatch runs x*y*z workgroups.
func (p *ComputePass) Dispatch(x, y, z uint32) error {
	const op = "dispatch"
	return p.record(func(g *snatch.ReadGuard) error {
		if err := p.checkDispatch(op); err != nil {
			return err
		}
		limit := p.encoder.device.opts.limits.MaxComputeWorkgroupsPerDimension
		if x > limit || y > limit || z > limit {
			return validationf(op, "workgroup counts (%d, %d, %d) exceed %d", x, y, z, limit)
		}
		if err := p.flush(nil, 0, g); err != nil {
			return err
		}
		p.raw.Dispatch(x, y, z)
		return nil
	})
}

// DispatchIndirect runs the workgroup counts stored at offset in buf.
func (p *ComputePass) DispatchIndirect(buf *Buffer, offset uint64) error {
	const op = "dispatch indirect"
	return p.record(func(g *snatch.ReadGuard) error {
		if err := p.checkDispatch(op); err != nil {
			return err
		}
		raw, err := checkIndirect(op, p.encoder, buf, offset, dispatchIndirectSize, g)
		if err != nil {
			return err
		}
		if err := p.flush(buf, offset, g); err != nil {
			return err
		}
		p.raw.DispatchIndirect(raw, offset)
		return nil
	})
}

func (p *ComputePass) checkDispatch(op string) error {
	if p.pipeline == nil {
		return validationf(op, "no compute pipeline is set")
	}
	return p.binder.check(op)
}

// flush builds the dispatch scope, records the barriers it needs and
// makes the bind and push constant calls the binder still owes.
func (p *ComputePass) flush(indirect *Buffer, offset uint64, g *snatch.ReadGuard) error {
	e := p.encoder
	defer p.scope.Clear()

	var err error
	p.binder.groups(func(_ uint32, s *binderSlot) {
		if err != nil {
			return
		}
		if err = s.group.checkLive(g); err != nil {
			return
		}
		err = conflictError(p.label, s.group.mergeInto(p.scope, s.offsets))
	})
	if err != nil {
		return err
	}
	if indirect != nil {
		e.used.addBuffer(indirect)
		r := track.Range{Start: offset, End: offset + dispatchIndirectSize}
		if err := p.scope.MergeBuffer(indirect.trackerIndex, r, track.BufferUsesIndirect, track.NoSource); err != nil {
			return conflictError(p.label, err)
		}
	}

	e.emit(e.tracker.SetFromScope(p.scope), g)
	p.binder.flush(p.raw.SetBindGroup)
	enc, _ := p.raw.(PushConstantsEncoder)
	p.binder.flushPushConstants(enc, e.device.opts.limits.MaxPushConstantSize)
	return nil
}

// End closes the pass and unlocks the encoder. A pass that failed leaves
// the encoder invalid; End then returns ErrEncoderInvalid and Finish
// returns the original error.
func (p *ComputePass) End() error {
	e := p.encoder
	e.mu.Lock()
	defer e.mu.Unlock()
	if !p.ended && e.state == encoderLocked {
		p.raw.End()
	}
	return p.end()
}

// checkIndirect validates an indirect argument buffer and returns its raw
// handle.
func checkIndirect(op string, e *CommandEncoder, buf *Buffer, offset, size uint64, g *snatch.ReadGuard) (hal.Buffer, error) {
	if buf == nil {
		return nil, validationf(op, "indirect buffer is nil")
	}
	if err := e.sameDevice(op, &buf.resourceInfo); err != nil {
		return nil, err
	}
	if err := buf.requireUsage(gputypes.BufferUsageIndirect); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, validationf(op, "%q: indirect offset %d is not a multiple of 4", buf.label, offset)
	}
	if _, err := resolveRange(op, buf, offset, size); err != nil {
		return nil, err
	}
	return buf.rawBuffer(g)
}
