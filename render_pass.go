package wgcore

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

const (
	drawIndirectSize        = 16
	drawIndexedIndirectSize = 20
)

// RenderPassColorAttachment is one color target of a render pass.
type RenderPassColorAttachment struct {
	View          *TextureView
	ResolveTarget *TextureView
	LoadOp        gputypes.LoadOp
	StoreOp       gputypes.StoreOp
	ClearValue    gputypes.Color
}

// RenderPassDepthStencilAttachment is the depth-stencil target of a
// render pass. Read-only aspects ignore their load and store operations.
type RenderPassDepthStencilAttachment struct {
	View              *TextureView
	DepthLoadOp       gputypes.LoadOp
	DepthStoreOp      gputypes.StoreOp
	DepthClearValue   float32
	DepthReadOnly     bool
	StencilLoadOp     gputypes.LoadOp
	StencilStoreOp    gputypes.StoreOp
	StencilClearValue uint32
	StencilReadOnly   bool
}

// RenderPassDescriptor describes a render pass.
type RenderPassDescriptor struct {
	Label                  string
	ColorAttachments       []RenderPassColorAttachment
	DepthStencilAttachment *RenderPassDepthStencilAttachment
	TimestampWrites        *PassTimestampWrites
}

type indexBinding struct {
	buffer *Buffer
	format gputypes.IndexFormat
	size   uint64
}

// RenderPass records draws. The whole pass is one usage scope: every
// attachment, bind group, vertex, index and indirect buffer it uses is
// merged into it, and the barriers it needs are recorded once, before the
// pass begins. Commands are validated when called and handed to the
// backend at End.
//
// The encoder is locked until End.
type RenderPass struct {
	pass
	desc     hal.RenderPassDescriptor
	attach   attachmentFormats
	extent   gputypes.Extent3D
	readOnly bool

	pipeline *RenderPipeline
	vertex   []bool
	index    indexBinding
	scope    *track.UsageScope

	// live are the resources whose destruction fails the pass at End.
	live []interface {
		checkLive(g *snatch.ReadGuard) error
	}
	cmds          []func(hal.RenderPassEncoder)
	pushConstants bool
}

// BeginRenderPass validates the attachments and opens a render pass on
// the encoder.
func (e *CommandEncoder) BeginRenderPass(desc *RenderPassDescriptor) (*RenderPass, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.lock(); err != nil {
		return nil, err
	}
	guard := e.device.snatchLock.Read()
	p, err := e.newRenderPass(desc, &guard)
	guard.Release()
	if err != nil {
		e.unlock(err)
		return nil, err
	}
	return p, nil
}

func (e *CommandEncoder) newRenderPass(desc *RenderPassDescriptor, g *snatch.ReadGuard) (*RenderPass, error) {
	const op = "begin render pass"
	if desc == nil {
		return nil, validationf(op, "descriptor is nil")
	}
	lim := e.device.opts.limits
	//nolint:gosec // G115: attachment count compared against a uint32 limit
	if n := uint32(len(desc.ColorAttachments)); n > lim.MaxColorAttachments {
		return nil, validationf(op, "%q: %d color attachments exceed limit %d", desc.Label, n, lim.MaxColorAttachments)
	}
	if len(desc.ColorAttachments) == 0 && desc.DepthStencilAttachment == nil {
		return nil, validationf(op, "%q: no attachments", desc.Label)
	}

	p := &RenderPass{
		pass:   newPass(e, desc.Label),
		scope:  track.NewUsageScope(e.device.opts.policy),
		vertex: make([]bool, lim.MaxVertexBuffers),
	}
	p.desc.Label = desc.Label

	for i := range desc.ColorAttachments {
		a := &desc.ColorAttachments[i]
		if err := p.addAttachment(op, a.View, true); err != nil {
			return nil, err
		}
		if a.LoadOp == gputypes.LoadOpUndefined || a.StoreOp == gputypes.StoreOpUndefined {
			return nil, validationf(op, "%q: color attachment %d has no load or store operation", desc.Label, i)
		}
		if err := p.merge(a.View, track.TextureUsesColorTarget); err != nil {
			return nil, err
		}
		p.attach.colors = append(p.attach.colors, a.View.desc.Format)
		ca := hal.RenderPassColorAttachment{
			View:       a.View.raw,
			LoadOp:     a.LoadOp,
			StoreOp:    a.StoreOp,
			ClearValue: a.ClearValue,
		}
		if rt := a.ResolveTarget; rt != nil {
			if err := p.checkResolveTarget(op, a.View, rt); err != nil {
				return nil, err
			}
			if err := p.merge(rt, track.TextureUsesColorTarget); err != nil {
				return nil, err
			}
			ca.ResolveTarget = rt.raw
		}
		p.desc.ColorAttachments = append(p.desc.ColorAttachments, ca)
	}

	if ds := desc.DepthStencilAttachment; ds != nil {
		if err := p.addAttachment(op, ds.View, false); err != nil {
			return nil, err
		}
		f := ds.View.desc.Format
		if !f.IsDepthStencil() {
			return nil, validationf(op, "%q: depth-stencil attachment has color format %v", desc.Label, f)
		}
		p.readOnly = (ds.DepthReadOnly || !f.HasDepth()) && (ds.StencilReadOnly || !f.HasStencil())
		use := track.TextureUsesDepthStencilWrite
		if p.readOnly {
			use = track.TextureUsesDepthStencilRead
		}
		if err := p.merge(ds.View, use); err != nil {
			return nil, err
		}
		p.attach.depthStencil = f
		p.desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              ds.View.raw,
			DepthLoadOp:       ds.DepthLoadOp,
			DepthStoreOp:      ds.DepthStoreOp,
			DepthClearValue:   ds.DepthClearValue,
			DepthReadOnly:     ds.DepthReadOnly,
			StencilLoadOp:     ds.StencilLoadOp,
			StencilStoreOp:    ds.StencilStoreOp,
			StencilClearValue: ds.StencilClearValue,
			StencilReadOnly:   ds.StencilReadOnly,
		}
	}

	if tw := desc.TimestampWrites; tw != nil {
		qs, err := e.checkTimestampWrites(op, tw, g)
		if err != nil {
			return nil, err
		}
		p.desc.TimestampWrites = &hal.RenderPassTimestampWrites{
			QuerySet:                  qs,
			BeginningOfPassWriteIndex: tw.BeginningOfPassWriteIndex,
			EndOfPassWriteIndex:       tw.EndOfPassWriteIndex,
		}
		p.live = append(p.live, tw.QuerySet)
	}
	return p, nil
}

// addAttachment checks that v can be rendered to and agrees in size and
// sample count with the attachments before it.
func (p *RenderPass) addAttachment(op string, v *TextureView, color bool) error {
	if v == nil {
		return validationf(op, "%q: attachment view is nil", p.label)
	}
	if err := p.encoder.sameDevice(op, &v.resourceInfo); err != nil {
		return err
	}
	t := v.texture
	if err := t.requireUsage(gputypes.TextureUsageRenderAttachment); err != nil {
		return err
	}
	if v.desc.MipLevelCount != 1 || v.desc.ArrayLayerCount != 1 {
		return validationf(op, "%q: attachment view of %q must cover one mip level and one layer", p.label, t.label)
	}
	if color && v.desc.Format.IsDepthStencil() {
		return validationf(op, "%q: color attachment has depth-stencil format %v", p.label, v.desc.Format)
	}
	extent := gputypes.Extent3D{
		Width:              max(1, t.desc.Size.Width>>v.desc.BaseMipLevel),
		Height:             max(1, t.desc.Size.Height>>v.desc.BaseMipLevel),
		DepthOrArrayLayers: 1,
	}
	if p.attach.samples == 0 {
		p.attach.samples = t.desc.SampleCount
		p.extent = extent
	} else if p.attach.samples != t.desc.SampleCount || p.extent != extent {
		return validationf(op, "%q: attachment %q is %dx%d with %d samples, expected %dx%d with %d",
			p.label, t.label, extent.Width, extent.Height, t.desc.SampleCount,
			p.extent.Width, p.extent.Height, p.attach.samples)
	}
	return nil
}

func (p *RenderPass) checkResolveTarget(op string, src, rt *TextureView) error {
	if err := p.encoder.sameDevice(op, &rt.resourceInfo); err != nil {
		return err
	}
	if err := rt.texture.requireUsage(gputypes.TextureUsageRenderAttachment); err != nil {
		return err
	}
	switch {
	case src.texture.desc.SampleCount == 1:
		return validationf(op, "%q: resolve target set for single-sampled %q", p.label, src.texture.label)
	case rt.texture.desc.SampleCount != 1:
		return validationf(op, "%q: resolve target %q is multisampled", p.label, rt.texture.label)
	case rt.desc.Format != src.desc.Format:
		return validationf(op, "%q: resolve target format %v differs from %v", p.label, rt.desc.Format, src.desc.Format)
	case rt.desc.MipLevelCount != 1 || rt.desc.ArrayLayerCount != 1:
		return validationf(op, "%q: resolve target must cover one mip level and one layer", p.label)
	}
	w := max(1, rt.texture.desc.Size.Width>>rt.desc.BaseMipLevel)
	h := max(1, rt.texture.desc.Size.Height>>rt.desc.BaseMipLevel)
	if w != p.extent.Width || h != p.extent.Height {
		return validationf(op, "%q: resolve target is %dx%d, attachments are %dx%d", p.label, w, h, p.extent.Width, p.extent.Height)
	}
	return nil
}

// merge adds an attachment use to the pass scope.
func (p *RenderPass) merge(v *TextureView, use track.TextureUses) error {
	p.encoder.used.addView(v)
	p.live = append(p.live, v.texture)
	if err := p.scope.MergeTexture(v.texture.trackerIndex, v.selector, use, track.NoSource); err != nil {
		return conflictError(p.label, err)
	}
	return nil
}

// SetPipeline sets the pipeline for later draws. Its attachment formats
// and sample count must match the pass.
func (p *RenderPass) SetPipeline(pipeline *RenderPipeline) error {
	const op = "set pipeline"
	return p.record(func(_ *snatch.ReadGuard) error {
		if pipeline == nil {
			return validationf(op, "pipeline is nil")
		}
		if err := p.encoder.sameDevice(op, &pipeline.resourceInfo); err != nil {
			return err
		}
		if !pipeline.attach.compatible(p.attach) {
			return validationf(op, "%q: pipeline %q targets %s, pass has %s", p.label, pipeline.label, pipeline.attach, p.attach)
		}
		if pipeline.writesDS && p.readOnly {
			return validationf(op, "%q: pipeline %q writes a read-only depth-stencil attachment", p.label, pipeline.label)
		}
		p.encoder.used.add(pipeline)
		p.pipeline = pipeline
		p.binder.changeLayout(pipeline.layout)
		raw := pipeline.raw
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetPipeline(raw) })
		return nil
	})
}

// SetBindGroup assigns group to slot index and merges its usage into the
// pass.
func (p *RenderPass) SetBindGroup(index uint32, group *BindGroup, offsets []uint32) error {
	return p.record(func(g *snatch.ReadGuard) error {
		if err := p.setBindGroup(index, group, offsets, g); err != nil {
			return err
		}
		p.live = append(p.live, group)
		return conflictError(p.label, group.mergeInto(p.scope, offsets))
	})
}

// SetPushConstants writes data at offset into the push constants of
// stages. The raw pass must implement PushConstantsEncoder; End fails
// with ErrFeatureNotSupported when it does not.
func (p *RenderPass) SetPushConstants(stages gputypes.ShaderStages, offset uint32, data []byte) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		return p.setPushConstants(stages, offset, data, deferredPushConstants{p})
	})
}

// deferredPushConstants queues push constant writes for replay.
type deferredPushConstants struct{ p *RenderPass }

func (d deferredPushConstants) SetPushConstants(stages gputypes.ShaderStages, offset uint32, data []byte) {
	d.p.pushConstants = true
	data = append([]byte(nil), data...)
	d.p.cmds = append(d.p.cmds, func(r hal.RenderPassEncoder) {
		if enc, ok := r.(PushConstantsEncoder); ok {
			enc.SetPushConstants(stages, offset, data)
		}
	})
}

// SetVertexBuffer binds size bytes of buf at offset to vertex slot.
// WholeSize binds the rest of the buffer.
func (p *RenderPass) SetVertexBuffer(slot uint32, buf *Buffer, offset, size uint64) error {
	const op = "set vertex buffer"
	return p.record(func(g *snatch.ReadGuard) error {
		//nolint:gosec // G115: slot table sized from a uint32 limit
		if slot >= uint32(len(p.vertex)) {
			return validationf(op, "%q: slot %d exceeds MaxVertexBuffers %d", p.label, slot, len(p.vertex))
		}
		raw, _, err := p.bindBuffer(op, buf, offset, size, gputypes.BufferUsageVertex, track.BufferUsesVertex, g)
		if err != nil {
			return err
		}
		p.vertex[slot] = true
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetVertexBuffer(slot, raw, offset) })
		return nil
	})
}

// SetIndexBuffer binds size bytes of buf at offset as the index buffer.
func (p *RenderPass) SetIndexBuffer(buf *Buffer, format gputypes.IndexFormat, offset, size uint64) error {
	const op = "set index buffer"
	return p.record(func(g *snatch.ReadGuard) error {
		width := indexSize(format)
		if width == 0 {
			return validationf(op, "%q: invalid index format %d", p.label, format)
		}
		if offset%width != 0 {
			return validationf(op, "%q: offset %d is not a multiple of the index size %d", p.label, offset, width)
		}
		raw, n, err := p.bindBuffer(op, buf, offset, size, gputypes.BufferUsageIndex, track.BufferUsesIndex, g)
		if err != nil {
			return err
		}
		p.index = indexBinding{buffer: buf, format: format, size: n}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetIndexBuffer(raw, format, offset) })
		return nil
	})
}

func indexSize(f gputypes.IndexFormat) uint64 {
	switch f {
	case gputypes.IndexFormatUint16:
		return 2
	case gputypes.IndexFormatUint32:
		return 4
	default:
		return 0
	}
}

// bindBuffer validates a vertex or index buffer binding and merges it into
// the pass scope.
func (p *RenderPass) bindBuffer(op string, buf *Buffer, offset, size uint64, want gputypes.BufferUsage, use track.BufferUses, g *snatch.ReadGuard) (hal.Buffer, uint64, error) {
	if buf == nil {
		return nil, 0, validationf(op, "%q: buffer is nil", p.label)
	}
	if err := p.encoder.sameDevice(op, &buf.resourceInfo); err != nil {
		return nil, 0, err
	}
	if err := buf.requireUsage(want); err != nil {
		return nil, 0, err
	}
	n, err := resolveRange(op, buf, offset, size)
	if err != nil {
		return nil, 0, err
	}
	raw, err := buf.rawBuffer(g)
	if err != nil {
		return nil, 0, err
	}
	p.encoder.used.addBuffer(buf)
	p.live = append(p.live, buf)
	if err := p.scope.MergeBuffer(buf.trackerIndex, track.Range{Start: offset, End: offset + n}, use, track.NoSource); err != nil {
		return nil, 0, conflictError(p.label, err)
	}
	return raw, n, nil
}

// SetViewport sets the viewport transform. minDepth and maxDepth must lie
// in [0, 1] with minDepth <= maxDepth.
func (p *RenderPass) SetViewport(x, y, width, height, minDepth, maxDepth float32) error {
	const op = "set viewport"
	return p.record(func(_ *snatch.ReadGuard) error {
		switch {
		case width <= 0 || height <= 0:
			return validationf(op, "%q: viewport %gx%g is empty", p.label, width, height)
		case minDepth < 0 || maxDepth > 1 || minDepth > maxDepth:
			return validationf(op, "%q: depth range [%g,%g] is invalid", p.label, minDepth, maxDepth)
		}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetViewport(x, y, width, height, minDepth, maxDepth) })
		return nil
	})
}

// SetScissorRect restricts drawing to a rectangle inside the attachments.
func (p *RenderPass) SetScissorRect(x, y, width, height uint32) error {
	const op = "set scissor rect"
	return p.record(func(_ *snatch.ReadGuard) error {
		if uint64(x)+uint64(width) > uint64(p.extent.Width) || uint64(y)+uint64(height) > uint64(p.extent.Height) {
			return validationf(op, "%q: scissor (%d,%d) %dx%d exceeds attachment %dx%d",
				p.label, x, y, width, height, p.extent.Width, p.extent.Height)
		}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetScissorRect(x, y, width, height) })
		return nil
	})
}

// SetBlendConstant sets the constant blend color.
func (p *RenderPass) SetBlendConstant(color gputypes.Color) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetBlendConstant(&color) })
		return nil
	})
}

// SetStencilReference sets the stencil reference value.
func (p *RenderPass) SetStencilReference(reference uint32) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetStencilReference(reference) })
		return nil
	})
}

// Draw draws vertexCount vertices of instanceCount instances.
func (p *RenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	return p.record(func(_ *snatch.ReadGuard) error {
		if err := p.checkDraw("draw", false); err != nil {
			return err
		}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) {
			r.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
		})
		return nil
	})
}

// DrawIndexed draws indexCount indices from the index buffer.
func (p *RenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	const op = "draw indexed"
	return p.record(func(_ *snatch.ReadGuard) error {
		if err := p.checkDraw(op, true); err != nil {
			return err
		}
		capacity := p.index.size / indexSize(p.index.format)
		if end := uint64(firstIndex) + uint64(indexCount); end > capacity {
			return validationf(op, "%q: indices [%d,%d) exceed the %d bound", p.label, firstIndex, end, capacity)
		}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) {
			r.DrawIndexed(indexCount, instanceCount, firstIndex, baseVertex, firstInstance)
		})
		return nil
	})
}

// DrawIndirect draws with arguments read from buf at offset.
func (p *RenderPass) DrawIndirect(buf *Buffer, offset uint64) error {
	return p.drawIndirect("draw indirect", buf, offset, false)
}

// DrawIndexedIndirect draws indexed with arguments read from buf at offset.
func (p *RenderPass) DrawIndexedIndirect(buf *Buffer, offset uint64) error {
	return p.drawIndirect("draw indexed indirect", buf, offset, true)
}

func (p *RenderPass) drawIndirect(op string, buf *Buffer, offset uint64, indexed bool) error {
	return p.record(func(g *snatch.ReadGuard) error {
		if err := p.checkDraw(op, indexed); err != nil {
			return err
		}
		size := uint64(drawIndirectSize)
		if indexed {
			size = drawIndexedIndirectSize
		}
		raw, err := checkIndirect(op, p.encoder, buf, offset, size, g)
		if err != nil {
			return err
		}
		p.encoder.used.addBuffer(buf)
		p.live = append(p.live, buf)
		r := track.Range{Start: offset, End: offset + size}
		if err := p.scope.MergeBuffer(buf.trackerIndex, r, track.BufferUsesIndirect, track.NoSource); err != nil {
			return conflictError(p.label, err)
		}
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) {
			if indexed {
				r.DrawIndexedIndirect(raw, offset)
			} else {
				r.DrawIndirect(raw, offset)
			}
		})
		return nil
	})
}

// checkDraw validates the bound state and queues the bind and push
// constant calls the binder still owes.
func (p *RenderPass) checkDraw(op string, indexed bool) error {
	if p.pipeline == nil {
		return validationf(op, "%q: no render pipeline is set", p.label)
	}
	if err := p.binder.check(op); err != nil {
		return err
	}
	for slot := range p.pipeline.strides {
		if !p.vertex[slot] {
			return validationf(op, "%q: vertex buffer slot %d is not set", p.label, slot)
		}
	}
	if indexed && p.index.buffer == nil {
		return validationf(op, "%q: no index buffer is set", p.label)
	}
	p.binder.flush(func(index uint32, group hal.BindGroup, offsets []uint32) {
		p.cmds = append(p.cmds, func(r hal.RenderPassEncoder) { r.SetBindGroup(index, group, offsets) })
	})
	p.binder.flushPushConstants(deferredPushConstants{p}, p.encoder.device.opts.limits.MaxPushConstantSize)
	return nil
}

// End records the barriers the pass needs, then the pass itself, and
// unlocks the encoder. A pass that failed leaves the encoder invalid; End
// then returns ErrEncoderInvalid and Finish returns the original error.
func (p *RenderPass) End() error {
	e := p.encoder
	e.mu.Lock()
	defer e.mu.Unlock()
	if p.ended || p.err != nil || e.state != encoderLocked {
		return p.end()
	}

	guard := e.device.snatchLock.Read()
	defer guard.Release()
	for _, r := range p.live {
		if err := r.checkLive(&guard); err != nil {
			p.fail(err)
			return p.end()
		}
	}
	e.emit(e.tracker.SetFromScope(p.scope), &guard)

	raw := e.raw.BeginRenderPass(&p.desc)
	if _, ok := raw.(PushConstantsEncoder); p.pushConstants && !ok {
		raw.End()
		p.fail(fmt.Errorf("render pass %q: push constants: %w", p.label, ErrFeatureNotSupported))
		return p.end()
	}
	for _, cmd := range p.cmds {
		cmd(raw)
	}
	raw.End()
	p.cmds = nil
	return p.end()
}
