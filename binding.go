package wgcore

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

// =============================================================================
// Bind group layouts
// =============================================================================

// AccelerationStructureBindingLayout declares a binding that takes an
// acceleration structure.
type AccelerationStructureBindingLayout struct {
	Binding    uint32
	Visibility gputypes.ShaderStages
}

// BindGroupLayoutDescriptor describes a bind group layout. Acceleration
// structure bindings are listed separately because gputypes has no entry
// type for them.
type BindGroupLayoutDescriptor struct {
	Label                  string
	Entries                []gputypes.BindGroupLayoutEntry
	AccelerationStructures []AccelerationStructureBindingLayout
}

// dynamicBinding is a buffer binding that takes a dynamic offset.
type dynamicBinding struct {
	binding uint32
	storage bool
}

// BindGroupLayout is the shape of a bind group. Two layouts created from
// identical entry lists are compatible and share one raw layout.
type BindGroupLayout struct {
	resourceInfo
	key     string
	raw     hal.BindGroupLayout
	entries map[uint32]gputypes.BindGroupLayoutEntry
	accels  map[uint32]AccelerationStructureBindingLayout
	dynamic []dynamicBinding
}

// CreateBindGroupLayout validates desc and creates a layout. The raw
// layout is shared with every live layout of identical entries.
func (d *Device) CreateBindGroupLayout(desc *BindGroupLayoutDescriptor) (*BindGroupLayout, error) {
	const op = "create bind group layout"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, validationf(op, "descriptor is nil")
	}

	l := &BindGroupLayout{
		entries: make(map[uint32]gputypes.BindGroupLayoutEntry, len(desc.Entries)),
		accels:  make(map[uint32]AccelerationStructureBindingLayout, len(desc.AccelerationStructures)),
	}
	maxBinding := d.opts.limits.MaxBindingsPerBindGroup
	for _, e := range desc.Entries {
		if _, dup := l.entries[e.Binding]; dup {
			return nil, validationf(op, "%q: binding %d declared twice", desc.Label, e.Binding)
		}
		if maxBinding != 0 && e.Binding >= maxBinding {
			return nil, validationf(op, "%q: binding %d exceeds limit %d", desc.Label, e.Binding, maxBinding)
		}
		if err := checkLayoutEntry(&e); err != nil {
			return nil, validationf(op, "%q: binding %d: %v", desc.Label, e.Binding, err)
		}
		l.entries[e.Binding] = e
		if e.Buffer != nil && e.Buffer.HasDynamicOffset {
			l.dynamic = append(l.dynamic, dynamicBinding{
				binding: e.Binding,
				storage: e.Buffer.Type != gputypes.BufferBindingTypeUniform,
			})
		}
	}
	for _, a := range desc.AccelerationStructures {
		if _, dup := l.entries[a.Binding]; dup {
			return nil, validationf(op, "%q: binding %d declared twice", desc.Label, a.Binding)
		}
		if _, dup := l.accels[a.Binding]; dup {
			return nil, validationf(op, "%q: binding %d declared twice", desc.Label, a.Binding)
		}
		l.accels[a.Binding] = a
	}
	slices.SortFunc(l.dynamic, func(a, b dynamicBinding) int { return cmp.Compare(a.binding, b.binding) })

	l.key = layoutKey(desc)
	raw, created, err := d.layouts.Acquire(l.key, func() (hal.BindGroupLayout, error) {
		return d.raw.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   desc.Label,
			Entries: slices.Clone(desc.Entries),
		})
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	if !created {
		d.logEvent(slog.LevelDebug, "wgcore: bind group layout reused", "label", desc.Label)
	}
	l.raw = raw
	l.init(d, KindBindGroupLayout, desc.Label)
	return register(d.bindGroupLayouts, l), nil
}

func checkLayoutEntry(e *gputypes.BindGroupLayoutEntry) error {
	n := 0
	if e.Buffer != nil {
		n++
		if e.Buffer.Type == gputypes.BufferBindingTypeUndefined {
			return fmt.Errorf("buffer binding type is undefined")
		}
	}
	if e.Sampler != nil {
		n++
	}
	if e.Texture != nil {
		n++
	}
	if e.StorageTexture != nil {
		n++
		if e.StorageTexture.Access == gputypes.StorageTextureAccessUndefined {
			return fmt.Errorf("storage texture access is undefined")
		}
	}
	if n != 1 {
		return fmt.Errorf("exactly one binding type must be set, got %d", n)
	}
	return nil
}

// layoutKey is a canonical encoding of desc's entries, label excluded.
func layoutKey(desc *BindGroupLayoutDescriptor) string {
	entries := slices.Clone(desc.Entries)
	slices.SortFunc(entries, func(a, b gputypes.BindGroupLayoutEntry) int { return cmp.Compare(a.Binding, b.Binding) })
	accels := slices.Clone(desc.AccelerationStructures)
	slices.SortFunc(accels, func(a, b AccelerationStructureBindingLayout) int { return cmp.Compare(a.Binding, b.Binding) })

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%d:%d:", e.Binding, e.Visibility)
		switch {
		case e.Buffer != nil:
			fmt.Fprintf(&sb, "buf(%d,%t,%d)", e.Buffer.Type, e.Buffer.HasDynamicOffset, e.Buffer.MinBindingSize)
		case e.Sampler != nil:
			fmt.Fprintf(&sb, "smp(%d)", e.Sampler.Type)
		case e.Texture != nil:
			fmt.Fprintf(&sb, "tex(%d,%d,%t)", e.Texture.SampleType, e.Texture.ViewDimension, e.Texture.Multisampled)
		case e.StorageTexture != nil:
			fmt.Fprintf(&sb, "stg(%d,%d,%d)", e.StorageTexture.Access, e.StorageTexture.Format, e.StorageTexture.ViewDimension)
		}
		sb.WriteByte(';')
	}
	for _, a := range accels {
		fmt.Fprintf(&sb, "%d:%d:as;", a.Binding, a.Visibility)
	}
	return sb.String()
}

// IsCompatible reports whether groups created from o may be bound where
// l is expected.
func (l *BindGroupLayout) IsCompatible(o *BindGroupLayout) bool {
	return l == o || (o != nil && l.device == o.device && l.key == o.key)
}

// DynamicBindingCount returns the number of dynamic offsets SetBindGroup
// expects for groups of this layout.
func (l *BindGroupLayout) DynamicBindingCount() int { return len(l.dynamic) }

// Release retires the layout's ID.
func (l *BindGroupLayout) Release() error {
	return retire(l.device.bindGroupLayouts, l.id)
}

func (l *BindGroupLayout) free() {
	l.device.layouts.Release(l.key)
}

// =============================================================================
// Pipeline layouts
// =============================================================================

// PipelineLayoutDescriptor describes a pipeline layout. Push constant
// ranges need a device opened with a non-zero MaxPushConstantSize.
type PipelineLayoutDescriptor struct {
	Label              string
	BindGroupLayouts   []*BindGroupLayout
	PushConstantRanges []gputypes.PushConstantRange
}

// PipelineLayout maps bind group slots to layouts.
type PipelineLayout struct {
	resourceInfo
	raw           hal.PipelineLayout
	groups        []*BindGroupLayout
	pushConstants []gputypes.PushConstantRange
}

// CreatePipelineLayout validates desc and creates a pipeline layout.
func (d *Device) CreatePipelineLayout(desc *PipelineLayoutDescriptor) (*PipelineLayout, error) {
	const op = "create pipeline layout"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, validationf(op, "descriptor is nil")
	}
	lim := d.opts.limits
	//nolint:gosec // G115: slot count compared against a uint32 limit
	if n := uint32(len(desc.BindGroupLayouts)); n > lim.MaxBindGroups {
		return nil, &BindGroupIndexOutOfRangeError{Index: n - 1, Max: lim.MaxBindGroups}
	}

	var dynUniform, dynStorage uint32
	raws := make([]hal.BindGroupLayout, len(desc.BindGroupLayouts))
	for i, l := range desc.BindGroupLayouts {
		if l == nil || l.device != d {
			return nil, validationf(op, "%q: slot %d layout does not belong to this device", desc.Label, i)
		}
		raws[i] = l.raw
		for _, dyn := range l.dynamic {
			if dyn.storage {
				dynStorage++
			} else {
				dynUniform++
			}
		}
	}
	if dynUniform > lim.MaxDynamicUniformBuffersPerPipelineLayout {
		return nil, validationf(op, "%q: %d dynamic uniform buffers exceed limit %d",
			desc.Label, dynUniform, lim.MaxDynamicUniformBuffersPerPipelineLayout)
	}
	if dynStorage > lim.MaxDynamicStorageBuffersPerPipelineLayout {
		return nil, validationf(op, "%q: %d dynamic storage buffers exceed limit %d",
			desc.Label, dynStorage, lim.MaxDynamicStorageBuffersPerPipelineLayout)
	}
	if err := checkPushConstantRanges(desc.PushConstantRanges, lim.MaxPushConstantSize); err != nil {
		return nil, validationf(op, "%q: %v", desc.Label, err)
	}

	ranges := make([]hal.PushConstantRange, len(desc.PushConstantRanges))
	for i, r := range desc.PushConstantRanges {
		ranges[i] = hal.PushConstantRange{Stages: r.Stages, Range: hal.Range{Start: r.Start, End: r.End}}
	}
	raw, err := d.raw.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:              desc.Label,
		BindGroupLayouts:   raws,
		PushConstantRanges: ranges,
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}

	for _, l := range desc.BindGroupLayouts {
		acquire(l)
	}
	pl := &PipelineLayout{
		raw:           raw,
		groups:        slices.Clone(desc.BindGroupLayouts),
		pushConstants: slices.Clone(desc.PushConstantRanges),
	}
	pl.init(d, KindPipelineLayout, desc.Label)
	return register(d.pipelineLayouts, pl), nil
}

// checkPushConstantRanges requires 4-byte aligned, in-limit ranges with
// each stage in at most one range.
func checkPushConstantRanges(ranges []gputypes.PushConstantRange, limit uint32) error {
	var seen gputypes.ShaderStages
	for i, r := range ranges {
		switch {
		case r.Start%4 != 0 || r.End%4 != 0:
			return fmt.Errorf("push constant range %d [%d,%d) is not 4-byte aligned", i, r.Start, r.End)
		case r.Start >= r.End:
			return fmt.Errorf("push constant range %d [%d,%d) is empty", i, r.Start, r.End)
		case r.End > limit:
			return fmt.Errorf("push constant range %d ends at %d, MaxPushConstantSize is %d", i, r.End, limit)
		case r.Stages == 0:
			return fmt.Errorf("push constant range %d has no stages", i)
		case seen&r.Stages != 0:
			return fmt.Errorf("push constant range %d repeats stages %#x", i, uint32(seen&r.Stages))
		}
		seen |= r.Stages
	}
	return nil
}

// BindGroupLayouts returns the layouts per slot.
func (pl *PipelineLayout) BindGroupLayouts() []*BindGroupLayout { return slices.Clone(pl.groups) }

// coversPushConstants reports whether every stage in stages has a range
// containing bytes [start, end).
func (pl *PipelineLayout) coversPushConstants(stages gputypes.ShaderStages, start, end uint32) bool {
	var covered gputypes.ShaderStages
	for _, r := range pl.pushConstants {
		if r.Stages&stages == 0 {
			continue
		}
		if start < r.Start || end > r.End {
			return false
		}
		covered |= r.Stages & stages
	}
	return covered == stages
}

// Release retires the layout's ID.
func (pl *PipelineLayout) Release() error {
	return retire(pl.device.pipelineLayouts, pl.id)
}

func (pl *PipelineLayout) free() {
	pl.device.raw.DestroyPipelineLayout(pl.raw)
	for _, l := range pl.groups {
		release(l)
	}
}

// =============================================================================
// Bind groups
// =============================================================================

// BindGroupEntry binds one resource. Exactly one of Buffer, Sampler,
// TextureView and AccelerationStructure must be set. A zero Size or
// WholeSize binds the rest of the buffer.
type BindGroupEntry struct {
	Binding               uint32
	Buffer                *Buffer
	Offset                uint64
	Size                  uint64
	Sampler               *Sampler
	TextureView           *TextureView
	AccelerationStructure *AccelerationStructure
}

// BindGroupDescriptor describes a bind group.
type BindGroupDescriptor struct {
	Label   string
	Layout  *BindGroupLayout
	Entries []BindGroupEntry
}

type bufferBinding struct {
	buffer  *Buffer
	binding uint32
	offset  uint64
	size    uint64
	use     track.BufferUses
	// dynamic indexes the dynamic offsets, or is -1.
	dynamic int
}

type textureBinding struct {
	view    *TextureView
	binding uint32
	use     track.TextureUses
}

type accelBinding struct {
	accel   *AccelerationStructure
	binding uint32
}

// BindGroup is a set of resources bound together. It holds a reference to
// every resource in it and declares the use of each.
type BindGroup struct {
	resourceInfo
	layout *BindGroupLayout
	raw    hal.BindGroup
	source track.Index

	bufferBindings  []bufferBinding
	textureBindings []textureBinding
	accelBindings   []accelBinding

	buffers  []*Buffer
	views    []*TextureView
	accels   []*AccelerationStructure
	samplers []*Sampler
}

// CreateBindGroup validates desc against its layout and creates a bind
// group. Two entries whose uses conflict, such as a buffer range bound
// both as uniform and as writable storage, fail with a UsageConflictError.
func (d *Device) CreateBindGroup(desc *BindGroupDescriptor) (*BindGroup, error) {
	const op = "create bind group"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil || desc.Layout == nil || desc.Layout.device != d {
		return nil, validationf(op, "layout is missing or belongs to another device")
	}
	l := desc.Layout
	if len(desc.Entries) != len(l.entries)+len(l.accels) {
		return nil, validationf(op, "%q: %d entries, layout declares %d",
			desc.Label, len(desc.Entries), len(l.entries)+len(l.accels))
	}

	g := &BindGroup{layout: l, source: track.Index(d.bindSources.Add(1))}
	seen := make(map[uint32]bool, len(desc.Entries))
	for i := range desc.Entries {
		e := &desc.Entries[i]
		if seen[e.Binding] {
			return nil, validationf(op, "%q: binding %d bound twice", desc.Label, e.Binding)
		}
		seen[e.Binding] = true
		if err := g.addEntry(l, e); err != nil {
			return nil, validationf(op, "%q: binding %d: %v", desc.Label, e.Binding, err)
		}
	}

	// Self-consistency of the declared uses, with dynamic offsets at zero.
	scope := track.NewUsageScope(d.opts.policy)
	if err := g.mergeInto(scope, make([]uint32, len(l.dynamic))); err != nil {
		return nil, conflictError(desc.Label, err)
	}

	guard := d.snatchLock.Read()
	entries, err := g.rawEntries(&guard, desc.Entries)
	if err != nil {
		guard.Release()
		return nil, err
	}
	raw, err := d.raw.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  l.raw,
		Entries: entries,
	})
	guard.Release()
	if err != nil {
		return nil, d.noteHALError(op, err)
	}

	g.raw = raw
	acquire(l)
	for _, b := range g.buffers {
		acquire(b)
	}
	for _, v := range g.views {
		acquire(v)
	}
	for _, a := range g.accels {
		acquire(a)
	}
	for _, s := range g.samplers {
		acquire(s)
	}
	g.init(d, KindBindGroup, desc.Label)
	return register(d.bindGroups, g), nil
}

// addEntry checks e against the layout and records its declared use.
func (g *BindGroup) addEntry(l *BindGroupLayout, e *BindGroupEntry) error {
	if _, ok := l.accels[e.Binding]; ok {
		if e.AccelerationStructure == nil || e.AccelerationStructure.device != l.device {
			return fmt.Errorf("layout expects an acceleration structure")
		}
		g.accelBindings = append(g.accelBindings, accelBinding{accel: e.AccelerationStructure, binding: e.Binding})
		g.accels = append(g.accels, e.AccelerationStructure)
		return nil
	}
	le, ok := l.entries[e.Binding]
	if !ok {
		return fmt.Errorf("not declared by the layout")
	}

	switch {
	case le.Buffer != nil:
		return g.addBuffer(l, &le, e)
	case le.Sampler != nil:
		s := e.Sampler
		if s == nil || s.device != l.device {
			return fmt.Errorf("layout expects a sampler")
		}
		switch le.Sampler.Type {
		case gputypes.SamplerBindingTypeComparison:
			if !s.IsComparison() {
				return fmt.Errorf("layout expects a comparison sampler")
			}
		case gputypes.SamplerBindingTypeNonFiltering:
			if s.IsFiltering() {
				return fmt.Errorf("layout expects a non-filtering sampler")
			}
		}
		g.samplers = append(g.samplers, s)
	case le.Texture != nil:
		v := e.TextureView
		if v == nil || v.device != l.device {
			return fmt.Errorf("layout expects a texture view")
		}
		if err := v.texture.requireUsage(gputypes.TextureUsageTextureBinding); err != nil {
			return err
		}
		if want := le.Texture.ViewDimension; want != gputypes.TextureViewDimensionUndefined && want != v.desc.Dimension {
			return fmt.Errorf("view dimension %d, layout expects %d", v.desc.Dimension, want)
		}
		if le.Texture.Multisampled != (v.texture.desc.SampleCount > 1) {
			return fmt.Errorf("multisampling of the view does not match the layout")
		}
		g.textureBindings = append(g.textureBindings, textureBinding{view: v, binding: e.Binding, use: track.TextureUsesResource})
		g.views = append(g.views, v)
	case le.StorageTexture != nil:
		v := e.TextureView
		if v == nil || v.device != l.device {
			return fmt.Errorf("layout expects a texture view")
		}
		if err := v.texture.requireUsage(gputypes.TextureUsageStorageBinding); err != nil {
			return err
		}
		if v.desc.MipLevelCount != 1 {
			return fmt.Errorf("storage views must cover one mip level, got %d", v.desc.MipLevelCount)
		}
		if f := le.StorageTexture.Format; f != gputypes.TextureFormatUndefined && f != v.desc.Format {
			return fmt.Errorf("view format %v, layout expects %v", v.desc.Format, f)
		}
		use := track.TextureUsesStorageWrite
		if le.StorageTexture.Access == gputypes.StorageTextureAccessReadOnly {
			use = track.TextureUsesStorageRead
		}
		g.textureBindings = append(g.textureBindings, textureBinding{view: v, binding: e.Binding, use: use})
		g.views = append(g.views, v)
	}
	return nil
}

func (g *BindGroup) addBuffer(l *BindGroupLayout, le *gputypes.BindGroupLayoutEntry, e *BindGroupEntry) error {
	b := e.Buffer
	if b == nil || b.device != l.device {
		return fmt.Errorf("layout expects a buffer")
	}
	lim := l.device.opts.limits
	var (
		want      gputypes.BufferUsage
		use       track.BufferUses
		align     uint64
		sizeLimit uint64
	)
	switch le.Buffer.Type {
	case gputypes.BufferBindingTypeUniform:
		want, use = gputypes.BufferUsageUniform, track.BufferUsesUniform
		align, sizeLimit = uint64(lim.MinUniformBufferOffsetAlignment), lim.MaxUniformBufferBindingSize
	case gputypes.BufferBindingTypeReadOnlyStorage:
		want, use = gputypes.BufferUsageStorage, track.BufferUsesStorageRead
		align, sizeLimit = uint64(lim.MinStorageBufferOffsetAlignment), lim.MaxStorageBufferBindingSize
	default:
		want, use = gputypes.BufferUsageStorage, track.BufferUsesStorageWrite
		align, sizeLimit = uint64(lim.MinStorageBufferOffsetAlignment), lim.MaxStorageBufferBindingSize
	}
	if err := b.requireUsage(want); err != nil {
		return err
	}
	if align != 0 && e.Offset%align != 0 {
		return fmt.Errorf("offset %d is not a multiple of %d", e.Offset, align)
	}
	size := e.Size
	if size == 0 {
		size = WholeSize
	}
	offset := e.Offset
	size, err := resolveRange("bind buffer", b, offset, size)
	if err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("empty buffer binding")
	}
	if size < le.Buffer.MinBindingSize {
		return fmt.Errorf("binding size %d is below the layout minimum %d", size, le.Buffer.MinBindingSize)
	}
	if sizeLimit != 0 && size > sizeLimit {
		return fmt.Errorf("binding size %d exceeds limit %d", size, sizeLimit)
	}

	dyn := -1
	if le.Buffer.HasDynamicOffset {
		dyn = slices.IndexFunc(l.dynamic, func(db dynamicBinding) bool { return db.binding == e.Binding })
	}
	g.bufferBindings = append(g.bufferBindings, bufferBinding{
		buffer: b, binding: e.Binding, offset: offset, size: size, use: use, dynamic: dyn,
	})
	g.buffers = append(g.buffers, b)
	return nil
}

// rawEntries converts the entries to hal form. Acceleration structures
// have no hal binding and are tracked only.
func (g *BindGroup) rawEntries(guard *snatch.ReadGuard, entries []BindGroupEntry) ([]gputypes.BindGroupEntry, error) {
	out := make([]gputypes.BindGroupEntry, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		switch {
		case e.Buffer != nil:
			raw, err := e.Buffer.rawBuffer(guard)
			if err != nil {
				return nil, err
			}
			bb := g.bufferBindings[slices.IndexFunc(g.bufferBindings, func(bb bufferBinding) bool { return bb.binding == e.Binding })]
			out = append(out, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.BufferBinding{Buffer: raw.NativeHandle(), Offset: bb.offset, Size: bb.size},
			})
		case e.Sampler != nil:
			out = append(out, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.SamplerBinding{Sampler: e.Sampler.raw.NativeHandle()},
			})
		case e.TextureView != nil:
			if err := e.TextureView.texture.checkLive(guard); err != nil {
				return nil, err
			}
			out = append(out, gputypes.BindGroupEntry{
				Binding:  e.Binding,
				Resource: gputypes.TextureViewBinding{TextureView: e.TextureView.raw.NativeHandle()},
			})
		case e.AccelerationStructure != nil:
			if err := e.AccelerationStructure.checkLive(guard); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Layout returns the group's layout.
func (g *BindGroup) Layout() *BindGroupLayout { return g.layout }

// mergeInto adds the group's declared uses to scope, shifting dynamic
// buffer bindings by offsets.
func (g *BindGroup) mergeInto(scope *track.UsageScope, offsets []uint32) error {
	for _, bb := range g.bufferBindings {
		off := bb.offset
		if bb.dynamic >= 0 {
			off += uint64(offsets[bb.dynamic])
		}
		src := track.BindingSource(g.source, bb.binding)
		if err := scope.MergeBuffer(bb.buffer.trackerIndex, track.Range{Start: off, End: off + bb.size}, bb.use, src); err != nil {
			return err
		}
	}
	for _, tb := range g.textureBindings {
		src := track.BindingSource(g.source, tb.binding)
		if err := scope.MergeTexture(tb.view.texture.trackerIndex, tb.view.selector, tb.use, src); err != nil {
			return err
		}
	}
	for _, ab := range g.accelBindings {
		src := track.BindingSource(g.source, ab.binding)
		if err := scope.MergeAS(ab.accel.trackerIndex, track.ASUsesShaderRead, src); err != nil {
			return err
		}
	}
	return nil
}

// checkDynamicOffsets validates offsets for binding g.
func (g *BindGroup) checkDynamicOffsets(offsets []uint32) error {
	const op = "set bind group"
	l := g.layout
	if len(offsets) != len(l.dynamic) {
		return validationf(op, "%q: %d dynamic offsets, layout expects %d", g.label, len(offsets), len(l.dynamic))
	}
	lim := g.device.opts.limits
	for i, db := range l.dynamic {
		align := lim.MinUniformBufferOffsetAlignment
		if db.storage {
			align = lim.MinStorageBufferOffsetAlignment
		}
		if align != 0 && offsets[i]%align != 0 {
			return validationf(op, "%q: dynamic offset %d for binding %d is not a multiple of %d",
				g.label, offsets[i], db.binding, align)
		}
	}
	for _, bb := range g.bufferBindings {
		if bb.dynamic < 0 {
			continue
		}
		end := bb.offset + uint64(offsets[bb.dynamic]) + bb.size
		if end > bb.buffer.size {
			return validationf(op, "%q: binding %d with dynamic offset %d ends at %d past buffer size %d",
				g.label, bb.binding, offsets[bb.dynamic], end, bb.buffer.size)
		}
	}
	return nil
}

// checkLive rejects a group holding a destroyed resource.
func (g *BindGroup) checkLive(guard *snatch.ReadGuard) error {
	for _, b := range g.buffers {
		if err := b.checkLive(guard); err != nil {
			return err
		}
	}
	for _, v := range g.views {
		if err := v.texture.checkLive(guard); err != nil {
			return err
		}
	}
	for _, a := range g.accels {
		if err := a.checkLive(guard); err != nil {
			return err
		}
	}
	return nil
}

// Release retires the group's ID.
func (g *BindGroup) Release() error {
	return retire(g.device.bindGroups, g.id)
}

func (g *BindGroup) free() {
	g.device.raw.DestroyBindGroup(g.raw)
	for _, b := range g.buffers {
		release(b)
	}
	for _, v := range g.views {
		release(v)
	}
	for _, a := range g.accels {
		release(a)
	}
	for _, s := range g.samplers {
		release(s)
	}
	release(g.layout)
}
