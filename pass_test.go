package wgcore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/track"
)

// =============================================================================
// Helpers
// =============================================================================

func pushLimits(size uint32) gputypes.Limits {
	l := gputypes.DefaultLimits()
	l.MaxPushConstantSize = size
	return l
}

func (f *fixture) computePass(t *testing.T, e *CommandEncoder) *ComputePass {
	t.Helper()
	p, err := e.BeginComputePass(&ComputePassDescriptor{Label: "cp"})
	if err != nil {
		t.Fatalf("BeginComputePass: %v", err)
	}
	return p
}

// storageGroup returns a pipeline bound to one read-write storage buffer
// and a group binding buf.
func (f *fixture) storageGroup(t *testing.T, buf *Buffer) (*ComputePipeline, *BindGroup) {
	t.Helper()
	l := f.layout(t, "storage", storageEntry(0, false))
	pipe := f.computePipeline(t, f.pipelineLayout(t, nil, l))
	return pipe, f.bindGroup(t, l, BindGroupEntry{Binding: 0, Buffer: buf})
}

func (f *fixture) target(t *testing.T, label string, format gputypes.TextureFormat, usage gputypes.TextureUsage) *TextureView {
	t.Helper()
	tex := f.texture(t, TextureDescriptor{Label: label, Format: format, Usage: usage})
	v, err := tex.CreateView(nil)
	if err != nil {
		t.Fatalf("CreateView(%q): %v", label, err)
	}
	return v
}

func (f *fixture) renderPipeline(t *testing.T, pl *PipelineLayout, format gputypes.TextureFormat, buffers ...gputypes.VertexBufferLayout) *RenderPipeline {
	t.Helper()
	sm := f.shader(t, "shader")
	p, err := f.CreateRenderPipeline(&RenderPipelineDescriptor{
		Label:    "render",
		Layout:   pl,
		Vertex:   VertexState{Module: sm, EntryPoint: "vs", Buffers: buffers},
		Fragment: &FragmentState{Module: sm, EntryPoint: "fs", Targets: []gputypes.ColorTargetState{{Format: format}}},
	})
	if err != nil {
		t.Fatalf("CreateRenderPipeline: %v", err)
	}
	return p
}

func colorPass(v *TextureView) *RenderPassDescriptor {
	return &RenderPassDescriptor{
		Label: "rp",
		ColorAttachments: []RenderPassColorAttachment{{
			View:    v,
			LoadOp:  gputypes.LoadOpClear,
			StoreOp: gputypes.StoreOpStore,
		}},
	}
}

func (f *fixture) renderPass(t *testing.T, e *CommandEncoder, desc *RenderPassDescriptor) *RenderPass {
	t.Helper()
	p, err := e.BeginRenderPass(desc)
	if err != nil {
		t.Fatalf("BeginRenderPass: %v", err)
	}
	return p
}

// =============================================================================
// Bind group slots
// =============================================================================

// slotted is the bind group surface shared by both pass kinds.
type slotted interface {
	SetBindGroup(index uint32, group *BindGroup, offsets []uint32) error
	End() error
}

func TestSetBindGroupIndexOutOfRange(t *testing.T) {
	begin := map[string]func(t *testing.T, f *fixture, e *CommandEncoder) slotted{
		"compute": func(t *testing.T, f *fixture, e *CommandEncoder) slotted {
			return f.computePass(t, e)
		},
		"render": func(t *testing.T, f *fixture, e *CommandEncoder) slotted {
			v := f.target(t, "rt", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageRenderAttachment)
			return f.renderPass(t, e, colorPass(v))
		},
	}
	for name, open := range begin {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, nil)
			g := f.bindGroup(t, f.layout(t, "empty"))
			e := f.encoder(t, "enc")
			p := open(t, f, e)

			err := p.SetBindGroup(5, g, nil)
			var oor *BindGroupIndexOutOfRangeError
			if !errors.As(err, &oor) {
				t.Fatalf("SetBindGroup(5) = %v, want BindGroupIndexOutOfRangeError", err)
			}
			if oor.Index != 5 || oor.Max != 4 {
				t.Errorf("error = {Index:%d Max:%d}, want {Index:5 Max:4}", oor.Index, oor.Max)
			}
			if !errors.Is(err, ErrBindGroupIndexOutOfRange) {
				t.Errorf("errors.Is(%v, ErrBindGroupIndexOutOfRange) = false", err)
			}
			if err := p.SetBindGroup(0, g, nil); !errors.Is(err, ErrEncoderInvalid) {
				t.Errorf("use after failure = %v, want ErrEncoderInvalid", err)
			}
			if err := p.End(); !errors.Is(err, ErrEncoderInvalid) {
				t.Errorf("End = %v, want ErrEncoderInvalid", err)
			}
			if _, err := e.Finish(nil); !errors.As(err, &oor) {
				t.Errorf("Finish = %v, want the original BindGroupIndexOutOfRangeError", err)
			}
		})
	}
}

func TestSetBindGroupLastSlot(t *testing.T) {
	f := newFixture(t, nil)
	g := f.bindGroup(t, f.layout(t, "empty"))
	e := f.encoder(t, "enc")
	p := f.computePass(t, e)
	if err := p.SetBindGroup(3, g, nil); err != nil {
		t.Fatalf("SetBindGroup(3): %v", err)
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	f.submit(t, f.finish(t, e))
}

// =============================================================================
// Compute passes
// =============================================================================

func TestDispatch(t *testing.T) {
	f := newFixture(t, nil)
	buf := f.buffer(t, "data", 1024, gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc)
	pipe, g := f.storageGroup(t, buf)

	e := f.encoder(t, "enc")
	p := f.computePass(t, e)
	if err := p.SetPipeline(pipe); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	if err := p.SetBindGroup(0, g, nil); err != nil {
		t.Fatalf("SetBindGroup: %v", err)
	}
	for range 3 {
		if err := p.Dispatch(4, 1, 1); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := p.End(); !errors.Is(err, ErrPassEnded) {
		t.Errorf("second End = %v, want ErrPassEnded", err)
	}
	if err := p.Dispatch(1, 1, 1); !errors.Is(err, ErrPassEnded) {
		t.Errorf("Dispatch after End = %v, want ErrPassEnded", err)
	}

	// Storage writes are serialized: one barrier between each pair.
	if bufs, _ := f.hal.barriers(); bufs != 2 {
		t.Errorf("buffer barriers = %d, want 2", bufs)
	}
	f.submit(t, f.finish(t, e))
}

func TestDispatchElidesWritesUnderPolicy(t *testing.T) {
	f := newFixture(t, nil, WithTrackingPolicy(track.Policy{WriteAfterWrite: track.ElideSameKindWrites}))
	buf := f.buffer(t, "data", 1024, gputypes.BufferUsageStorage)
	pipe, g := f.storageGroup(t, buf)

	e := f.encoder(t, "enc")
	p := f.computePass(t, e)
	_ = p.SetPipeline(pipe)
	_ = p.SetBindGroup(0, g, nil)
	for range 3 {
		if err := p.Dispatch(1, 1, 1); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if bufs, _ := f.hal.barriers(); bufs != 0 {
		t.Errorf("buffer barriers = %d, want 0", bufs)
	}
}

func TestDispatchWriteReadWrite(t *testing.T) {
	f := newFixture(t, nil)
	buf := f.buffer(t, "data", 1024, gputypes.BufferUsageStorage)
	writer, wg := f.storageGroup(t, buf)
	rl := f.layout(t, "read", storageEntry(0, true))
	reader := f.computePipeline(t, f.pipelineLayout(t, nil, rl))
	rg := f.bindGroup(t, rl, BindGroupEntry{Binding: 0, Buffer: buf})

	e := f.encoder(t, "enc")
	p := f.computePass(t, e)
	steps := []struct {
		pipe  *ComputePipeline
		group *BindGroup
	}{{writer, wg}, {reader, rg}, {writer, wg}}
	for i, s := range steps {
		if err := p.SetPipeline(s.pipe); err != nil {
			t.Fatalf("dispatch %d: SetPipeline: %v", i, err)
		}
		if err := p.SetBindGroup(0, s.group, nil); err != nil {
			t.Fatalf("dispatch %d: SetBindGroup: %v", i, err)
		}
		if err := p.Dispatch(1, 1, 1); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	// write -> read, then read -> write.
	if bufs, _ := f.hal.barriers(); bufs != 2 {
		t.Errorf("buffer barriers = %d, want 2", bufs)
	}
	cb := f.finish(t, e)
	if cb.Transitions() != 2 {
		t.Errorf("recorded transitions = %d, want 2", cb.Transitions())
	}
}

func TestDispatchDisjointMips(t *testing.T) {
	f := newFixture(t, nil)
	tex := f.texture(t, TextureDescriptor{
		Label:         "mips",
		MipLevelCount: 4,
		Usage:         gputypes.TextureUsageStorageBinding | gputypes.TextureUsageTextureBinding,
	})
	mip := func(level uint32) *TextureView {
		v, err := tex.CreateView(&TextureViewDescriptor{BaseMipLevel: level, MipLevelCount: 1})
		if err != nil {
			t.Fatalf("CreateView(mip %d): %v", level, err)
		}
		return v
	}
	l := f.layout(t, "downsample",
		gputypes.BindGroupLayoutEntry{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			StorageTexture: &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        gputypes.TextureFormatRGBA8Unorm,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		},
		gputypes.BindGroupLayoutEntry{
			Binding:    1,
			Visibility: gputypes.ShaderStageCompute,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		},
	)
	pipe := f.computePipeline(t, f.pipelineLayout(t, nil, l))
	g := f.bindGroup(t, l,
		BindGroupEntry{Binding: 0, TextureView: mip(0)},
		BindGroupEntry{Binding: 1, TextureView: mip(1)},
	)

	e := f.encoder(t, "enc")
	p := f.computePass(t, e)
	_ = p.SetPipeline(pipe)
	if err := p.SetBindGroup(0, g, nil); err != nil {
		t.Fatalf("SetBindGroup: %v", err)
	}
	if err := p.Dispatch(1, 1, 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, texs := f.hal.barriers(); texs != 0 {
		t.Errorf("texture barriers = %d, want 0", texs)
	}
	if cb := f.finish(t, e); cb.Transitions() != 0 {
		t.Errorf("recorded transitions = %d, want 0", cb.Transitions())
	}
}

func TestDispatchValidation(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T, f *fixture, p *ComputePass) error
		want error
	}{
		{
			name: "no pipeline",
			run: func(_ *testing.T, _ *fixture, p *ComputePass) error {
				return p.Dispatch(1, 1, 1)
			},
			want: ErrValidation,
		},
		{
			name: "missing group",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, _ := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				return p.Dispatch(1, 1, 1)
			},
			want: ErrValidation,
		},
		{
			name: "incompatible group",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, _ := f.storageGroup(t, buf)
				other := f.bindGroup(t, f.layout(t, "ro", storageEntry(0, true)), BindGroupEntry{Binding: 0, Buffer: buf})
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, other, nil)
				return p.Dispatch(1, 1, 1)
			},
			want: ErrValidation,
		},
		{
			name: "too many workgroups",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, g := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, g, nil)
				return p.Dispatch(65536, 1, 1)
			},
			want: ErrValidation,
		},
		{
			name: "nil pipeline",
			run: func(_ *testing.T, _ *fixture, p *ComputePass) error {
				return p.SetPipeline(nil)
			},
			want: ErrValidation,
		},
		{
			name: "dynamic offset count",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "uniform", 1024, gputypes.BufferUsageUniform)
				g := f.bindGroup(t, f.layout(t, "dyn", uniformEntry(0, true)), BindGroupEntry{Binding: 0, Buffer: buf, Size: 256})
				return p.SetBindGroup(0, g, nil)
			},
			want: ErrValidation,
		},
		{
			name: "dynamic offset alignment",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "uniform", 1024, gputypes.BufferUsageUniform)
				g := f.bindGroup(t, f.layout(t, "dyn", uniformEntry(0, true)), BindGroupEntry{Binding: 0, Buffer: buf, Size: 256})
				return p.SetBindGroup(0, g, []uint32{100})
			},
			want: ErrValidation,
		},
		{
			name: "dynamic offset past end",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "uniform", 1024, gputypes.BufferUsageUniform)
				g := f.bindGroup(t, f.layout(t, "dyn", uniformEntry(0, true)), BindGroupEntry{Binding: 0, Buffer: buf, Size: 256})
				return p.SetBindGroup(0, g, []uint32{1024})
			},
			want: ErrValidation,
		},
		{
			name: "indirect without usage",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, g := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, g, nil)
				args := f.buffer(t, "args", 64, gputypes.BufferUsageStorage)
				return p.DispatchIndirect(args, 0)
			},
			want: ErrIncompatibleUsage,
		},
		{
			name: "indirect misaligned",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, g := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, g, nil)
				args := f.buffer(t, "args", 64, gputypes.BufferUsageIndirect)
				return p.DispatchIndirect(args, 2)
			},
			want: ErrValidation,
		},
		{
			name: "indirect past end",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, g := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, g, nil)
				args := f.buffer(t, "args", 16, gputypes.BufferUsageIndirect)
				return p.DispatchIndirect(args, 8)
			},
			want: ErrValidation,
		},
		{
			name: "destroyed buffer in group",
			run: func(t *testing.T, f *fixture, p *ComputePass) error {
				buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
				pipe, g := f.storageGroup(t, buf)
				_ = p.SetPipeline(pipe)
				_ = p.SetBindGroup(0, g, nil)
				if err := buf.Destroy(); err != nil {
					t.Fatalf("Destroy: %v", err)
				}
				return p.Dispatch(1, 1, 1)
			},
			want: ErrDestroyedResource,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			e := f.encoder(t, "enc")
			p := f.computePass(t, e)
			err := tt.run(t, f, p)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			if err := p.End(); !errors.Is(err, ErrEncoderInvalid) {
				t.Errorf("End = %v, want ErrEncoderInvalid", err)
			}
			if _, err := e.Finish(nil); !errors.Is(err, tt.want) {
				t.Errorf("Finish = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDispatchIndirect(t *testing.T) {
	f := newFixture(t, nil)
	buf := f.buffer(t, "data", 256, gputypes.BufferUsageStorage)
	args := f.buffer(t, "args", 64, gputypes.BufferUsageIndirect|gputypes.BufferUsageCopyDst)
	pipe, g := f.storageGroup(t, buf)

	e := f.encoder(t, "enc")
	if err := e.ClearBuffer(args, 0, WholeSize); err != nil {
		t.Fatalf("ClearBuffer: %v", err)
	}
	p := f.computePass(t, e)
	_ = p.SetPipeline(pipe)
	_ = p.SetBindGroup(0, g, nil)
	if err := p.DispatchIndirect(args, 12); err != nil {
		t.Fatalf("DispatchIndirect: %v", err)
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	// CopyDst -> Indirect on args.
	if bufs, _ := f.hal.barriers(); bufs != 1 {
		t.Errorf("buffer barriers = %d, want 1", bufs)
	}
	f.submit(t, f.finish(t, e))
}

func TestDispatchUsageConflict(t *testing.T) {
	tests := []struct {
		name     string
		policy   track.Policy
		second   gputypes.BindGroupLayoutEntry
		conflict bool
	}{
		{"read write and read only", track.DefaultPolicy(), storageEntry(0, true), true},
		{"aliased writes allowed", track.DefaultPolicy(), storageEntry(0, false), false},
		{"aliased writes rejected", track.Policy{Aliasing: track.RejectAliasedWrites}, storageEntry(0, false), true},
		{"read only under reject policy", track.Policy{Aliasing: track.RejectAliasedWrites}, storageEntry(0, true), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, WithTrackingPolicy(tt.policy))
			buf := f.buffer(t, "shared", 256, gputypes.BufferUsageStorage)
			la := f.layout(t, "a", storageEntry(0, false))
			lb := f.layout(t, "b", tt.second)
			pipe := f.computePipeline(t, f.pipelineLayout(t, nil, la, lb))
			ga := f.bindGroup(t, la, BindGroupEntry{Binding: 0, Buffer: buf})
			gb := f.bindGroup(t, lb, BindGroupEntry{Binding: 0, Buffer: buf})

			e := f.encoder(t, "enc")
			p := f.computePass(t, e)
			_ = p.SetPipeline(pipe)
			_ = p.SetBindGroup(0, ga, nil)
			_ = p.SetBindGroup(1, gb, nil)
			err := p.Dispatch(1, 1, 1)
			if got := errors.Is(err, ErrResourceUsageConflict); got != tt.conflict {
				t.Fatalf("Dispatch = %v, conflict %v, want %v", err, got, tt.conflict)
			}
			if !tt.conflict {
				return
			}
			var uc *UsageConflictError
			if !errors.As(err, &uc) || uc.Conflict.Kind != track.KindBuffer {
				t.Errorf("error = %#v, want a buffer UsageConflictError", err)
			}
		})
	}
}

func TestCreateBindGroupSelfConflict(t *testing.T) {
	f := newFixture(t, nil)
	buf := f.buffer(t, "shared", 1024, gputypes.BufferUsageStorage|gputypes.BufferUsageUniform)
	l := f.layout(t, "both", storageEntry(0, false), uniformEntry(1, false))

	_, err := f.CreateBindGroup(&BindGroupDescriptor{
		Label:  "conflict",
		Layout: l,
		Entries: []BindGroupEntry{
			{Binding: 0, Buffer: buf, Size: 512},
			{Binding: 1, Buffer: buf, Offset: 256, Size: 256},
		},
	})
	if !errors.Is(err, ErrResourceUsageConflict) {
		t.Fatalf("overlapping bindings = %v, want ErrResourceUsageConflict", err)
	}

	// Disjoint ranges of one buffer do not conflict.
	f.bindGroup(t, l,
		BindGroupEntry{Binding: 0, Buffer: buf, Size: 512},
		BindGroupEntry{Binding: 1, Buffer: buf, Offset: 512, Size: 256},
	)
}

// =============================================================================
// Push constants
// =============================================================================

func TestComputePushConstants(t *testing.T) {
	pc := []gputypes.PushConstantRange{{Stages: gputypes.ShaderStageCompute, Start: 0, End: 16}}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}

	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t, nil, WithLimits(pushLimits(128)))
		pipe := f.computePipeline(t, f.pipelineLayout(t, pc))
		e := f.encoder(t, "enc")
		p := f.computePass(t, e)
		_ = p.SetPipeline(pipe)
		if err := p.SetPushConstants(gputypes.ShaderStageCompute, 0, data); !errors.Is(err, ErrFeatureNotSupported) {
			t.Fatalf("SetPushConstants = %v, want ErrFeatureNotSupported", err)
		}
	})

	t.Run("written and replayed", func(t *testing.T) {
		f := newFixture(t, func(d *testDevice) { d.pushConstants = true }, WithLimits(pushLimits(128)))
		pipe := f.computePipeline(t, f.pipelineLayout(t, pc))
		e := f.encoder(t, "enc")
		p := f.computePass(t, e)
		_ = p.SetPipeline(pipe)
		if err := p.SetPushConstants(gputypes.ShaderStageCompute, 8, data); err != nil {
			t.Fatalf("SetPushConstants: %v", err)
		}
		if err := p.Dispatch(1, 1, 1); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if err := p.End(); err != nil {
			t.Fatalf("End: %v", err)
		}

		f.hal.mu.Lock()
		defer f.hal.mu.Unlock()
		if len(f.hal.pushed) != 2 {
			t.Fatalf("push calls = %d, want 2 (write, replay after pipeline change)", len(f.hal.pushed))
		}
		want := append(make([]byte, 8), data...)
		if !bytes.Equal(f.hal.pushed[1], want) {
			t.Errorf("replayed bytes = %v, want %v", f.hal.pushed[1], want)
		}
	})

	tests := []struct {
		name   string
		stages gputypes.ShaderStages
		offset uint32
		data   []byte
	}{
		{"misaligned offset", gputypes.ShaderStageCompute, 2, data[:4]},
		{"misaligned size", gputypes.ShaderStageCompute, 0, data[:3]},
		{"past limit", gputypes.ShaderStageCompute, 128, data[:4]},
		{"outside range", gputypes.ShaderStageCompute, 12, data},
		{"uncovered stage", gputypes.ShaderStageVertex, 0, data[:4]},
		{"no stages", 0, 0, data[:4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(d *testDevice) { d.pushConstants = true }, WithLimits(pushLimits(128)))
			pipe := f.computePipeline(t, f.pipelineLayout(t, pc))
			e := f.encoder(t, "enc")
			p := f.computePass(t, e)
			_ = p.SetPipeline(pipe)
			if err := p.SetPushConstants(tt.stages, tt.offset, tt.data); !errors.Is(err, ErrValidation) {
				t.Fatalf("SetPushConstants = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRenderPushConstants(t *testing.T) {
	pc := []gputypes.PushConstantRange{{Stages: gputypes.ShaderStageVertex | gputypes.ShaderStageFragment, Start: 0, End: 16}}
	data := []byte{9, 9, 9, 9}

	run := func(t *testing.T, f *fixture) (*CommandEncoder, error) {
		t.Helper()
		pipe := f.renderPipeline(t, f.pipelineLayout(t, pc), gputypes.TextureFormatRGBA8Unorm)
		v := f.target(t, "rt", gputypes.TextureFormatRGBA8Unorm, gputypes.TextureUsageRenderAttachment)
		e := f.encoder(t, "enc")
		p := f.renderPass(t, e, colorPass(v))
		_ = p.SetPipeline(pipe)
		if err := p.SetPushConstants(gputypes.ShaderStageVertex, 4, data); err != nil {
			t.Fatalf("SetPushConstants: %v", err)
		}
		if err := p.Draw(3, 1, 0, 0); err != nil {
			t.Fatalf("Draw: %v", err)
		}
		return e, p.End()
	}

	t.Run("supported", func(t *testing.T) {
		f := newFixture(t, func(d *testDevice) { d.pushConstants = true }, WithLimits(pushLimits(64)))
		e, err := run(t, f)
		if err != nil {
			t.Fatalf("End: %v", err)
		}
		f.submit(t, f.finish(t, e))
		f.hal.mu.Lock()
		defer f.hal.mu.Unlock()
		if len(f.hal.pushed) != 2 {
			t.Errorf("push calls = %d, want 2", len(f.hal.pushed))
		}
	})

	t.Run("unsupported fails at End", func(t *testing.T) {
		f := newFixture(t, nil, WithLimits(pushLimits(64)))
		e, err := run(t, f)
		if !errors.Is(err, ErrEncoderInvalid) {
			t.Fatalf("End = %v, want ErrEncoderInvalid", err)
		}
		if _, err := e.Finish(nil); !errors.Is(err, ErrFeatureNotSupported) {
			t.Errorf("Finish = %v, want ErrFeatureNotSupported", err)
		}
	})
}

// =============================================================================
// Render passes
// =============================================================================

func TestRenderPass(t *testing.T) {
	f := newFixture(t, nil)
	const format = gputypes.TextureFormatRGBA8Unorm
	stride := gputypes.VertexBufferLayout{ArrayStride: 16}
	pipe := f.renderPipeline(t, f.pipelineLayout(t, nil), format, stride)
	v := f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc)
	vb := f.buffer(t, "vertices", 256, gputypes.BufferUsageVertex|gputypes.BufferUsageCopyDst)
	ib := f.buffer(t, "indices", 64, gputypes.BufferUsageIndex)
	args := f.buffer(t, "args", 64, gputypes.BufferUsageIndirect)

	e := f.encoder(t, "enc")
	if err := e.ClearBuffer(vb, 0, WholeSize); err != nil {
		t.Fatalf("ClearBuffer: %v", err)
	}
	p := f.renderPass(t, e, colorPass(v))
	steps := []struct {
		name string
		call func() error
	}{
		{"SetPipeline", func() error { return p.SetPipeline(pipe) }},
		{"SetVertexBuffer", func() error { return p.SetVertexBuffer(0, vb, 0, WholeSize) }},
		{"SetIndexBuffer", func() error { return p.SetIndexBuffer(ib, gputypes.IndexFormatUint16, 0, WholeSize) }},
		{"SetViewport", func() error { return p.SetViewport(0, 0, 64, 64, 0, 1) }},
		{"SetScissorRect", func() error { return p.SetScissorRect(0, 0, 32, 32) }},
		{"SetBlendConstant", func() error { return p.SetBlendConstant(gputypes.Color{R: 1, A: 1}) }},
		{"SetStencilReference", func() error { return p.SetStencilReference(1) }},
		{"Draw", func() error { return p.Draw(3, 1, 0, 0) }},
		{"DrawIndexed", func() error { return p.DrawIndexed(32, 1, 0, 0, 0) }},
		{"DrawIndirect", func() error { return p.DrawIndirect(args, 0) }},
		{"DrawIndexedIndirect", func() error { return p.DrawIndexedIndirect(args, 20) }},
	}
	for _, s := range steps {
		if err := s.call(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}
	if err := p.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	// CopyDst -> Vertex on the vertex buffer; the attachment is touched
	// for the first time.
	bufs, texs := f.hal.barriers()
	if bufs != 1 || texs != 0 {
		t.Errorf("barriers = %d buffer, %d texture, want 1, 0", bufs, texs)
	}
	f.submit(t, f.finish(t, e))
}

func TestBeginRenderPassValidation(t *testing.T) {
	const format = gputypes.TextureFormatRGBA8Unorm
	tests := []struct {
		name string
		desc func(t *testing.T, f *fixture) *RenderPassDescriptor
		want error
	}{
		{
			name: "nil descriptor",
			desc: func(*testing.T, *fixture) *RenderPassDescriptor { return nil },
			want: ErrValidation,
		},
		{
			name: "no attachments",
			desc: func(*testing.T, *fixture) *RenderPassDescriptor { return &RenderPassDescriptor{Label: "empty"} },
			want: ErrValidation,
		},
		{
			name: "missing render attachment usage",
			desc: func(t *testing.T, f *fixture) *RenderPassDescriptor {
				return colorPass(f.target(t, "sampled", format, gputypes.TextureUsageTextureBinding))
			},
			want: ErrIncompatibleUsage,
		},
		{
			name: "no load op",
			desc: func(t *testing.T, f *fixture) *RenderPassDescriptor {
				d := colorPass(f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment))
				d.ColorAttachments[0].LoadOp = gputypes.LoadOpUndefined
				return d
			},
			want: ErrValidation,
		},
		{
			name: "size mismatch",
			desc: func(t *testing.T, f *fixture) *RenderPassDescriptor {
				a := f.target(t, "a", format, gputypes.TextureUsageRenderAttachment)
				tex := f.texture(t, TextureDescriptor{
					Label:  "b",
					Size:   gputypes.Extent3D{Width: 32, Height: 32, DepthOrArrayLayers: 1},
					Format: format,
					Usage:  gputypes.TextureUsageRenderAttachment,
				})
				b, err := tex.CreateView(nil)
				if err != nil {
					t.Fatalf("CreateView: %v", err)
				}
				d := colorPass(a)
				d.ColorAttachments = append(d.ColorAttachments, RenderPassColorAttachment{
					View: b, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore,
				})
				return d
			},
			want: ErrValidation,
		},
		{
			name: "color format as depth",
			desc: func(t *testing.T, f *fixture) *RenderPassDescriptor {
				return &RenderPassDescriptor{DepthStencilAttachment: &RenderPassDepthStencilAttachment{
					View: f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment),
				}}
			},
			want: ErrValidation,
		},
		{
			name: "resolve single sampled",
			desc: func(t *testing.T, f *fixture) *RenderPassDescriptor {
				d := colorPass(f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment))
				d.ColorAttachments[0].ResolveTarget = f.target(t, "resolve", format, gputypes.TextureUsageRenderAttachment)
				return d
			},
			want: ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			desc := tt.desc(t, f)
			e := f.encoder(t, "enc")
			if _, err := e.BeginRenderPass(desc); !errors.Is(err, tt.want) {
				t.Fatalf("BeginRenderPass = %v, want %v", err, tt.want)
			}
			if _, err := e.Finish(nil); !errors.Is(err, tt.want) {
				t.Errorf("Finish = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDrawValidation(t *testing.T) {
	const format = gputypes.TextureFormatRGBA8Unorm
	tests := []struct {
		name string
		run  func(t *testing.T, f *fixture, p *RenderPass) error
	}{
		{"no pipeline", func(_ *testing.T, _ *fixture, p *RenderPass) error {
			return p.Draw(3, 1, 0, 0)
		}},
		{"format mismatch", func(t *testing.T, f *fixture, p *RenderPass) error {
			return p.SetPipeline(f.renderPipeline(t, f.pipelineLayout(t, nil), gputypes.TextureFormatBGRA8Unorm))
		}},
		{"missing vertex buffer", func(t *testing.T, f *fixture, p *RenderPass) error {
			_ = p.SetPipeline(f.renderPipeline(t, f.pipelineLayout(t, nil), format, gputypes.VertexBufferLayout{ArrayStride: 8}))
			return p.Draw(3, 1, 0, 0)
		}},
		{"missing index buffer", func(t *testing.T, f *fixture, p *RenderPass) error {
			_ = p.SetPipeline(f.renderPipeline(t, f.pipelineLayout(t, nil), format))
			return p.DrawIndexed(3, 1, 0, 0, 0)
		}},
		{"indices past end", func(t *testing.T, f *fixture, p *RenderPass) error {
			_ = p.SetPipeline(f.renderPipeline(t, f.pipelineLayout(t, nil), format))
			_ = p.SetIndexBuffer(f.buffer(t, "ib", 64, gputypes.BufferUsageIndex), gputypes.IndexFormatUint32, 0, WholeSize)
			return p.DrawIndexed(10, 1, 8, 0, 0)
		}},
		{"index offset misaligned", func(t *testing.T, f *fixture, p *RenderPass) error {
			return p.SetIndexBuffer(f.buffer(t, "ib", 64, gputypes.BufferUsageIndex), gputypes.IndexFormatUint32, 2, WholeSize)
		}},
		{"vertex slot past limit", func(t *testing.T, f *fixture, p *RenderPass) error {
			return p.SetVertexBuffer(8, f.buffer(t, "vb", 64, gputypes.BufferUsageVertex), 0, WholeSize)
		}},
		{"scissor outside", func(_ *testing.T, _ *fixture, p *RenderPass) error {
			return p.SetScissorRect(32, 0, 64, 64)
		}},
		{"empty viewport", func(_ *testing.T, _ *fixture, p *RenderPass) error {
			return p.SetViewport(0, 0, 0, 64, 0, 1)
		}},
		{"depth range", func(_ *testing.T, _ *fixture, p *RenderPass) error {
			return p.SetViewport(0, 0, 64, 64, 0.5, 0.25)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			v := f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment)
			e := f.encoder(t, "enc")
			p := f.renderPass(t, e, colorPass(v))
			if err := tt.run(t, f, p); !errors.Is(err, ErrValidation) {
				t.Fatalf("got %v, want ErrValidation", err)
			}
			if err := p.End(); !errors.Is(err, ErrEncoderInvalid) {
				t.Errorf("End = %v, want ErrEncoderInvalid", err)
			}
		})
	}
}

func TestRenderPassAttachmentAlsoSampled(t *testing.T) {
	f := newFixture(t, nil)
	const format = gputypes.TextureFormatRGBA8Unorm
	tex := f.texture(t, TextureDescriptor{
		Label:  "feedback",
		Format: format,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	rt, err := tex.CreateView(nil)
	if err != nil {
		t.Fatal(err)
	}
	sampled, err := tex.CreateView(nil)
	if err != nil {
		t.Fatal(err)
	}
	l := f.layout(t, "tex", gputypes.BindGroupLayoutEntry{
		Binding:    0,
		Visibility: gputypes.ShaderStageFragment,
		Texture: &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		},
	})
	g := f.bindGroup(t, l, BindGroupEntry{Binding: 0, TextureView: sampled})

	e := f.encoder(t, "enc")
	p := f.renderPass(t, e, colorPass(rt))
	if err := p.SetBindGroup(0, g, nil); !errors.Is(err, ErrResourceUsageConflict) {
		t.Fatalf("SetBindGroup = %v, want ErrResourceUsageConflict", err)
	}
}

func TestRenderPassDestroyedBeforeEnd(t *testing.T) {
	f := newFixture(t, nil)
	const format = gputypes.TextureFormatRGBA8Unorm
	pipe := f.renderPipeline(t, f.pipelineLayout(t, nil), format, gputypes.VertexBufferLayout{ArrayStride: 16})
	v := f.target(t, "rt", format, gputypes.TextureUsageRenderAttachment)
	vb := f.buffer(t, "vertices", 256, gputypes.BufferUsageVertex)

	e := f.encoder(t, "enc")
	p := f.renderPass(t, e, colorPass(v))
	_ = p.SetPipeline(pipe)
	_ = p.SetVertexBuffer(0, vb, 0, WholeSize)
	if err := p.Draw(3, 1, 0, 0); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if err := vb.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := p.End(); !errors.Is(err, ErrEncoderInvalid) {
		t.Fatalf("End = %v, want ErrEncoderInvalid", err)
	}
	if _, err := e.Finish(nil); !errors.Is(err, ErrDestroyedResource) {
		t.Errorf("Finish = %v, want ErrDestroyedResource", err)
	}
}

func TestRenderPassDepthReadOnly(t *testing.T) {
	f := newFixture(t, nil)
	depth := f.target(t, "depth", gputypes.TextureFormatDepth32Float, gputypes.TextureUsageRenderAttachment)
	sm := f.shader(t, "shader")
	pipe, err := f.CreateRenderPipeline(&RenderPipelineDescriptor{
		Label:  "depth writer",
		Layout: f.pipelineLayout(t, nil),
		Vertex: VertexState{Module: sm, EntryPoint: "vs"},
		DepthStencil: &hal.DepthStencilState{
			Format:            gputypes.TextureFormatDepth32Float,
			DepthWriteEnabled: true,
		},
	})
	if err != nil {
		t.Fatalf("CreateRenderPipeline: %v", err)
	}

	e := f.encoder(t, "enc")
	p := f.renderPass(t, e, &RenderPassDescriptor{
		Label:                  "depth only",
		DepthStencilAttachment: &RenderPassDepthStencilAttachment{View: depth, DepthReadOnly: true},
	})
	if err := p.SetPipeline(pipe); !errors.Is(err, ErrValidation) {
		t.Fatalf("SetPipeline = %v, want ErrValidation", err)
	}
}
