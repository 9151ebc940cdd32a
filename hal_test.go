package wgcore

import (
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// =============================================================================
// Test backend
// =============================================================================

// testDevice is the noop device with bookkeeping the tests inspect.
type testDevice struct {
	*noop.Device

	mu                sync.Mutex
	destroyedBuffers  int
	destroyedTextures int
	bufferBarriers    []hal.BufferBarrier
	textureBarriers   []hal.TextureBarrier

	// queries makes CreateQuerySet succeed.
	queries bool
	// pushConstants gives pass encoders SetPushConstants.
	pushConstants bool
	pushed        [][]byte
	// accel gives command encoders BuildAccelerationStructures.
	accel  bool
	builds [][]RawAccelerationStructureBuild
}

func (d *testDevice) DestroyBuffer(b hal.Buffer) {
	d.mu.Lock()
	d.destroyedBuffers++
	d.mu.Unlock()
	d.Device.DestroyBuffer(b)
}

func (d *testDevice) DestroyTexture(t hal.Texture) {
	d.mu.Lock()
	d.destroyedTextures++
	d.mu.Unlock()
	d.Device.DestroyTexture(t)
}

func (d *testDevice) CreateQuerySet(desc *hal.QuerySetDescriptor) (hal.QuerySet, error) {
	if !d.queries {
		return d.Device.CreateQuerySet(desc)
	}
	return &noop.Resource{}, nil
}

func (d *testDevice) CreateCommandEncoder(_ *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	base := &testEncoder{CommandEncoder: &noop.CommandEncoder{}, dev: d}
	if d.accel {
		return &accelEncoder{base}, nil
	}
	return base, nil
}

func (d *testDevice) destroyed() (buffers, textures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyedBuffers, d.destroyedTextures
}

func (d *testDevice) barriers() (buffers, textures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bufferBarriers), len(d.textureBarriers)
}

// bufferTransitions returns the recorded buffer barriers and forgets them.
func (d *testDevice) bufferTransitions() []hal.BufferUsageTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]hal.BufferUsageTransition, len(d.bufferBarriers))
	for i, b := range d.bufferBarriers {
		out[i] = b.Usage
	}
	d.bufferBarriers = nil
	return out
}

// testEncoder records the barriers it is given.
type testEncoder struct {
	*noop.CommandEncoder
	dev *testDevice
}

func (e *testEncoder) TransitionBuffers(b []hal.BufferBarrier) {
	e.dev.mu.Lock()
	e.dev.bufferBarriers = append(e.dev.bufferBarriers, b...)
	e.dev.mu.Unlock()
}

func (e *testEncoder) TransitionTextures(b []hal.TextureBarrier) {
	e.dev.mu.Lock()
	e.dev.textureBarriers = append(e.dev.textureBarriers, b...)
	e.dev.mu.Unlock()
}

func (e *testEncoder) BeginComputePass(_ *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	if e.dev.pushConstants {
		return &pushComputePass{ComputePassEncoder: &noop.ComputePassEncoder{}, dev: e.dev}
	}
	return &noop.ComputePassEncoder{}
}

func (e *testEncoder) BeginRenderPass(_ *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	if e.dev.pushConstants {
		return &pushRenderPass{RenderPassEncoder: &noop.RenderPassEncoder{}, dev: e.dev}
	}
	return &noop.RenderPassEncoder{}
}

type accelEncoder struct {
	*testEncoder
}

func (e *accelEncoder) BuildAccelerationStructures(builds []RawAccelerationStructureBuild) {
	e.dev.mu.Lock()
	e.dev.builds = append(e.dev.builds, builds)
	e.dev.mu.Unlock()
}

type pushComputePass struct {
	*noop.ComputePassEncoder
	dev *testDevice
}

func (p *pushComputePass) SetPushConstants(_ gputypes.ShaderStages, _ uint32, data []byte) {
	p.dev.recordPush(data)
}

type pushRenderPass struct {
	*noop.RenderPassEncoder
	dev *testDevice
}

func (p *pushRenderPass) SetPushConstants(_ gputypes.ShaderStages, _ uint32, data []byte) {
	p.dev.recordPush(data)
}

func (d *testDevice) recordPush(data []byte) {
	d.mu.Lock()
	d.pushed = append(d.pushed, append([]byte(nil), data...))
	d.mu.Unlock()
}

// testQueue is the noop queue with completion that can be held back.
type testQueue struct {
	*noop.Queue

	mu   sync.Mutex
	held bool
	done uint64

	// failSubmit and failWrite are returned by Submit and the writes.
	failSubmit error
	failWrite  error
	writes     int
}

func (q *testQueue) Submit(cbs []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	err := q.failSubmit
	q.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return q.Queue.Submit(cbs)
}

func (q *testQueue) WriteBuffer(b hal.Buffer, offset uint64, data []byte) error {
	if err := q.write(); err != nil {
		return err
	}
	return q.Queue.WriteBuffer(b, offset, data)
}

func (q *testQueue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	if err := q.write(); err != nil {
		return err
	}
	return q.Queue.WriteTexture(dst, data, layout, size)
}

func (q *testQueue) write() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWrite != nil {
		return q.failWrite
	}
	q.writes++
	return nil
}

// fail makes later submits and writes return the given errors.
func (q *testQueue) fail(submit, write error) {
	q.mu.Lock()
	q.failSubmit, q.failWrite = submit, write
	q.mu.Unlock()
}

func (q *testQueue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.held {
		return q.done
	}
	return q.Queue.PollCompleted()
}

// hold freezes the completed index at its current value.
func (q *testQueue) hold() {
	q.mu.Lock()
	q.done = q.Queue.PollCompleted()
	q.held = true
	q.mu.Unlock()
}

// complete lets every submission complete.
func (q *testQueue) complete() {
	q.mu.Lock()
	q.held = false
	q.mu.Unlock()
}

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	*Device
	hal   *testDevice
	queue *testQueue
}

func newFixture(t testing.TB, setup func(*testDevice), opts ...DeviceOption) *fixture {
	t.Helper()
	hd := &testDevice{Device: &noop.Device{}}
	if setup != nil {
		setup(hd)
	}
	hq := &testQueue{Queue: &noop.Queue{}}
	d, err := NewDevice(hd, hq, opts...)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(d.Destroy)
	return &fixture{Device: d, hal: hd, queue: hq}
}

func (f *fixture) buffer(t testing.TB, label string, size uint64, usage gputypes.BufferUsage) *Buffer {
	t.Helper()
	b, err := f.CreateBuffer(&BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer(%q): %v", label, err)
	}
	return b
}

func (f *fixture) texture(t testing.TB, desc TextureDescriptor) *Texture {
	t.Helper()
	if desc.Size == (gputypes.Extent3D{}) {
		desc.Size = gputypes.Extent3D{Width: 64, Height: 64, DepthOrArrayLayers: 1}
	}
	if desc.Format == gputypes.TextureFormatUndefined {
		desc.Format = gputypes.TextureFormatRGBA8Unorm
	}
	tex, err := f.CreateTexture(&desc)
	if err != nil {
		t.Fatalf("CreateTexture(%q): %v", desc.Label, err)
	}
	return tex
}

func (f *fixture) encoder(t testing.TB, label string) *CommandEncoder {
	t.Helper()
	e, err := f.CreateCommandEncoder(&CommandEncoderDescriptor{Label: label})
	if err != nil {
		t.Fatalf("CreateCommandEncoder: %v", err)
	}
	return e
}

func (f *fixture) finish(t testing.TB, e *CommandEncoder) *CommandBuffer {
	t.Helper()
	cb, err := e.Finish(nil)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return cb
}

func (f *fixture) submit(t testing.TB, cbs ...*CommandBuffer) SubmissionIndex {
	t.Helper()
	idx, err := f.Queue().Submit(cbs...)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return idx
}

// spirvModule is a SPIR-V header; the noop backend never looks inside.
var spirvModule = []uint32{0x07230203, 0x00010300, 0, 1, 0}

func (f *fixture) shader(t testing.TB, label string) *ShaderModule {
	t.Helper()
	sm, err := f.CreateShaderModule(&ShaderModuleDescriptor{Label: label, SPIRV: spirvModule})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	return sm
}

func (f *fixture) layout(t testing.TB, label string, entries ...gputypes.BindGroupLayoutEntry) *BindGroupLayout {
	t.Helper()
	l, err := f.CreateBindGroupLayout(&BindGroupLayoutDescriptor{Label: label, Entries: entries})
	if err != nil {
		t.Fatalf("CreateBindGroupLayout(%q): %v", label, err)
	}
	return l
}

func (f *fixture) pipelineLayout(t testing.TB, pc []gputypes.PushConstantRange, groups ...*BindGroupLayout) *PipelineLayout {
	t.Helper()
	pl, err := f.CreatePipelineLayout(&PipelineLayoutDescriptor{
		Label:              "pl",
		BindGroupLayouts:   groups,
		PushConstantRanges: pc,
	})
	if err != nil {
		t.Fatalf("CreatePipelineLayout: %v", err)
	}
	return pl
}

func (f *fixture) computePipeline(t testing.TB, pl *PipelineLayout) *ComputePipeline {
	t.Helper()
	p, err := f.CreateComputePipeline(&ComputePipelineDescriptor{
		Label:      "compute",
		Layout:     pl,
		Module:     f.shader(t, "cs"),
		EntryPoint: "main",
	})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
	return p
}

func (f *fixture) bindGroup(t testing.TB, l *BindGroupLayout, entries ...BindGroupEntry) *BindGroup {
	t.Helper()
	g, err := f.CreateBindGroup(&BindGroupDescriptor{Label: "group", Layout: l, Entries: entries})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}
	return g
}

func storageEntry(binding uint32, readOnly bool) gputypes.BindGroupLayoutEntry {
	typ := gputypes.BufferBindingTypeStorage
	if readOnly {
		typ = gputypes.BufferBindingTypeReadOnlyStorage
	}
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: typ},
	}
}

func uniformEntry(binding uint32, dynamic bool) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: gputypes.ShaderStageCompute | gputypes.ShaderStageVertex | gputypes.ShaderStageFragment,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform, HasDynamicOffset: dynamic},
	}
}
