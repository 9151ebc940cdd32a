package wgcore

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/cache"
	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/registry"
	"github.com/gogpu/wgcore/track"
)

// Device owns every resource created on one hal device, the usage state
// of those resources, and the queue that submits work to it.
//
// A Device is safe for concurrent use. Resources may be created, used and
// released from any goroutine; each CommandEncoder is owned by one
// goroutine at a time.
type Device struct {
	raw   hal.Device
	queue *Queue
	opts  deviceOptions

	// adapter is set when the device was opened through Adapter.RequestDevice.
	adapter *Adapter
	ownsRaw bool

	snatchLock snatch.Lock
	lost       atomic.Bool

	buffers          *registry.Registry[*Buffer]
	textures         *registry.Registry[*Texture]
	textureViews     *registry.Registry[*TextureView]
	samplers         *registry.Registry[*Sampler]
	bindGroupLayouts *registry.Registry[*BindGroupLayout]
	pipelineLayouts  *registry.Registry[*PipelineLayout]
	bindGroups       *registry.Registry[*BindGroup]
	shaderModules    *registry.Registry[*ShaderModule]
	computePipelines *registry.Registry[*ComputePipeline]
	renderPipelines  *registry.Registry[*RenderPipeline]
	querySets        *registry.Registry[*QuerySet]
	accels           *registry.Registry[*AccelerationStructure]

	bufferIndices  *track.IndexAllocator
	textureIndices *track.IndexAllocator
	accelIndices   *track.IndexAllocator
	tracker        *track.DeviceTracker

	lifetime *lifetimeTracker

	// bindSources numbers bind groups so the tracker can tell their
	// bindings apart.
	bindSources atomic.Uint32

	// layouts shares one raw bind group layout between identical
	// descriptors. Keyed by layoutKey.
	layouts *cache.Pool[string, hal.BindGroupLayout]

	destroyOnce sync.Once
}

// NewDevice wraps an open hal device and its queue.
//
// Example:
//
//	open, _ := halAdapter.Open(0, gputypes.DefaultLimits())
//	device, err := wgcore.NewDevice(open.Device, open.Queue, wgcore.WithLabel("main"))
func NewDevice(raw hal.Device, queue hal.Queue, opts ...DeviceOption) (*Device, error) {
	if raw == nil || queue == nil {
		return nil, ErrNilHAL
	}
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := o.backend
	d := &Device{
		raw:              raw,
		opts:             o,
		buffers:          registry.New[*Buffer](b),
		textures:         registry.New[*Texture](b),
		textureViews:     registry.New[*TextureView](b),
		samplers:         registry.New[*Sampler](b),
		bindGroupLayouts: registry.New[*BindGroupLayout](b),
		pipelineLayouts:  registry.New[*PipelineLayout](b),
		bindGroups:       registry.New[*BindGroup](b),
		shaderModules:    registry.New[*ShaderModule](b),
		computePipelines: registry.New[*ComputePipeline](b),
		renderPipelines:  registry.New[*RenderPipeline](b),
		querySets:        registry.New[*QuerySet](b),
		accels:           registry.New[*AccelerationStructure](b),
		bufferIndices:    track.NewIndexAllocator(),
		textureIndices:   track.NewIndexAllocator(),
		accelIndices:     track.NewIndexAllocator(),
		tracker:          track.NewDeviceTracker(o.policy),
		lifetime:         newLifetimeTracker(raw),
	}
	d.queue = &Queue{device: d, raw: queue}
	d.layouts = cache.NewPool(o.layoutIdle, cache.StringHasher, func(l hal.BindGroupLayout) {
		raw.DestroyBindGroupLayout(l)
	})

	d.logEvent(slog.LevelInfo, "wgcore: device created", "adapter", o.adapterInfo.Name)
	return d, nil
}

// Label returns the device debug label.
func (d *Device) Label() string { return d.opts.label }

// Backend returns the backend tag stamped into the device's IDs.
func (d *Device) Backend() gputypes.Backend { return d.opts.backend }

// Limits returns the limits resources and commands are validated against.
func (d *Device) Limits() gputypes.Limits { return d.opts.limits }

// Features returns the optional features the device was opened with.
func (d *Device) Features() gputypes.Features { return d.opts.features }

// Info returns the adapter description the device was opened from.
func (d *Device) Info() gputypes.AdapterInfo { return d.opts.adapterInfo }

// Policy returns the usage tracking policy.
func (d *Device) Policy() track.Policy { return d.opts.policy }

// Queue returns the device's queue.
func (d *Device) Queue() *Queue { return d.queue }

// AsHAL returns the underlying hal device. Resources created directly on
// it are not tracked.
func (d *Device) AsHAL() hal.Device { return d.raw }

// IsLost reports whether the device was lost or destroyed.
func (d *Device) IsLost() bool { return d.lost.Load() }

// check fails fast once the device is lost.
func (d *Device) check() error {
	if d.lost.Load() {
		return ErrDeviceLost
	}
	return nil
}

// markLost makes ErrDeviceLost sticky. It reports whether this call
// changed the state.
func (d *Device) markLost(reason error) bool {
	if !d.lost.CompareAndSwap(false, true) {
		return false
	}
	d.logEvent(slog.LevelWarn, "wgcore: device lost", "reason", reason)
	return true
}

// noteHALError marks the device lost when err says so, and returns err
// mapped onto wgcore sentinels.
func (d *Device) noteHALError(op string, err error) error {
	mapped := halError(op, err)
	if isDeviceLost(mapped) {
		d.markLost(err)
	}
	return mapped
}

// Destroy waits for the device to go idle, runs every deferred free and
// marks the device lost. Later calls on the device or its resources return
// ErrDeviceLost. Destroy is idempotent.
func (d *Device) Destroy() {
	d.destroyOnce.Do(func() {
		d.queue.mu.Lock()
		d.lost.Store(true)
		d.queue.mu.Unlock()

		if err := d.raw.WaitIdle(); err != nil {
			d.logEvent(slog.LevelWarn, "wgcore: wait idle failed during destroy", "err", err)
		}
		d.lifetime.triage(d.lifetime.lastSubmitted())
		if active, deferred := d.lifetime.counts(); active > 0 || deferred > 0 {
			d.logEvent(slog.LevelWarn, "wgcore: work still pending at destroy",
				"submissions", active, "frees", deferred)
		}
		layouts := d.layouts.Drain()
		if d.ownsRaw {
			d.raw.Destroy()
		}
		d.logEvent(slog.LevelInfo, "wgcore: device destroyed", "layouts", layouts)
	})
}

// =============================================================================
// Lookups
// =============================================================================

// Buffer resolves a buffer ID.
func (d *Device) Buffer(id registry.ID) (*Buffer, error) { return lookup(d.buffers, id) }

// Texture resolves a texture ID.
func (d *Device) Texture(id registry.ID) (*Texture, error) { return lookup(d.textures, id) }

// TextureView resolves a texture view ID.
func (d *Device) TextureView(id registry.ID) (*TextureView, error) {
	return lookup(d.textureViews, id)
}

// Sampler resolves a sampler ID.
func (d *Device) Sampler(id registry.ID) (*Sampler, error) { return lookup(d.samplers, id) }

// BindGroupLayout resolves a bind group layout ID.
func (d *Device) BindGroupLayout(id registry.ID) (*BindGroupLayout, error) {
	return lookup(d.bindGroupLayouts, id)
}

// PipelineLayout resolves a pipeline layout ID.
func (d *Device) PipelineLayout(id registry.ID) (*PipelineLayout, error) {
	return lookup(d.pipelineLayouts, id)
}

// BindGroup resolves a bind group ID.
func (d *Device) BindGroup(id registry.ID) (*BindGroup, error) { return lookup(d.bindGroups, id) }

// ShaderModule resolves a shader module ID.
func (d *Device) ShaderModule(id registry.ID) (*ShaderModule, error) {
	return lookup(d.shaderModules, id)
}

// ComputePipeline resolves a compute pipeline ID.
func (d *Device) ComputePipeline(id registry.ID) (*ComputePipeline, error) {
	return lookup(d.computePipelines, id)
}

// RenderPipeline resolves a render pipeline ID.
func (d *Device) RenderPipeline(id registry.ID) (*RenderPipeline, error) {
	return lookup(d.renderPipelines, id)
}

// QuerySet resolves a query set ID.
func (d *Device) QuerySet(id registry.ID) (*QuerySet, error) { return lookup(d.querySets, id) }

// AccelerationStructure resolves an acceleration structure ID.
func (d *Device) AccelerationStructure(id registry.ID) (*AccelerationStructure, error) {
	return lookup(d.accels, id)
}

// DestroyBuffer destroys the buffer named by id. See Buffer.Destroy.
func (d *Device) DestroyBuffer(id registry.ID) error {
	b, err := d.Buffer(id)
	if err != nil {
		return err
	}
	return b.Destroy()
}

// DestroyTexture destroys the texture named by id. See Texture.Destroy.
func (d *Device) DestroyTexture(id registry.ID) error {
	t, err := d.Texture(id)
	if err != nil {
		return err
	}
	return t.Destroy()
}

// DestroyQuerySet destroys the query set named by id.
func (d *Device) DestroyQuerySet(id registry.ID) error {
	q, err := d.QuerySet(id)
	if err != nil {
		return err
	}
	return q.Destroy()
}

// DestroyAccelerationStructure destroys the acceleration structure named by id.
func (d *Device) DestroyAccelerationStructure(id registry.ID) error {
	a, err := d.AccelerationStructure(id)
	if err != nil {
		return err
	}
	return a.Destroy()
}

// register stores r in reg and records its ID.
func register[T trackedResource](reg *registry.Registry[T], r T) T {
	r.info().id = reg.Allocate(r)
	return r
}

// =============================================================================
// gpucontext integration
// =============================================================================

// Provider exposes the device through gpucontext.DeviceProvider so it can
// be handed to libraries that accept one.
func (d *Device) Provider() gpucontext.DeviceProvider {
	return deviceProvider{d}
}

type deviceProvider struct{ d *Device }

func (p deviceProvider) Device() gpucontext.Device { return p.d }
func (p deviceProvider) Queue() gpucontext.Queue   { return p.d.queue }

func (p deviceProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatUndefined
}

func (p deviceProvider) Adapter() gpucontext.Adapter {
	if p.d.adapter == nil {
		return nil
	}
	return p.d.adapter
}

func (p deviceProvider) AdapterInfo() gpucontext.AdapterInfo {
	return toContextInfo(p.d.opts.adapterInfo)
}

// toContextInfo converts hal adapter info to the gpucontext summary.
func toContextInfo(info gputypes.AdapterInfo) gpucontext.AdapterInfo {
	t := gpucontext.AdapterTypeUnknown
	switch info.DeviceType {
	case gputypes.DeviceTypeDiscreteGPU:
		t = gpucontext.AdapterTypeDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		t = gpucontext.AdapterTypeIntegrated
	case gputypes.DeviceTypeCPU:
		t = gpucontext.AdapterTypeSoftware
	}
	return gpucontext.AdapterInfo{Name: info.Name, Type: t}
}
