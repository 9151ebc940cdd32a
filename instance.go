package wgcore

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Noop backend: always available, used when no GPU backend is.
	_ "github.com/gogpu/wgpu/hal/noop"
)

// Instance is the entry point to a hal backend. It picks the backend from
// those registered with hal, trying them in priority order until one
// creates an instance.
type Instance struct {
	backend gputypes.Backend
	raw     hal.Instance
	opts    instanceOptions
}

// NewInstance creates an instance on the first backend, in priority
// order, that succeeds. A backend that fails is logged and skipped.
func NewInstance(opts ...InstanceOption) (*Instance, error) {
	o := instanceOptions{priority: defaultBackendPriority}
	for _, opt := range opts {
		opt(&o)
	}

	backends := gpucontext.NewRegistry[hal.Backend](gpucontext.WithPriority(o.priority...))
	for _, v := range hal.AvailableBackends() {
		b, ok := hal.GetBackend(v)
		if !ok {
			continue
		}
		backends.Register(v.String(), func() hal.Backend { return b })
	}

	Logger().Debug("wgcore: backends registered",
		"available", backends.Available(), "preferred", backends.BestName())
	for _, name := range backendOrder(backends, o.priority) {
		b := backends.Get(name)
		if b == nil {
			continue
		}
		raw, err := b.CreateInstance(&hal.InstanceDescriptor{
			Backends: gputypes.BackendsAll,
			Flags:    o.flags,
		})
		if err != nil {
			Logger().Warn("wgcore: backend unavailable", "backend", name, "err", err)
			continue
		}
		Logger().Info("wgcore: instance created", "backend", name)
		return &Instance{backend: b.Variant(), raw: raw, opts: o}, nil
	}
	return nil, fmt.Errorf("%w (registered: %v)", ErrNoBackend, backends.Available())
}

// backendOrder lists the registered names: prioritized ones first in
// priority order, then the rest sorted by name.
func backendOrder(r *gpucontext.Registry[hal.Backend], priority []string) []string {
	order := make([]string, 0, r.Count())
	for _, name := range priority {
		if r.Has(name) && !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	rest := r.Available()
	slices.Sort(rest)
	for _, name := range rest {
		if !slices.Contains(order, name) {
			order = append(order, name)
		}
	}
	return order
}

// Backend returns the backend the instance runs on.
func (i *Instance) Backend() gputypes.Backend { return i.backend }

// Adapters lists the adapters of the instance, discrete GPUs first, then
// integrated, then everything else. Order within a class is the
// backend's.
func (i *Instance) Adapters() []*Adapter {
	exposed := i.raw.EnumerateAdapters(nil)
	out := make([]*Adapter, 0, len(exposed))
	for _, e := range exposed {
		out = append(out, &Adapter{
			instance: i,
			raw:      e.Adapter,
			info:     e.Info,
			features: e.Features,
			limits:   e.Capabilities.Limits,
		})
	}
	slices.SortStableFunc(out, func(a, b *Adapter) int {
		return cmp.Compare(adapterRank(a.info.DeviceType), adapterRank(b.info.DeviceType))
	})
	return out
}

func adapterRank(t gputypes.DeviceType) int {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return 0
	case gputypes.DeviceTypeIntegratedGPU:
		return 1
	default:
		return 2
	}
}

// RequestAdapter returns the preferred adapter.
func (i *Instance) RequestAdapter() (*Adapter, error) {
	adapters := i.Adapters()
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	a := adapters[0]
	Logger().Debug("wgcore: adapter selected", "name", a.info.Name, "type", a.info.DeviceType, "candidates", len(adapters))
	return a, nil
}

// Destroy releases the backend instance. Devices opened from it must be
// destroyed first.
func (i *Instance) Destroy() {
	i.raw.Destroy()
}

// Adapter is a physical device exposed by an Instance.
type Adapter struct {
	instance *Instance
	raw      hal.Adapter
	info     gputypes.AdapterInfo
	features gputypes.Features
	limits   gputypes.Limits
}

// Info describes the adapter.
func (a *Adapter) Info() gputypes.AdapterInfo { return a.info }

// Features returns the optional features the adapter supports.
func (a *Adapter) Features() gputypes.Features { return a.features }

// Limits returns the best limits the adapter supports.
func (a *Adapter) Limits() gputypes.Limits { return a.limits }

// ContextInfo returns the adapter summary used by gpucontext consumers.
func (a *Adapter) ContextInfo() gpucontext.AdapterInfo { return toContextInfo(a.info) }

// RequestDevice opens a device on the adapter. Requested features and
// limits are checked against the adapter before the backend is asked.
// The device owns the hal device and destroys it on Device.Destroy.
func (a *Adapter) RequestDevice(opts ...DeviceOption) (*Device, error) {
	const op = "request device"
	o := defaultDeviceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !a.features.ContainsAll(o.features) {
		return nil, fmt.Errorf("%s: features %#x not in adapter set %#x: %w",
			op, uint64(o.features), uint64(a.features), ErrFeatureNotSupported)
	}
	if err := checkLimits(op, o.limits, a.limits); err != nil {
		return nil, err
	}

	open, err := a.raw.Open(o.features, o.limits)
	if err != nil {
		return nil, fmt.Errorf("%s on %q: %w", op, a.info.Name, err)
	}
	all := append([]DeviceOption{
		WithBackend(a.instance.backend),
		withAdapterInfo(a.info),
	}, opts...)
	d, err := NewDevice(open.Device, open.Queue, all...)
	if err != nil {
		open.Device.Destroy()
		return nil, err
	}
	d.adapter = a
	d.ownsRaw = true
	return d, nil
}

// checkLimits rejects requested limits the adapter cannot meet.
func checkLimits(op string, want, have gputypes.Limits) error {
	type limit struct {
		name       string
		want, have uint64
	}
	for _, l := range []limit{
		{"MaxTextureDimension2D", uint64(want.MaxTextureDimension2D), uint64(have.MaxTextureDimension2D)},
		{"MaxBindGroups", uint64(want.MaxBindGroups), uint64(have.MaxBindGroups)},
		{"MaxBufferSize", want.MaxBufferSize, have.MaxBufferSize},
		{"MaxPushConstantSize", uint64(want.MaxPushConstantSize), uint64(have.MaxPushConstantSize)},
		{"MaxComputeWorkgroupsPerDimension", uint64(want.MaxComputeWorkgroupsPerDimension), uint64(have.MaxComputeWorkgroupsPerDimension)},
	} {
		if l.want > l.have {
			return validationf(op, "%s %d exceeds adapter limit %d", l.name, l.want, l.have)
		}
	}
	return nil
}
