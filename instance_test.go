package wgcore

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

func newNoopInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := NewInstance(WithBackendPriority(gputypes.BackendEmpty.String()))
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	t.Cleanup(inst.Destroy)
	return inst
}

func TestNewInstanceNoop(t *testing.T) {
	inst := newNoopInstance(t)
	if got := inst.Backend(); got != gputypes.BackendEmpty {
		t.Fatalf("Backend = %v, want Empty", got)
	}

	a, err := inst.RequestAdapter()
	if err != nil {
		t.Fatalf("RequestAdapter: %v", err)
	}
	if got := a.Info().Name; got != "Noop Adapter" {
		t.Errorf("adapter name = %q", got)
	}
	if a.Limits() != gputypes.DefaultLimits() {
		t.Error("noop adapter limits are not the defaults")
	}
	if a.Features() != 0 {
		t.Errorf("noop adapter features = %#x, want none", uint64(a.Features()))
	}
	if ci := a.ContextInfo(); ci.Name != "Noop Adapter" || ci.Type != gpucontext.AdapterTypeUnknown {
		t.Errorf("ContextInfo = %+v", ci)
	}
}

func TestNewInstanceUnknownPriority(t *testing.T) {
	// Unlisted backends are still tried after the listed ones.
	inst, err := NewInstance(WithBackendPriority("NoSuchBackend"))
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	defer inst.Destroy()
	if len(inst.Adapters()) == 0 {
		t.Error("instance exposes no adapters")
	}
}

func TestRequestDevice(t *testing.T) {
	a, err := newNoopInstance(t).RequestAdapter()
	if err != nil {
		t.Fatal(err)
	}

	d, err := a.RequestDevice(WithLabel("noop"))
	if err != nil {
		t.Fatalf("RequestDevice: %v", err)
	}
	defer d.Destroy()

	if d.Backend() != gputypes.BackendEmpty || d.Info().Name != "Noop Adapter" || d.Label() != "noop" {
		t.Errorf("device = backend %v, adapter %q, label %q", d.Backend(), d.Info().Name, d.Label())
	}
	if d.Provider().Adapter() != gpucontext.Adapter(a) {
		t.Error("Provider().Adapter() is not the opening adapter")
	}
	if got := d.Provider().AdapterInfo().Name; got != "Noop Adapter" {
		t.Errorf("Provider().AdapterInfo().Name = %q", got)
	}

	// The device works end to end on the noop backend.
	buf, err := d.CreateBuffer(&BufferDescriptor{Size: 16, Usage: gputypes.BufferUsageCopyDst})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Queue().WriteBuffer(buf, 0, make([]byte, 16)); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	if _, err := d.Queue().Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestRequestDeviceRejects(t *testing.T) {
	a, err := newNoopInstance(t).RequestAdapter()
	if err != nil {
		t.Fatal(err)
	}

	bigLimits := func(mod func(*gputypes.Limits)) gputypes.Limits {
		l := gputypes.DefaultLimits()
		mod(&l)
		return l
	}
	tests := []struct {
		name string
		opt  DeviceOption
		want error
	}{
		{"unsupported feature", WithFeatures(gputypes.Features(gputypes.FeatureDepthClipControl)), ErrFeatureNotSupported},
		{"more bind groups", WithLimits(bigLimits(func(l *gputypes.Limits) { l.MaxBindGroups = 8 })), ErrValidation},
		{"push constants", WithLimits(bigLimits(func(l *gputypes.Limits) { l.MaxPushConstantSize = 128 })), ErrValidation},
		{"bigger buffers", WithLimits(bigLimits(func(l *gputypes.Limits) { l.MaxBufferSize *= 2 })), ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := a.RequestDevice(tt.opt)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if d != nil {
				d.Destroy()
				t.Error("device returned with an error")
			}
		})
	}
}

func TestAdapterRank(t *testing.T) {
	types := []gputypes.DeviceType{
		gputypes.DeviceTypeCPU,
		gputypes.DeviceTypeIntegratedGPU,
		gputypes.DeviceTypeOther,
		gputypes.DeviceTypeDiscreteGPU,
	}
	slices.SortStableFunc(types, func(a, b gputypes.DeviceType) int {
		return adapterRank(a) - adapterRank(b)
	})
	want := []gputypes.DeviceType{
		gputypes.DeviceTypeDiscreteGPU,
		gputypes.DeviceTypeIntegratedGPU,
		gputypes.DeviceTypeCPU,
		gputypes.DeviceTypeOther,
	}
	if !slices.Equal(types, want) {
		t.Errorf("order = %v, want %v", types, want)
	}
}

func TestBackendOrder(t *testing.T) {
	r := gpucontext.NewRegistry[hal.Backend]()
	for _, name := range []string{"Vulkan", "Empty", "GL"} {
		r.Register(name, func() hal.Backend { return noop.API{} })
	}

	tests := []struct {
		name     string
		priority []string
		want     []string
	}{
		{"no priority", nil, []string{"Empty", "GL", "Vulkan"}},
		{"partial", []string{"GL"}, []string{"GL", "Empty", "Vulkan"}},
		{"unregistered and repeated", []string{"Metal", "Vulkan", "Vulkan", "Empty"}, []string{"Vulkan", "Empty", "GL"}},
		{"default", defaultBackendPriority, []string{"Vulkan", "GL", "Empty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := backendOrder(r, tt.priority); !slices.Equal(got, tt.want) {
				t.Errorf("backendOrder = %v, want %v", got, tt.want)
			}
		})
	}
}
