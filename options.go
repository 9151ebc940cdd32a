package wgcore

import (
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/wgcore/track"
)

// DefaultPollInterval is how long a waiting Poll sleeps between checks of
// the queue's completed submission index.
const DefaultPollInterval = 200 * time.Microsecond

// DeviceOption configures a Device during creation.
//
// Example:
//
//	device, err := wgcore.NewDevice(halDevice, halQueue,
//	    wgcore.WithLabel("compute"),
//	    wgcore.WithTrackingPolicy(track.Policy{Aliasing: track.RejectAliasedWrites}),
//	)
type DeviceOption func(*deviceOptions)

type deviceOptions struct {
	label        string
	backend      gputypes.Backend
	limits       gputypes.Limits
	features     gputypes.Features
	policy       track.Policy
	pollInterval time.Duration
	adapterInfo  gputypes.AdapterInfo
	layoutIdle   int
}

func defaultDeviceOptions() deviceOptions {
	return deviceOptions{
		backend:      gputypes.BackendEmpty,
		limits:       gputypes.DefaultLimits(),
		policy:       track.DefaultPolicy(),
		pollInterval: DefaultPollInterval,
		layoutIdle:   -1,
	}
}

// WithLabel sets the device debug label.
func WithLabel(label string) DeviceOption {
	return func(o *deviceOptions) {
		o.label = label
	}
}

// WithBackend sets the backend tag stamped into every ID the device
// issues. RequestDevice sets it from the adapter.
func WithBackend(b gputypes.Backend) DeviceOption {
	return func(o *deviceOptions) {
		o.backend = b
	}
}

// WithLimits sets the limits resources and commands are validated
// against. The default is gputypes.DefaultLimits.
func WithLimits(l gputypes.Limits) DeviceOption {
	return func(o *deviceOptions) {
		o.limits = l
	}
}

// WithFeatures declares the optional features the device was opened with.
func WithFeatures(f gputypes.Features) DeviceOption {
	return func(o *deviceOptions) {
		o.features = f
	}
}

// WithTrackingPolicy sets the write-after-write and aliasing rules of the
// usage tracker.
func WithTrackingPolicy(p track.Policy) DeviceOption {
	return func(o *deviceOptions) {
		o.policy = p
	}
}

// WithPollInterval sets the sleep between completion checks of a waiting
// Poll. Non-positive values select DefaultPollInterval.
func WithPollInterval(d time.Duration) DeviceOption {
	return func(o *deviceOptions) {
		if d <= 0 {
			d = DefaultPollInterval
		}
		o.pollInterval = d
	}
}

// WithLayoutCacheSize sets how many unused bind group layouts are kept per
// cache shard for reuse. Zero destroys a layout as soon as its last user
// is released.
func WithLayoutCacheSize(n int) DeviceOption {
	return func(o *deviceOptions) {
		o.layoutIdle = n
	}
}

func withAdapterInfo(info gputypes.AdapterInfo) DeviceOption {
	return func(o *deviceOptions) {
		o.adapterInfo = info
	}
}

// InstanceOption configures an Instance.
type InstanceOption func(*instanceOptions)

type instanceOptions struct {
	priority []string
	flags    gputypes.InstanceFlags
}

// defaultBackendPriority lists backends from most to least preferred.
// Empty is the noop backend and always comes last.
var defaultBackendPriority = []string{
	gputypes.BackendVulkan.String(),
	gputypes.BackendMetal.String(),
	gputypes.BackendDX12.String(),
	gputypes.BackendGL.String(),
	gputypes.BackendEmpty.String(),
}

// WithBackendPriority sets the order in which backends are tried, by
// gputypes.Backend name ("Vulkan", "Metal", "DX12", "GL", "Empty").
// Backends not listed are only used when none of the listed ones is
// registered.
func WithBackendPriority(names ...string) InstanceOption {
	return func(o *instanceOptions) {
		o.priority = names
	}
}

// WithInstanceFlags passes debug and validation flags to the backend.
func WithInstanceFlags(f gputypes.InstanceFlags) InstanceOption {
	return func(o *instanceOptions) {
		o.flags = f
	}
}
