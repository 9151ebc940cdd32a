package wgcore

import (
	"fmt"
	"strings"

	"github.com/gogpu/wgcore/registry"
	"github.com/gogpu/wgcore/track"
)

// Report is a snapshot of a device's bookkeeping, for diagnostics.
type Report struct {
	// Registries holds the registry summary of every resource kind that
	// has one.
	Registries map[ResourceKind]registry.Report

	// ActiveSubmissions is the number of submissions not yet retired.
	ActiveSubmissions int
	// DeferredFrees is the number of destroyed or released resources
	// waiting for no submission to use them.
	DeferredFrees int

	// QueueWrites counts WriteBuffer and WriteTexture calls that reached
	// the backend. QueueWriteTransitions counts the state changes those
	// writes made, each ordered by the backend waiting for earlier work.
	QueueWrites           uint64
	QueueWriteTransitions uint64

	// TrackedBuffers, TrackedTextures and TrackedAccels count the
	// resources with a device-wide tracked state.
	TrackedBuffers  int
	TrackedTextures int
	TrackedAccels   int

	// LayoutPool summarizes the shared bind group layout pool.
	LayoutPool LayoutPoolStats
}

// LayoutPoolStats summarizes the bind group layout pool.
type LayoutPoolStats struct {
	Len, Idle               int
	Hits, Misses, Evictions uint64
}

// Report returns a snapshot of the device's registries, lifetime queues
// and trackers. It works on a lost device.
func (d *Device) Report() Report {
	active, deferred := d.lifetime.counts()
	st := d.layouts.Stats()
	return Report{
		Registries: map[ResourceKind]registry.Report{
			KindBuffer:                d.buffers.Report(),
			KindTexture:               d.textures.Report(),
			KindTextureView:           d.textureViews.Report(),
			KindSampler:               d.samplers.Report(),
			KindBindGroupLayout:       d.bindGroupLayouts.Report(),
			KindPipelineLayout:        d.pipelineLayouts.Report(),
			KindBindGroup:             d.bindGroups.Report(),
			KindShaderModule:          d.shaderModules.Report(),
			KindComputePipeline:       d.computePipelines.Report(),
			KindRenderPipeline:        d.renderPipelines.Report(),
			KindQuerySet:              d.querySets.Report(),
			KindAccelerationStructure: d.accels.Report(),
		},
		ActiveSubmissions:     active,
		DeferredFrees:         deferred,
		QueueWrites:           d.queue.queueWrites.Load(),
		QueueWriteTransitions: d.queue.queueWriteTransitions.Load(),
		TrackedBuffers:        d.tracker.Len(track.KindBuffer),
		TrackedTextures:       d.tracker.Len(track.KindTexture),
		TrackedAccels:         d.tracker.Len(track.KindAccelerationStructure),
		LayoutPool: LayoutPoolStats{
			Len:       st.Len,
			Idle:      st.Idle,
			Hits:      st.Hits,
			Misses:    st.Misses,
			Evictions: st.Evictions,
		},
	}
}

// Live returns the number of live resources across all registries.
func (r Report) Live() int {
	n := 0
	for _, rr := range r.Registries {
		n += rr.Occupied
	}
	return n
}

func (r Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "submissions=%d deferred=%d writes=%d tracked=%d/%d/%d",
		r.ActiveSubmissions, r.DeferredFrees, r.QueueWrites, r.TrackedBuffers, r.TrackedTextures, r.TrackedAccels)
	for k := range kindCount {
		rr, ok := r.Registries[k]
		if !ok || rr.Occupied+rr.Vacant == 0 {
			continue
		}
		fmt.Fprintf(&sb, " %s=%d", strings.ReplaceAll(k.String(), " ", "_"), rr.Occupied)
	}
	return sb.String()
}
