package wgcore

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

// AccelerationStructureLevel tells bottom-level structures, which hold
// geometry, from top-level structures, which hold instances of
// bottom-level ones.
type AccelerationStructureLevel uint8

// Acceleration structure levels.
const (
	BottomLevel AccelerationStructureLevel = iota
	TopLevel
)

func (l AccelerationStructureLevel) String() string {
	switch l {
	case BottomLevel:
		return "BottomLevel"
	case TopLevel:
		return "TopLevel"
	default:
		return fmt.Sprintf("Unknown(%d)", l)
	}
}

// AccelerationStructureDescriptor describes an acceleration structure.
// Size is the byte size of its backing storage.
type AccelerationStructureDescriptor struct {
	Label string
	Level AccelerationStructureLevel
	Size  uint64
}

// AccelerationStructure is a ray tracing structure stored in a backend
// storage buffer.
type AccelerationStructure struct {
	resourceInfo
	raw   snatch.Snatchable[hal.Buffer]
	level AccelerationStructureLevel
	size  uint64
}

// CreateAccelerationStructure allocates the backing storage of an
// acceleration structure. Its contents are undefined until built.
func (d *Device) CreateAccelerationStructure(desc *AccelerationStructureDescriptor) (*AccelerationStructure, error) {
	const op = "create acceleration structure"
	if err := d.check(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, validationf(op, "descriptor is nil")
	}
	if desc.Level > TopLevel {
		return nil, validationf(op, "%q: unknown level %d", desc.Label, desc.Level)
	}
	if desc.Size == 0 || desc.Size%copyBufferAlignment != 0 || desc.Size > d.opts.limits.MaxBufferSize {
		return nil, validationf(op, "%q: size %d must be a non-zero multiple of %d within %d",
			desc.Label, desc.Size, copyBufferAlignment, d.opts.limits.MaxBufferSize)
	}
	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, d.noteHALError(op, err)
	}
	a := &AccelerationStructure{raw: snatch.New(raw), level: desc.Level, size: desc.Size}
	a.init(d, KindAccelerationStructure, desc.Label)
	a.trackerIndex = d.accelIndices.Alloc()
	d.tracker.InsertAS(a.trackerIndex)
	return register(d.accels, a), nil
}

// Level returns whether the structure is bottom- or top-level.
func (a *AccelerationStructure) Level() AccelerationStructureLevel { return a.level }

// Size returns the byte size of the backing storage.
func (a *AccelerationStructure) Size() uint64 { return a.size }

func (a *AccelerationStructure) destroyedError() error {
	return &DestroyedResourceError{Kind: KindAccelerationStructure, Label: a.label}
}

func (a *AccelerationStructure) checkLive(g *snatch.ReadGuard) error {
	if _, ok := a.raw.Get(g); !ok {
		return a.destroyedError()
	}
	return nil
}

// Destroy frees the backing storage once the submissions using the
// structure complete. A second Destroy returns a DestroyedResourceError.
func (a *AccelerationStructure) Destroy() error {
	d := a.device
	guard := d.snatchLock.Write()
	raw, ok := a.raw.Snatch(&guard)
	guard.Release()
	if !ok {
		return a.destroyedError()
	}
	d.lifetime.schedule(a.lastUse(), KindAccelerationStructure, a.label, func() {
		d.raw.DestroyBuffer(raw)
	})
	return nil
}

// Release retires the structure's ID.
func (a *AccelerationStructure) Release() error {
	return retire(a.device.accels, a.id)
}

func (a *AccelerationStructure) free() {
	d := a.device
	guard := d.snatchLock.Write()
	raw, ok := a.raw.Snatch(&guard)
	guard.Release()
	if ok {
		d.raw.DestroyBuffer(raw)
	}
	d.tracker.Remove(track.KindAccelerationStructure, a.trackerIndex)
	d.accelIndices.Free(a.trackerIndex)
}

// =============================================================================
// Builds
// =============================================================================

// AccelerationStructureBuild describes one build. Geometry holds the
// vertex, index and transform buffers of a bottom-level build; Instances
// holds the bottom-level structures a top-level build references. A
// non-nil Source refits from an earlier build instead of building from
// scratch.
type AccelerationStructureBuild struct {
	Destination *AccelerationStructure
	Source      *AccelerationStructure
	Geometry    []BufferSlice
	Instances   []*AccelerationStructure
}

// RawAccelerationStructureBuild is one build in backend form. Each
// structure is given by its backing buffer.
type RawAccelerationStructureBuild struct {
	Destination hal.Buffer
	Source      hal.Buffer
	Geometry    []hal.Buffer
	Instances   []hal.Buffer
}

// AccelerationStructureEncoder is implemented by hal command encoders
// that can build acceleration structures. Encoders without it fail
// BuildAccelerationStructures with ErrFeatureNotSupported.
type AccelerationStructureEncoder interface {
	BuildAccelerationStructures(builds []RawAccelerationStructureBuild)
}

// asInputUsage are the buffer usages accepted for build geometry.
const asInputUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex | gputypes.BufferUsageStorage

func checkBuild(d *Device, b *AccelerationStructureBuild) error {
	const op = "build acceleration structures"
	dst := b.Destination
	if dst == nil || dst.device != d {
		return validationf(op, "destination is missing or belongs to another device")
	}
	if b.Source != nil && (b.Source.device != d || b.Source.level != dst.level) {
		return validationf(op, "%q: refit source must be a %s structure of this device", dst.label, dst.level)
	}
	switch dst.level {
	case BottomLevel:
		if len(b.Instances) > 0 {
			return validationf(op, "%q: bottom-level builds take geometry, not instances", dst.label)
		}
		if len(b.Geometry) == 0 {
			return validationf(op, "%q: bottom-level build without geometry", dst.label)
		}
	case TopLevel:
		if len(b.Geometry) > 0 {
			return validationf(op, "%q: top-level builds take instances, not geometry", dst.label)
		}
	}
	for _, s := range b.Geometry {
		if s.buffer == nil || s.buffer.device != d {
			return validationf(op, "%q: geometry buffer is missing or belongs to another device", dst.label)
		}
		if s.buffer.usage&asInputUsage == 0 {
			return &IncompatibleUsageError{
				Kind: KindBuffer, Label: s.buffer.label,
				Actual: uint64(s.buffer.usage), Expected: uint64(gputypes.BufferUsageStorage),
			}
		}
	}
	for _, inst := range b.Instances {
		if inst == nil || inst.device != d || inst.level != BottomLevel {
			return validationf(op, "%q: instances must be bottom-level structures of this device", dst.label)
		}
	}
	return nil
}
