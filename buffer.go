package wgcore

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

const (
	// WholeSize selects everything from the offset to the end of a buffer.
	WholeSize = ^uint64(0)

	// copyBufferAlignment is the alignment of buffer copy offsets and sizes.
	copyBufferAlignment = 4

	// mapAlignment is the alignment of a map offset.
	mapAlignment = 8
)

// BufferDescriptor describes a buffer.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// MappedAtCreation maps the whole buffer for writing on creation.
	// Size must be a multiple of 4.
	MappedAtCreation bool
}

// Buffer is a linear GPU allocation.
type Buffer struct {
	resourceInfo
	raw   snatch.Snatchable[hal.Buffer]
	size  uint64
	usage gputypes.BufferUsage

	mapMu    sync.Mutex
	mapState gputypes.BufferMapState
	pending  *mapRequest
	mapped   mappedRange
}

type mapRequest struct {
	mode     gputypes.MapMode
	offset   uint64
	size     uint64
	callback func(error)
}

type mappedRange struct {
	mode   gputypes.MapMode
	offset uint64
	data   []byte
}

// CreateBuffer validates desc and creates a buffer.
func (d *Device) CreateBuffer(desc *BufferDescriptor) (*Buffer, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	if err := d.validateBuffer(desc); err != nil {
		return nil, err
	}

	raw, err := d.raw.CreateBuffer(&hal.BufferDescriptor{
		Label:            desc.Label,
		Size:             desc.Size,
		Usage:            desc.Usage,
		MappedAtCreation: desc.MappedAtCreation,
	})
	if err != nil {
		return nil, d.noteHALError("create buffer", err)
	}

	b := &Buffer{raw: snatch.New(raw), size: desc.Size, usage: desc.Usage}
	b.init(d, KindBuffer, desc.Label)

	if desc.MappedAtCreation {
		var data []byte
		if desc.Size > 0 {
			m, err := d.raw.MapBuffer(raw, 0, desc.Size)
			if err != nil {
				d.raw.DestroyBuffer(raw)
				return nil, d.noteHALError("create buffer: map at creation", err)
			}
			data = unsafe.Slice((*byte)(m.Ptr), desc.Size)
		}
		b.mapState = gputypes.BufferMapStateMapped
		b.mapped = mappedRange{mode: gputypes.MapModeWrite, data: data}
	}

	b.trackerIndex = d.bufferIndices.Alloc()
	d.tracker.InsertBuffer(b.trackerIndex)
	return register(d.buffers, b), nil
}

func (d *Device) validateBuffer(desc *BufferDescriptor) error {
	const op = "create buffer"
	switch {
	case desc == nil:
		return validationf(op, "descriptor is nil")
	case desc.Usage == 0 || desc.Usage.ContainsUnknownBits():
		return validationf(op, "%q: invalid usage %#x", desc.Label, uint64(desc.Usage))
	case desc.Size > d.opts.limits.MaxBufferSize:
		return validationf(op, "%q: size %d exceeds MaxBufferSize %d", desc.Label, desc.Size, d.opts.limits.MaxBufferSize)
	case desc.Usage.Contains(gputypes.BufferUsageMapRead) &&
		desc.Usage&^(gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst) != 0:
		return validationf(op, "%q: MapRead may only be combined with CopyDst", desc.Label)
	case desc.Usage.Contains(gputypes.BufferUsageMapWrite) &&
		desc.Usage&^(gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc) != 0:
		return validationf(op, "%q: MapWrite may only be combined with CopySrc", desc.Label)
	case desc.MappedAtCreation && desc.Size%copyBufferAlignment != 0:
		return validationf(op, "%q: mapped at creation needs a size multiple of %d, got %d",
			desc.Label, copyBufferAlignment, desc.Size)
	}
	return nil
}

// Size returns the size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the creation usage flags.
func (b *Buffer) Usage() gputypes.BufferUsage { return b.usage }

// MapState returns whether the buffer is unmapped, waiting for a map or
// mapped.
func (b *Buffer) MapState() gputypes.BufferMapState {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	return b.mapState
}

func (b *Buffer) destroyedError() error {
	return &DestroyedResourceError{Kind: KindBuffer, Label: b.label}
}

func (b *Buffer) checkLive(g *snatch.ReadGuard) error {
	if _, ok := b.raw.Get(g); !ok {
		return b.destroyedError()
	}
	return nil
}

func (b *Buffer) rawBuffer(g *snatch.ReadGuard) (hal.Buffer, error) {
	raw, ok := b.raw.Get(g)
	if !ok {
		return nil, b.destroyedError()
	}
	return raw, nil
}

// requireUsage reports an IncompatibleUsageError unless the buffer was
// created with every flag in want.
func (b *Buffer) requireUsage(want gputypes.BufferUsage) error {
	if b.usage.Contains(want) {
		return nil
	}
	return &IncompatibleUsageError{Kind: KindBuffer, Label: b.label, Actual: uint64(b.usage), Expected: uint64(want)}
}

// AsHAL calls fn with the raw buffer while holding the destruction guard.
// fn must not destroy the buffer or call back into the device.
func (b *Buffer) AsHAL(fn func(hal.Buffer)) error {
	guard := b.device.snatchLock.Read()
	defer guard.Release()
	raw, err := b.rawBuffer(&guard)
	if err != nil {
		return err
	}
	fn(raw)
	return nil
}

// Destroy frees the buffer's memory once the submissions using it have
// completed. A pending map fails with ErrMapAborted. Later submissions
// using the buffer are rejected. A second Destroy returns a
// DestroyedResourceError.
func (b *Buffer) Destroy() error {
	d := b.device
	guard := d.snatchLock.Write()
	raw, ok := b.raw.Snatch(&guard)
	guard.Release()
	if !ok {
		return b.destroyedError()
	}
	b.abortMap(raw)
	d.lifetime.schedule(b.lastUse(), KindBuffer, b.label, func() {
		d.raw.DestroyBuffer(raw)
	})
	return nil
}

// Release retires the buffer's ID. Its memory is freed once nothing
// references it.
func (b *Buffer) Release() error {
	return retire(b.device.buffers, b.id)
}

func (b *Buffer) free() {
	d := b.device
	guard := d.snatchLock.Write()
	raw, ok := b.raw.Snatch(&guard)
	guard.Release()
	if ok {
		b.abortMap(raw)
		d.raw.DestroyBuffer(raw)
	}
	d.tracker.Remove(track.KindBuffer, b.trackerIndex)
	d.bufferIndices.Free(b.trackerIndex)
}

// =============================================================================
// Mapping
// =============================================================================

// MapAsync requests CPU access to size bytes at offset. callback runs from
// Device.Poll once every submission using the buffer has completed, with
// nil on success, ErrMapAborted if the buffer was unmapped or destroyed
// first, or the backend error.
//
// offset must be a multiple of 8 and size a multiple of 4. Pass WholeSize
// to map to the end of the buffer.
func (b *Buffer) MapAsync(mode gputypes.MapMode, offset, size uint64, callback func(error)) error {
	const op = "map buffer"
	d := b.device
	if err := d.check(); err != nil {
		return err
	}
	switch mode {
	case gputypes.MapModeRead:
		if err := b.requireUsage(gputypes.BufferUsageMapRead); err != nil {
			return err
		}
	case gputypes.MapModeWrite:
		if err := b.requireUsage(gputypes.BufferUsageMapWrite); err != nil {
			return err
		}
	default:
		return validationf(op, "%q: map mode %#x must be exactly Read or Write", b.label, uint32(mode))
	}
	size, err := resolveRange(op, b, offset, size)
	if err != nil {
		return err
	}
	if offset%mapAlignment != 0 || size%copyBufferAlignment != 0 {
		return validationf(op, "%q: offset %d must be a multiple of %d and size %d a multiple of %d",
			b.label, offset, mapAlignment, size, copyBufferAlignment)
	}
	if callback == nil {
		callback = func(error) {}
	}

	guard := d.snatchLock.Read()
	defer guard.Release()
	if err := b.checkLive(&guard); err != nil {
		return err
	}

	b.mapMu.Lock()
	if b.mapState != gputypes.BufferMapStateUnmapped {
		state := b.mapState
		b.mapMu.Unlock()
		return validationf(op, "%q is already %s", b.label, state)
	}
	b.mapState = gputypes.BufferMapStatePending
	b.pending = &mapRequest{mode: mode, offset: offset, size: size, callback: callback}
	b.mapMu.Unlock()

	d.lifetime.addMap(b)
	return nil
}

// completeMap maps the pending range. Called by the lifetime tracker once
// the buffer's last submission has completed.
func (b *Buffer) completeMap() {
	d := b.device
	guard := d.snatchLock.Read()

	b.mapMu.Lock()
	req := b.pending
	if req == nil || b.mapState != gputypes.BufferMapStatePending {
		b.mapMu.Unlock()
		guard.Release()
		return
	}
	b.pending = nil

	var err error
	raw, ok := b.raw.Get(&guard)
	switch {
	case d.IsLost():
		err = ErrDeviceLost
	case !ok:
		err = ErrMapAborted
	case req.size == 0:
		b.mapState = gputypes.BufferMapStateMapped
		b.mapped = mappedRange{mode: req.mode, offset: req.offset}
	default:
		m, merr := d.raw.MapBuffer(raw, req.offset, req.size)
		if merr != nil {
			err = d.noteHALError("map buffer", merr)
			break
		}
		b.mapState = gputypes.BufferMapStateMapped
		b.mapped = mappedRange{mode: req.mode, offset: req.offset, data: unsafe.Slice((*byte)(m.Ptr), req.size)}
	}
	if err != nil {
		b.mapState = gputypes.BufferMapStateUnmapped
	}
	b.mapMu.Unlock()
	guard.Release()

	req.callback(err)
}

// MappedRange returns the mapped bytes [offset, offset+size). The range
// must lie inside the mapped range. The slice is valid until Unmap.
func (b *Buffer) MappedRange(offset, size uint64) ([]byte, error) {
	const op = "mapped range"
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if b.mapState != gputypes.BufferMapStateMapped {
		return nil, validationf(op, "%q is %s", b.label, b.mapState)
	}
	m := b.mapped
	end := m.offset + uint64(len(m.data))
	if size == WholeSize {
		if offset > end {
			return nil, validationf(op, "%q: offset %d is past the mapped range end %d", b.label, offset, end)
		}
		size = end - offset
	}
	if offset < m.offset || offset > end || size > end-offset {
		return nil, validationf(op, "%q: [%d,%d) is outside the mapped range [%d,%d)",
			b.label, offset, offset+size, m.offset, end)
	}
	return m.data[offset-m.offset : offset-m.offset+size : offset-m.offset+size], nil
}

// Unmap ends CPU access. A pending map fails with ErrMapAborted.
// Unmapping an unmapped buffer does nothing.
func (b *Buffer) Unmap() error {
	d := b.device
	guard := d.snatchLock.Read()

	b.mapMu.Lock()
	state, req := b.mapState, b.pending
	b.mapState = gputypes.BufferMapStateUnmapped
	b.pending = nil
	b.mapped = mappedRange{}
	b.mapMu.Unlock()

	var err error
	if state == gputypes.BufferMapStateMapped {
		var raw hal.Buffer
		if raw, err = b.rawBuffer(&guard); err == nil {
			if uerr := d.raw.UnmapBuffer(raw); uerr != nil {
				err = d.noteHALError("unmap buffer", uerr)
			}
		}
	}
	guard.Release()

	if state == gputypes.BufferMapStatePending {
		d.lifetime.removeMap(b)
		req.callback(ErrMapAborted)
	}
	return err
}

// abortMap drops any mapping of a buffer whose raw handle was just
// snatched.
func (b *Buffer) abortMap(raw hal.Buffer) {
	b.mapMu.Lock()
	state, req := b.mapState, b.pending
	b.mapState = gputypes.BufferMapStateUnmapped
	b.pending = nil
	b.mapped = mappedRange{}
	b.mapMu.Unlock()

	switch state {
	case gputypes.BufferMapStatePending:
		b.device.lifetime.removeMap(b)
		b.device.logEvent(slog.LevelWarn, "wgcore: pending map aborted", "buffer", b.label)
		req.callback(ErrMapAborted)
	case gputypes.BufferMapStateMapped:
		_ = b.device.raw.UnmapBuffer(raw)
	}
}

// =============================================================================
// Slices
// =============================================================================

// BufferSlice is a byte range of a buffer.
type BufferSlice struct {
	buffer *Buffer
	offset uint64
	size   uint64
}

// Slice returns the range [offset, offset+size) of b. Pass WholeSize to
// slice to the end.
func (b *Buffer) Slice(offset, size uint64) (BufferSlice, error) {
	size, err := resolveRange("slice buffer", b, offset, size)
	if err != nil {
		return BufferSlice{}, err
	}
	return BufferSlice{buffer: b, offset: offset, size: size}, nil
}

// Buffer returns the sliced buffer.
func (s BufferSlice) Buffer() *Buffer { return s.buffer }

// Offset returns the slice start within the buffer.
func (s BufferSlice) Offset() uint64 { return s.offset }

// Size returns the slice length in bytes.
func (s BufferSlice) Size() uint64 { return s.size }

// Slice returns a sub-range of s; offset is relative to the start of s.
func (s BufferSlice) Slice(offset, size uint64) (BufferSlice, error) {
	if offset > s.size {
		return BufferSlice{}, validationf("slice buffer", "%q: offset %d is past slice size %d",
			s.buffer.label, offset, s.size)
	}
	if size == WholeSize {
		size = s.size - offset
	}
	if size > s.size-offset {
		return BufferSlice{}, validationf("slice buffer", "%q: [%d,%d) exceeds slice size %d",
			s.buffer.label, offset, offset+size, s.size)
	}
	return BufferSlice{buffer: s.buffer, offset: s.offset + offset, size: size}, nil
}

// MapAsync maps the slice. See Buffer.MapAsync.
func (s BufferSlice) MapAsync(mode gputypes.MapMode, callback func(error)) error {
	return s.buffer.MapAsync(mode, s.offset, s.size, callback)
}

// MappedRange returns the mapped bytes of the slice.
func (s BufferSlice) MappedRange() ([]byte, error) {
	return s.buffer.MappedRange(s.offset, s.size)
}

// resolveRange checks [offset, offset+size) against b and resolves
// WholeSize.
func resolveRange(op string, b *Buffer, offset, size uint64) (uint64, error) {
	if offset > b.size {
		return 0, validationf(op, "%q: offset %d is past buffer size %d", b.label, offset, b.size)
	}
	if size == WholeSize {
		return b.size - offset, nil
	}
	if size > b.size-offset {
		return 0, validationf(op, "%q: [%d,%d) exceeds buffer size %d", b.label, offset, offset+size, b.size)
	}
	return size, nil
}
