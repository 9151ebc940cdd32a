package wgcore

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/track"
)

// Queue submits command buffers to a device and writes buffers and
// textures directly.
//
// Submissions are serialized: command buffers from concurrent Submit
// calls never interleave, and their start states are resolved against
// the device state in submission order.
type Queue struct {
	device *Device
	raw    hal.Queue
	mu     sync.Mutex

	queueWrites           atomic.Uint64
	queueWriteTransitions atomic.Uint64
}

// Device returns the device the queue belongs to.
func (q *Queue) Device() *Device { return q.device }

// AsHAL returns the underlying hal queue.
func (q *Queue) AsHAL() hal.Queue { return q.raw }

// completed returns the backend's completed submission index.
func (q *Queue) completed() SubmissionIndex {
	q.mu.Lock()
	defer q.mu.Unlock()
	return SubmissionIndex(q.raw.PollCompleted())
}

// Submit executes buffers in list order and returns the submission index.
//
// Every buffer is consumed, even when Submit fails. Submit fails when a
// buffer was already submitted or released, uses a destroyed resource, or
// uses a buffer that is mapped. Before each buffer, Submit inserts the
// barriers that move its resources from their device state to the state
// the buffer expects.
func (q *Queue) Submit(buffers ...*CommandBuffer) (SubmissionIndex, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	d := q.device
	if err := d.check(); err != nil {
		return 0, err
	}

	var err error
	consumed := make([]*CommandBuffer, 0, len(buffers))
	for i, cb := range buffers {
		if cb == nil {
			if err == nil {
				err = validationf("submit", "command buffer %d is nil", i)
			}
			continue
		}
		if cerr := cb.consume(); cerr != nil {
			if err == nil {
				err = cerr
			}
			continue
		}
		consumed = append(consumed, cb)
	}

	var sub *activeSubmission
	if err == nil {
		sub, err = q.submitLocked(consumed)
	}
	if err != nil {
		for _, cb := range consumed {
			cb.fail(err)
		}
		return 0, err
	}

	d.lifetime.track(sub)
	d.logEvent(slog.LevelDebug, "wgcore: submitted",
		"index", uint64(sub.index), "buffers", len(consumed), "preludes", len(sub.rawBuffers)-len(consumed))
	return sub.index, nil
}

// submitLocked validates, resolves and submits consumed buffers.
// The snatch read guard is held until every used resource is stamped,
// so a concurrent Destroy either fails this submit or waits for it.
func (q *Queue) submitLocked(buffers []*CommandBuffer) (*activeSubmission, error) {
	d := q.device
	guard := d.snatchLock.Read()
	defer guard.Release()

	for _, cb := range buffers {
		if err := cb.used.validate(&guard); err != nil {
			return nil, fmt.Errorf("submit %q: %w", cb.label, err)
		}
	}

	// The device state only advances if the backend accepts the work.
	trackers := make([]*track.Tracker, len(buffers))
	for i, cb := range buffers {
		trackers[i] = cb.tracker
	}
	cp := d.tracker.Checkpoint(trackers...)

	sub := &activeSubmission{}
	raws := make([]hal.CommandBuffer, 0, 2*len(buffers))
	for _, cb := range buffers {
		t := d.tracker.Resolve(cb.tracker)
		if !t.IsEmpty() {
			enc, raw, err := q.encodePrelude(cb.label, func(enc hal.CommandEncoder) {
				cb.used.emit(enc, t, &guard)
			})
			if err != nil {
				d.tracker.Rollback(cp)
				q.freeRaw(sub)
				return nil, err
			}
			sub.encoders = append(sub.encoders, enc)
			sub.rawBuffers = append(sub.rawBuffers, raw)
			raws = append(raws, raw)
		}
		raws = append(raws, cb.raw)
	}

	index, err := q.raw.Submit(raws)
	if err != nil {
		d.tracker.Rollback(cp)
		q.freeRaw(sub)
		return nil, d.noteHALError("submit", err)
	}

	sub.index = SubmissionIndex(index)
	for _, cb := range buffers {
		cb.used.stamp(sub.index)
		sub.rawBuffers = append(sub.rawBuffers, cb.raw)
		sub.encoders = append(sub.encoders, cb.encoder)
		cb.raw, cb.encoder = nil, nil
	}
	sub.buffers = buffers
	return sub, nil
}

// encodePrelude records a barrier-only command buffer.
func (q *Queue) encodePrelude(label string, record func(hal.CommandEncoder)) (hal.CommandEncoder, hal.CommandBuffer, error) {
	d := q.device
	enc, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label + " (prelude)"})
	if err != nil {
		return nil, nil, d.noteHALError("create prelude encoder", err)
	}
	if err := enc.BeginEncoding(label + " (prelude)"); err != nil {
		enc.Destroy()
		return nil, nil, d.noteHALError("begin prelude", err)
	}
	record(enc)
	raw, err := enc.EndEncoding()
	if err != nil {
		enc.Destroy()
		return nil, nil, d.noteHALError("end prelude", err)
	}
	return enc, raw, nil
}

// freeRaw frees the preludes of a submission that never reached the backend.
func (q *Queue) freeRaw(sub *activeSubmission) {
	for _, raw := range sub.rawBuffers {
		q.device.raw.FreeCommandBuffer(raw)
	}
	for _, enc := range sub.encoders {
		enc.Destroy()
	}
	sub.rawBuffers, sub.encoders = nil, nil
}

// WriteBuffer copies data into b at offset through the backend's staging
// path. The write is ordered before every later submission.
//
// b needs CopyDst usage; offset and len(data) must be multiples of 4.
// Destroying b right after the write is allowed.
func (q *Queue) WriteBuffer(b *Buffer, offset uint64, data []byte) error {
	d := q.device
	if err := d.check(); err != nil {
		return err
	}
	if b == nil || b.device != d {
		return validationf("write buffer", "buffer does not belong to this device")
	}
	if !b.usage.Contains(gputypes.BufferUsageCopyDst) {
		return &IncompatibleUsageError{
			Kind: KindBuffer, Label: b.label,
			Actual: uint64(b.usage), Expected: uint64(gputypes.BufferUsageCopyDst),
		}
	}
	size := uint64(len(data))
	if offset%copyBufferAlignment != 0 || size%copyBufferAlignment != 0 {
		return validationf("write buffer", "offset %d and size %d must be multiples of %d", offset, size, copyBufferAlignment)
	}
	if offset > b.size || size > b.size-offset {
		return validationf("write buffer", "range [%d,%d) exceeds buffer %q of size %d", offset, offset+size, b.label, b.size)
	}
	if size == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	guard := d.snatchLock.Read()
	defer guard.Release()

	raw, err := b.rawBuffer(&guard)
	if err != nil {
		return err
	}
	if b.MapState() != gputypes.BufferMapStateUnmapped {
		return validationf("write buffer", "buffer %q is mapped or has a pending map", b.label)
	}
	if err := q.raw.WriteBuffer(raw, offset, data); err != nil {
		return d.noteHALError("write buffer", err)
	}
	// The backend finishes earlier submissions before it writes, so the
	// transitions out of their uses need no barrier. The next submission
	// transitions out of CopyDst.
	waited := d.tracker.SetBuffer(b.trackerIndex, track.Range{Start: offset, End: offset + size}, track.BufferUsesCopyDst)
	q.queueWrites.Add(1)
	q.queueWriteTransitions.Add(uint64(len(waited)))
	d.logEvent(slog.LevelDebug, "wgcore: queue write", "buffer", b.label, "bytes", size, "transitions", len(waited))
	return nil
}

// TextureDataLayout locates image data in a byte slice given to
// WriteTexture. Zero BytesPerRow is allowed for a single row; zero
// RowsPerImage means the copy height.
type TextureDataLayout struct {
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// WriteTexture copies data into a region of dst through the backend's
// staging path. The write is ordered before every later submission.
//
// dst.Texture needs CopyDst usage and must be single-sampled. The region
// must fit in the mip level and data must cover every row at
// BytesPerRow. Destroying the texture right after the write is allowed.
func (q *Queue) WriteTexture(dst *ImageCopyTexture, data []byte, layout TextureDataLayout, size gputypes.Extent3D) error {
	const op = "write texture"
	d := q.device
	if err := d.check(); err != nil {
		return err
	}
	if dst == nil || dst.Texture == nil || dst.Texture.device != d {
		return validationf(op, "texture does not belong to this device")
	}
	t := dst.Texture
	if err := t.requireUsage(gputypes.TextureUsageCopyDst); err != nil {
		return err
	}
	if t.desc.SampleCount != 1 {
		return validationf(op, "%q: multisampled textures cannot be written", t.label)
	}
	sel, err := t.copySelector(op, dst.MipLevel, dst.Origin, size)
	if err != nil {
		return err
	}
	if layout.BytesPerRow == 0 && (size.Height > 1 || size.DepthOrArrayLayers > 1) {
		return validationf(op, "%q: bytes per row is required for more than one row", t.label)
	}
	rows := layout.RowsPerImage
	if rows == 0 {
		rows = size.Height
	}
	if rows < size.Height {
		return validationf(op, "%q: rows per image %d is less than the copy height %d", t.label, rows, size.Height)
	}
	if layout.Offset > uint64(len(data)) {
		return validationf(op, "%q: data offset %d is past the data size %d", t.label, layout.Offset, len(data))
	}
	if emptyExtent(size) {
		return nil
	}
	if layout.BytesPerRow > 0 {
		bpr := uint64(layout.BytesPerRow)
		need := bpr*uint64(rows)*uint64(size.DepthOrArrayLayers-1) + bpr*uint64(size.Height)
		if need > uint64(len(data))-layout.Offset {
			return validationf(op, "%q: write needs %d bytes at offset %d, data size is %d",
				t.label, need, layout.Offset, len(data))
		}
	} else if layout.Offset == uint64(len(data)) {
		return validationf(op, "%q: no data after offset %d", t.label, layout.Offset)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	guard := d.snatchLock.Read()
	defer guard.Release()

	raw, err := t.rawTexture(&guard)
	if err != nil {
		return err
	}
	halDst := dst.toHAL(raw)
	halLayout := hal.ImageDataLayout{Offset: layout.Offset, BytesPerRow: layout.BytesPerRow, RowsPerImage: layout.RowsPerImage}
	halSize := toHALExtent(size)
	if err := q.raw.WriteTexture(&halDst, data, &halLayout, &halSize); err != nil {
		return d.noteHALError(op, err)
	}
	waited := d.tracker.SetTexture(t.trackerIndex, sel, track.TextureUsesCopyDst)
	q.queueWrites.Add(1)
	q.queueWriteTransitions.Add(uint64(len(waited)))
	d.logEvent(slog.LevelDebug, "wgcore: queue write", "texture", t.label, "bytes", len(data)-int(layout.Offset), "transitions", len(waited))
	return nil
}

// OnSubmittedWorkDone calls fn from Poll once every submission made so
// far has completed. With nothing in flight, fn runs on the next Poll.
func (q *Queue) OnSubmittedWorkDone(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.device.lifetime.onSubmittedWorkDone(fn)
}
