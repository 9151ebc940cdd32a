package wgcore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

const (
	// copyBytesPerRowAlignment is the alignment of BytesPerRow in
	// buffer-texture copies.
	copyBytesPerRowAlignment = 256

	// queryResolveAlignment is the alignment of a query resolve
	// destination offset.
	queryResolveAlignment = 256

	// querySize is the size of one resolved query result.
	querySize = 8
)

// CommandEncoderDescriptor describes a command encoder.
type CommandEncoderDescriptor struct {
	Label string
}

type encoderState uint8

const (
	encoderOpen encoderState = iota
	encoderLocked
	encoderError
	encoderClosed
)

func (s encoderState) String() string {
	switch s {
	case encoderOpen:
		return "Open"
	case encoderLocked:
		return "Locked"
	case encoderError:
		return "Error"
	case encoderClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// CommandEncoder records commands into a command buffer.
//
// Every command is validated when it is recorded. The encoder tracks the
// usage of each resource it touches and inserts the barriers between
// commands itself; barriers against work recorded elsewhere are inserted
// by Queue.Submit.
//
// State machine:
//
//	Open   -> (BeginComputePass/BeginRenderPass) -> Locked
//	Locked -> (pass End)                         -> Open
//	Open   -> (recording error)                  -> Error
//	Open   -> Finish()                           -> Closed
//	Error  -> Finish()                           -> Closed
//
// Using the encoder while a pass is open is an error that also invalidates
// it. After an error every call returns ErrEncoderInvalid and Finish
// returns the first error.
//
// CommandEncoder is NOT safe for concurrent use.
type CommandEncoder struct {
	device *Device
	label  string

	mu    sync.Mutex
	state encoderState
	err   error

	raw     hal.CommandEncoder
	tracker *track.Tracker
	used    *usedResources

	transitions int
}

// CreateCommandEncoder starts a new recording.
func (d *Device) CreateCommandEncoder(desc *CommandEncoderDescriptor) (*CommandEncoder, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	var label string
	if desc != nil {
		label = desc.Label
	}
	raw, err := d.raw.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, d.noteHALError("create command encoder", err)
	}
	if err := raw.BeginEncoding(label); err != nil {
		raw.Destroy()
		return nil, d.noteHALError("begin encoding", err)
	}
	return &CommandEncoder{
		device:  d,
		label:   label,
		raw:     raw,
		tracker: track.NewTracker(d.opts.policy),
		used:    newUsedResources(),
	}, nil
}

// Label returns the debug label.
func (e *CommandEncoder) Label() string { return e.label }

// begin checks that a command may be recorded. Caller holds e.mu.
func (e *CommandEncoder) begin() error {
	switch e.state {
	case encoderLocked:
		e.poison(ErrEncoderLocked)
		return ErrEncoderLocked
	case encoderError:
		return ErrEncoderInvalid
	case encoderClosed:
		return ErrEncoderFinished
	}
	if err := e.device.check(); err != nil {
		e.poison(err)
		return err
	}
	return nil
}

// poison moves the encoder to Error, keeping the first error.
func (e *CommandEncoder) poison(err error) {
	if e.state == encoderError || e.state == encoderClosed {
		return
	}
	e.state = encoderError
	e.keepErr(err)
}

// keepErr remembers err as the error Finish reports unless one is
// already set. A failing pass calls it while the encoder stays Locked.
func (e *CommandEncoder) keepErr(err error) {
	if e.err == nil {
		e.err = err
	}
}

// record runs fn under the destruction guard. An error from fn
// invalidates the encoder.
func (e *CommandEncoder) record(fn func(g *snatch.ReadGuard) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.begin(); err != nil {
		return err
	}
	guard := e.device.snatchLock.Read()
	err := fn(&guard)
	guard.Release()
	if err != nil {
		e.poison(err)
	}
	return err
}

// emit records t as barriers on the raw encoder. Caller holds e.mu.
func (e *CommandEncoder) emit(t track.Transitions, g *snatch.ReadGuard) {
	if t.IsEmpty() {
		return
	}
	e.transitions += t.Len()
	e.used.emit(e.raw, t, g)
}

func (e *CommandEncoder) useBuffer(b *Buffer, r track.Range, use track.BufferUses, g *snatch.ReadGuard) {
	e.used.addBuffer(b)
	e.emit(track.Transitions{Buffers: e.tracker.SetBuffer(b.trackerIndex, r, use)}, g)
}

func (e *CommandEncoder) useTexture(t *Texture, sel track.TextureSelector, use track.TextureUses, g *snatch.ReadGuard) {
	e.used.addTexture(t)
	e.emit(track.Transitions{Textures: e.tracker.SetTexture(t.trackerIndex, sel, use)}, g)
}

// lock moves the encoder to Locked for a pass. Caller holds e.mu.
func (e *CommandEncoder) lock() error {
	if err := e.begin(); err != nil {
		return err
	}
	e.state = encoderLocked
	return nil
}

// unlock ends a pass. A pass that failed poisons the encoder with err.
// Caller holds e.mu.
func (e *CommandEncoder) unlock(err error) {
	if e.state != encoderLocked {
		return
	}
	e.state = encoderOpen
	if err != nil {
		e.poison(err)
	}
}

func (e *CommandEncoder) sameDevice(op string, r *resourceInfo) error {
	if r.device != e.device {
		return validationf(op, "%s %q belongs to another device", r.kind, r.label)
	}
	return nil
}

// =============================================================================
// Buffer commands
// =============================================================================

// ClearBuffer fills size bytes at offset with zeros. WholeSize clears to
// the end of the buffer. The buffer needs CopyDst usage.
func (e *CommandEncoder) ClearBuffer(b *Buffer, offset, size uint64) error {
	const op = "clear buffer"
	return e.record(func(g *snatch.ReadGuard) error {
		if b == nil {
			return validationf(op, "buffer is nil")
		}
		if err := e.sameDevice(op, &b.resourceInfo); err != nil {
			return err
		}
		if err := b.requireUsage(gputypes.BufferUsageCopyDst); err != nil {
			return err
		}
		n, err := resolveRange(op, b, offset, size)
		if err != nil {
			return err
		}
		if offset%copyBufferAlignment != 0 || n%copyBufferAlignment != 0 {
			return validationf(op, "%q: offset %d and size %d must be multiples of %d", b.label, offset, n, copyBufferAlignment)
		}
		raw, err := b.rawBuffer(g)
		if err != nil {
			return err
		}
		e.useBuffer(b, track.Range{Start: offset, End: offset + n}, track.BufferUsesCopyDst, g)
		if n > 0 {
			e.raw.ClearBuffer(raw, offset, n)
		}
		return nil
	})
}

// CopyBufferToBuffer copies size bytes from src at srcOffset to dst at
// dstOffset. src needs CopySrc usage and dst CopyDst usage. Offsets and
// size must be multiples of 4, and a copy within one buffer must not
// overlap.
func (e *CommandEncoder) CopyBufferToBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset uint64, size uint64) error {
	const op = "copy buffer to buffer"
	return e.record(func(g *snatch.ReadGuard) error {
		if src == nil || dst == nil {
			return validationf(op, "buffer is nil")
		}
		if err := e.sameDevice(op, &src.resourceInfo); err != nil {
			return err
		}
		if err := e.sameDevice(op, &dst.resourceInfo); err != nil {
			return err
		}
		if err := src.requireUsage(gputypes.BufferUsageCopySrc); err != nil {
			return err
		}
		if err := dst.requireUsage(gputypes.BufferUsageCopyDst); err != nil {
			return err
		}
		if srcOffset%copyBufferAlignment != 0 || dstOffset%copyBufferAlignment != 0 || size%copyBufferAlignment != 0 {
			return validationf(op, "offsets %d, %d and size %d must be multiples of %d",
				srcOffset, dstOffset, size, copyBufferAlignment)
		}
		if _, err := resolveRange(op, src, srcOffset, size); err != nil {
			return err
		}
		if _, err := resolveRange(op, dst, dstOffset, size); err != nil {
			return err
		}
		srcRange := track.Range{Start: srcOffset, End: srcOffset + size}
		dstRange := track.Range{Start: dstOffset, End: dstOffset + size}
		if src == dst && srcRange.Overlaps(dstRange) {
			return validationf(op, "%q: source %s and destination %s overlap", src.label, srcRange, dstRange)
		}
		srcRaw, err := src.rawBuffer(g)
		if err != nil {
			return err
		}
		dstRaw, err := dst.rawBuffer(g)
		if err != nil {
			return err
		}
		e.useBuffer(src, srcRange, track.BufferUsesCopySrc, g)
		e.useBuffer(dst, dstRange, track.BufferUsesCopyDst, g)
		if size > 0 {
			e.raw.CopyBufferToBuffer(srcRaw, dstRaw, []hal.BufferCopy{{
				SrcOffset: srcOffset, DstOffset: dstOffset, Size: size,
			}})
		}
		return nil
	})
}

// =============================================================================
// Texture copies
// =============================================================================

// ImageCopyBuffer locates image data in a buffer. BytesPerRow must be a
// multiple of 256 and may be zero only for a single row. A zero
// RowsPerImage means the copy height.
type ImageCopyBuffer struct {
	Buffer       *Buffer
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// ImageCopyTexture locates a region of one mip level of a texture. For 2D
// textures Origin.Z is the first array layer.
type ImageCopyTexture struct {
	Texture  *Texture
	MipLevel uint32
	Origin   gputypes.Origin3D
	Aspect   gputypes.TextureAspect
}

func (c *ImageCopyTexture) toHAL(raw hal.Texture) hal.ImageCopyTexture {
	aspect := c.Aspect
	if aspect == gputypes.TextureAspectUndefined {
		aspect = gputypes.TextureAspectAll
	}
	return hal.ImageCopyTexture{
		Texture:  raw,
		MipLevel: c.MipLevel,
		Origin:   hal.Origin3D{X: c.Origin.X, Y: c.Origin.Y, Z: c.Origin.Z},
		Aspect:   aspect,
	}
}

func toHALExtent(s gputypes.Extent3D) hal.Extent3D {
	return hal.Extent3D{Width: s.Width, Height: s.Height, DepthOrArrayLayers: s.DepthOrArrayLayers}
}

// checkCopyTexture validates the texture side of a copy and returns the
// subresources it touches.
func (e *CommandEncoder) checkCopyTexture(op string, c *ImageCopyTexture, size gputypes.Extent3D, want gputypes.TextureUsage) (track.TextureSelector, error) {
	t := c.Texture
	if t == nil {
		return track.TextureSelector{}, validationf(op, "texture is nil")
	}
	if err := e.sameDevice(op, &t.resourceInfo); err != nil {
		return track.TextureSelector{}, err
	}
	if err := t.requireUsage(want); err != nil {
		return track.TextureSelector{}, err
	}
	return t.copySelector(op, c.MipLevel, c.Origin, size)
}

// checkCopyBuffer validates the buffer side of a buffer-texture copy and
// returns the byte range it touches. Every row is counted at BytesPerRow.
func (e *CommandEncoder) checkCopyBuffer(op string, c *ImageCopyBuffer, size gputypes.Extent3D, want gputypes.BufferUsage) (track.Range, error) {
	b := c.Buffer
	if b == nil {
		return track.Range{}, validationf(op, "buffer is nil")
	}
	if err := e.sameDevice(op, &b.resourceInfo); err != nil {
		return track.Range{}, err
	}
	if err := b.requireUsage(want); err != nil {
		return track.Range{}, err
	}
	if c.Offset%copyBufferAlignment != 0 {
		return track.Range{}, validationf(op, "%q: offset %d is not a multiple of %d", b.label, c.Offset, copyBufferAlignment)
	}
	if c.BytesPerRow%copyBytesPerRowAlignment != 0 {
		return track.Range{}, validationf(op, "%q: bytes per row %d is not a multiple of %d",
			b.label, c.BytesPerRow, copyBytesPerRowAlignment)
	}
	if c.BytesPerRow == 0 && (size.Height > 1 || size.DepthOrArrayLayers > 1) {
		return track.Range{}, validationf(op, "%q: bytes per row is required for more than one row", b.label)
	}
	rows := c.RowsPerImage
	if rows == 0 {
		rows = size.Height
	}
	if rows < size.Height {
		return track.Range{}, validationf(op, "%q: rows per image %d is less than the copy height %d",
			b.label, rows, size.Height)
	}
	if c.Offset > b.size {
		return track.Range{}, validationf(op, "%q: offset %d is past buffer size %d", b.label, c.Offset, b.size)
	}
	need := b.size - c.Offset
	if c.BytesPerRow > 0 && size.DepthOrArrayLayers > 0 {
		bpr := uint64(c.BytesPerRow)
		need = bpr*uint64(rows)*uint64(size.DepthOrArrayLayers-1) + bpr*uint64(size.Height)
		if need > b.size-c.Offset {
			return track.Range{}, validationf(op, "%q: copy needs %d bytes at offset %d, buffer size is %d",
				b.label, need, c.Offset, b.size)
		}
	}
	return track.Range{Start: c.Offset, End: c.Offset + need}, nil
}

func emptyExtent(s gputypes.Extent3D) bool {
	return s.Width == 0 || s.Height == 0 || s.DepthOrArrayLayers == 0
}

// CopyBufferToTexture copies image data from a buffer into a texture.
func (e *CommandEncoder) CopyBufferToTexture(src *ImageCopyBuffer, dst *ImageCopyTexture, size gputypes.Extent3D) error {
	const op = "copy buffer to texture"
	return e.record(func(g *snatch.ReadGuard) error {
		if src == nil || dst == nil {
			return validationf(op, "copy location is nil")
		}
		srcRange, err := e.checkCopyBuffer(op, src, size, gputypes.BufferUsageCopySrc)
		if err != nil {
			return err
		}
		sel, err := e.checkCopyTexture(op, dst, size, gputypes.TextureUsageCopyDst)
		if err != nil {
			return err
		}
		if dst.Texture.desc.SampleCount != 1 {
			return validationf(op, "%q: multisampled textures cannot be copy targets", dst.Texture.label)
		}
		srcRaw, err := src.Buffer.rawBuffer(g)
		if err != nil {
			return err
		}
		dstRaw, err := dst.Texture.rawTexture(g)
		if err != nil {
			return err
		}
		e.useBuffer(src.Buffer, srcRange, track.BufferUsesCopySrc, g)
		e.useTexture(dst.Texture, sel, track.TextureUsesCopyDst, g)
		if !emptyExtent(size) {
			e.raw.CopyBufferToTexture(srcRaw, dstRaw, []hal.BufferTextureCopy{{
				BufferLayout: hal.ImageDataLayout{Offset: src.Offset, BytesPerRow: src.BytesPerRow, RowsPerImage: src.RowsPerImage},
				TextureBase:  dst.toHAL(dstRaw),
				Size:         toHALExtent(size),
			}})
		}
		return nil
	})
}

// CopyTextureToBuffer copies a texture region into a buffer.
func (e *CommandEncoder) CopyTextureToBuffer(src *ImageCopyTexture, dst *ImageCopyBuffer, size gputypes.Extent3D) error {
	const op = "copy texture to buffer"
	return e.record(func(g *snatch.ReadGuard) error {
		if src == nil || dst == nil {
			return validationf(op, "copy location is nil")
		}
		sel, err := e.checkCopyTexture(op, src, size, gputypes.TextureUsageCopySrc)
		if err != nil {
			return err
		}
		if src.Texture.desc.SampleCount != 1 {
			return validationf(op, "%q: multisampled textures cannot be copy sources", src.Texture.label)
		}
		dstRange, err := e.checkCopyBuffer(op, dst, size, gputypes.BufferUsageCopyDst)
		if err != nil {
			return err
		}
		srcRaw, err := src.Texture.rawTexture(g)
		if err != nil {
			return err
		}
		dstRaw, err := dst.Buffer.rawBuffer(g)
		if err != nil {
			return err
		}
		e.useTexture(src.Texture, sel, track.TextureUsesCopySrc, g)
		e.useBuffer(dst.Buffer, dstRange, track.BufferUsesCopyDst, g)
		if !emptyExtent(size) {
			e.raw.CopyTextureToBuffer(srcRaw, dstRaw, []hal.BufferTextureCopy{{
				BufferLayout: hal.ImageDataLayout{Offset: dst.Offset, BytesPerRow: dst.BytesPerRow, RowsPerImage: dst.RowsPerImage},
				TextureBase:  src.toHAL(srcRaw),
				Size:         toHALExtent(size),
			}})
		}
		return nil
	})
}

// CopyTextureToTexture copies a region between textures of the same
// format and sample count. A copy within one texture must not touch the
// same subresource on both sides.
func (e *CommandEncoder) CopyTextureToTexture(src, dst *ImageCopyTexture, size gputypes.Extent3D) error {
	const op = "copy texture to texture"
	return e.record(func(g *snatch.ReadGuard) error {
		if src == nil || dst == nil {
			return validationf(op, "copy location is nil")
		}
		srcSel, err := e.checkCopyTexture(op, src, size, gputypes.TextureUsageCopySrc)
		if err != nil {
			return err
		}
		dstSel, err := e.checkCopyTexture(op, dst, size, gputypes.TextureUsageCopyDst)
		if err != nil {
			return err
		}
		st, dt := src.Texture, dst.Texture
		if st.desc.Format != dt.desc.Format || st.desc.SampleCount != dt.desc.SampleCount {
			return validationf(op, "%q and %q differ in format or sample count", st.label, dt.label)
		}
		if st == dt && srcSel.Mips.Overlaps(dstSel.Mips) && srcSel.Layers.Overlaps(dstSel.Layers) {
			return validationf(op, "%q: source %s and destination %s overlap", st.label, srcSel, dstSel)
		}
		srcRaw, err := st.rawTexture(g)
		if err != nil {
			return err
		}
		dstRaw, err := dt.rawTexture(g)
		if err != nil {
			return err
		}
		e.useTexture(st, srcSel, track.TextureUsesCopySrc, g)
		e.useTexture(dt, dstSel, track.TextureUsesCopyDst, g)
		if !emptyExtent(size) {
			e.raw.CopyTextureToTexture(srcRaw, dstRaw, []hal.TextureCopy{{
				SrcBase: src.toHAL(srcRaw),
				DstBase: dst.toHAL(dstRaw),
				Size:    toHALExtent(size),
			}})
		}
		return nil
	})
}

// =============================================================================
// Queries
// =============================================================================

// ResolveQuerySet writes count results starting at query first into dst at
// dstOffset, 8 bytes each. dst needs QueryResolve usage and dstOffset must
// be a multiple of 256.
func (e *CommandEncoder) ResolveQuerySet(qs *QuerySet, first, count uint32, dst *Buffer, dstOffset uint64) error {
	const op = "resolve query set"
	return e.record(func(g *snatch.ReadGuard) error {
		if qs == nil || dst == nil {
			return validationf(op, "query set or buffer is nil")
		}
		if err := e.sameDevice(op, &qs.resourceInfo); err != nil {
			return err
		}
		if err := e.sameDevice(op, &dst.resourceInfo); err != nil {
			return err
		}
		if count > qs.count || first > qs.count-count {
			return validationf(op, "%q: queries [%d,%d) out of range (%d queries)", qs.label, first, uint64(first)+uint64(count), qs.count)
		}
		if err := dst.requireUsage(gputypes.BufferUsageQueryResolve); err != nil {
			return err
		}
		if dstOffset%queryResolveAlignment != 0 {
			return validationf(op, "%q: destination offset %d is not a multiple of %d", dst.label, dstOffset, queryResolveAlignment)
		}
		n := uint64(count) * querySize
		if _, err := resolveRange(op, dst, dstOffset, n); err != nil {
			return err
		}
		rawQS, err := qs.rawQuerySet(g)
		if err != nil {
			return err
		}
		rawDst, err := dst.rawBuffer(g)
		if err != nil {
			return err
		}
		e.used.add(qs)
		e.useBuffer(dst, track.Range{Start: dstOffset, End: dstOffset + n}, track.BufferUsesQueryResolve, g)
		if count > 0 {
			e.raw.ResolveQuerySet(rawQS, first, count, rawDst, dstOffset)
		}
		return nil
	})
}

// =============================================================================
// Acceleration structures
// =============================================================================

// BuildAccelerationStructures records builds. All bottom-level builds run
// first and are separated by a barrier from the top-level builds, so a
// top-level build may reference structures built in the same call. The
// raw encoder must implement AccelerationStructureEncoder.
func (e *CommandEncoder) BuildAccelerationStructures(builds []AccelerationStructureBuild) error {
	const op = "build acceleration structures"
	return e.record(func(g *snatch.ReadGuard) error {
		asEnc, ok := e.raw.(AccelerationStructureEncoder)
		if !ok {
			return fmt.Errorf("%s: %w", op, ErrFeatureNotSupported)
		}
		for i := range builds {
			if err := checkBuild(e.device, &builds[i]); err != nil {
				return err
			}
		}
		for _, level := range []AccelerationStructureLevel{BottomLevel, TopLevel} {
			if err := e.buildLevel(asEnc, builds, level, g); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *CommandEncoder) buildLevel(asEnc AccelerationStructureEncoder, builds []AccelerationStructureBuild, level AccelerationStructureLevel, g *snatch.ReadGuard) error {
	scope := track.NewUsageScope(e.device.opts.policy)
	var raws []RawAccelerationStructureBuild
	for i := range builds {
		b := &builds[i]
		if b.Destination.level != level {
			continue
		}
		rb, err := e.rawBuild(b, g)
		if err != nil {
			return err
		}
		if err := mergeBuild(scope, b); err != nil {
			return conflictError(b.Destination.label, err)
		}
		raws = append(raws, rb)
	}
	if len(raws) == 0 {
		return nil
	}
	for i := range builds {
		b := &builds[i]
		if b.Destination.level != level {
			continue
		}
		e.used.addAccel(b.Destination)
		if b.Source != nil {
			e.used.addAccel(b.Source)
		}
		for _, inst := range b.Instances {
			e.used.addAccel(inst)
		}
		for _, s := range b.Geometry {
			e.used.addBuffer(s.buffer)
		}
	}
	e.emit(e.tracker.SetFromScope(scope), g)
	asEnc.BuildAccelerationStructures(raws)
	e.device.logEvent(slog.LevelDebug, "wgcore: acceleration structures built", "level", level.String(), "count", len(raws))
	return nil
}

func mergeBuild(scope *track.UsageScope, b *AccelerationStructureBuild) error {
	if b.Source != nil && b.Source != b.Destination {
		if err := scope.MergeAS(b.Source.trackerIndex, track.ASUsesBuildInput, track.NoSource); err != nil {
			return err
		}
	}
	if err := scope.MergeAS(b.Destination.trackerIndex, track.ASUsesBuildOutput, track.NoSource); err != nil {
		return err
	}
	for _, inst := range b.Instances {
		if err := scope.MergeAS(inst.trackerIndex, track.ASUsesBuildInput, track.NoSource); err != nil {
			return err
		}
	}
	for _, s := range b.Geometry {
		r := track.Range{Start: s.offset, End: s.offset + s.size}
		if err := scope.MergeBuffer(s.buffer.trackerIndex, r, track.BufferUsesASInput, track.NoSource); err != nil {
			return err
		}
	}
	return nil
}

func (e *CommandEncoder) rawBuild(b *AccelerationStructureBuild, g *snatch.ReadGuard) (RawAccelerationStructureBuild, error) {
	var rb RawAccelerationStructureBuild
	dst, ok := b.Destination.raw.Get(g)
	if !ok {
		return rb, b.Destination.destroyedError()
	}
	rb.Destination = dst
	if b.Source != nil {
		src, ok := b.Source.raw.Get(g)
		if !ok {
			return rb, b.Source.destroyedError()
		}
		rb.Source = src
	}
	for _, inst := range b.Instances {
		raw, ok := inst.raw.Get(g)
		if !ok {
			return rb, inst.destroyedError()
		}
		rb.Instances = append(rb.Instances, raw)
	}
	for _, s := range b.Geometry {
		raw, err := s.buffer.rawBuffer(g)
		if err != nil {
			return rb, err
		}
		rb.Geometry = append(rb.Geometry, raw)
	}
	return rb, nil
}

// =============================================================================
// Finish
// =============================================================================

// Finish ends recording and returns the command buffer. An encoder that
// hit an error, in a pass or outside one, returns that error instead;
// later calls return ErrEncoderFinished. Finishing during a pass that has
// not failed returns ErrEncoderLocked.
func (e *CommandEncoder) Finish(desc *CommandBufferDescriptor) (*CommandBuffer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case encoderClosed:
		return nil, ErrEncoderFinished
	case encoderError:
		err := e.err
		e.discard()
		return nil, err
	case encoderLocked:
		err := e.err
		if err == nil {
			err = ErrEncoderLocked
		}
		e.discard()
		return nil, err
	}
	if err := e.device.check(); err != nil {
		e.discard()
		return nil, err
	}

	raw, err := e.raw.EndEncoding()
	if err != nil {
		e.discard()
		return nil, e.device.noteHALError("finish", err)
	}
	label := e.label
	if desc != nil && desc.Label != "" {
		label = desc.Label
	}
	cb := &CommandBuffer{
		device:      e.device,
		label:       label,
		state:       commandBufferFinished,
		encoder:     e.raw,
		raw:         raw,
		tracker:     e.tracker,
		used:        e.used,
		transitions: e.transitions,
	}
	e.raw, e.tracker, e.used = nil, nil, nil
	e.state = encoderClosed
	return cb, nil
}

// Release discards an encoder that will not be finished. Releasing a
// finished encoder is a no-op.
func (e *CommandEncoder) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != encoderClosed {
		e.discard()
	}
}

// discard drops the raw recording and every reference. Caller holds e.mu.
func (e *CommandEncoder) discard() {
	if e.raw != nil {
		e.raw.DiscardEncoding()
		e.raw.Destroy()
		e.raw = nil
	}
	if e.used != nil {
		e.used.release()
		e.used = nil
	}
	e.tracker = nil
	e.state = encoderClosed
}
