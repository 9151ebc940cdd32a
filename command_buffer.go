package wgcore

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/wgcore/internal/snatch"
	"github.com/gogpu/wgcore/track"
)

// CommandBufferDescriptor describes a command buffer produced by Finish.
type CommandBufferDescriptor struct {
	Label string
}

type commandBufferState uint8

const (
	commandBufferFinished commandBufferState = iota
	commandBufferSubmitted
	commandBufferError
)

func (s commandBufferState) String() string {
	switch s {
	case commandBufferFinished:
		return "Finished"
	case commandBufferSubmitted:
		return "Submitted"
	case commandBufferError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// CommandBuffer is a finished, immutable recording. It is consumed by the
// first Queue.Submit it is passed to, whether or not that submit succeeds.
type CommandBuffer struct {
	device *Device
	label  string

	mu    sync.Mutex
	state commandBufferState
	err   error

	encoder hal.CommandEncoder
	raw     hal.CommandBuffer
	tracker *track.Tracker
	used    *usedResources

	transitions int
}

// Label returns the debug label.
func (cb *CommandBuffer) Label() string { return cb.label }

// Transitions returns the number of barriers recorded between commands of
// the buffer. Barriers emitted at submission time against earlier work
// are not included.
func (cb *CommandBuffer) Transitions() int { return cb.transitions }

// consume moves a finished buffer to Submitted.
func (cb *CommandBuffer) consume() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case commandBufferFinished:
		cb.state = commandBufferSubmitted
		return nil
	case commandBufferError:
		return fmt.Errorf("%w: %q was consumed by a failed submit: %w", ErrCommandBufferConsumed, cb.label, cb.err)
	default:
		return fmt.Errorf("%w: %q", ErrCommandBufferConsumed, cb.label)
	}
}

// fail discards a consumed buffer whose submission failed.
func (cb *CommandBuffer) fail(err error) {
	cb.mu.Lock()
	cb.state = commandBufferError
	cb.err = err
	cb.mu.Unlock()
	cb.discard()
}

// discard frees the raw recording and drops every reference without
// submitting anything.
func (cb *CommandBuffer) discard() {
	if cb.raw != nil {
		cb.device.raw.FreeCommandBuffer(cb.raw)
		cb.raw = nil
	}
	if cb.encoder != nil {
		cb.encoder.Destroy()
		cb.encoder = nil
	}
	cb.retire()
}

// retire drops the references taken while recording. The lifetime
// tracker calls it once the submission has completed.
func (cb *CommandBuffer) retire() {
	if cb.used != nil {
		cb.used.release()
		cb.used = nil
	}
	cb.tracker = nil
}

// Release discards a command buffer that will never be submitted.
// Releasing a submitted buffer is a no-op.
func (cb *CommandBuffer) Release() {
	cb.mu.Lock()
	if cb.state != commandBufferFinished {
		cb.mu.Unlock()
		return
	}
	cb.state = commandBufferError
	cb.err = fmt.Errorf("%w: %q was released", ErrCommandBufferConsumed, cb.label)
	cb.mu.Unlock()
	cb.discard()
}

// =============================================================================
// Used resources
// =============================================================================

// usedResources holds one reference to every resource a recording uses.
// Buffers, textures and acceleration structures are indexed by tracker
// index so transitions can be turned into raw barriers.
type usedResources struct {
	buffers  map[track.Index]*Buffer
	textures map[track.Index]*Texture
	accels   map[track.Index]*AccelerationStructure
	others   map[trackedResource]struct{}
}

func newUsedResources() *usedResources {
	return &usedResources{
		buffers:  make(map[track.Index]*Buffer),
		textures: make(map[track.Index]*Texture),
		accels:   make(map[track.Index]*AccelerationStructure),
		others:   make(map[trackedResource]struct{}),
	}
}

func (u *usedResources) addBuffer(b *Buffer) {
	if _, ok := u.buffers[b.trackerIndex]; ok {
		return
	}
	acquire(b)
	u.buffers[b.trackerIndex] = b
}

func (u *usedResources) addTexture(t *Texture) {
	if _, ok := u.textures[t.trackerIndex]; ok {
		return
	}
	acquire(t)
	u.textures[t.trackerIndex] = t
}

func (u *usedResources) addAccel(a *AccelerationStructure) {
	if _, ok := u.accels[a.trackerIndex]; ok {
		return
	}
	acquire(a)
	u.accels[a.trackerIndex] = a
}

func (u *usedResources) add(r trackedResource) {
	if _, ok := u.others[r]; ok {
		return
	}
	acquire(r)
	u.others[r] = struct{}{}
}

func (u *usedResources) addView(v *TextureView) {
	u.add(v)
	u.addTexture(v.texture)
}

func (u *usedResources) addBindGroup(g *BindGroup) {
	u.add(g)
	for _, b := range g.buffers {
		u.addBuffer(b)
	}
	for _, v := range g.views {
		u.addView(v)
	}
	for _, a := range g.accels {
		u.addAccel(a)
	}
}

// release drops every reference.
func (u *usedResources) release() {
	for _, b := range u.buffers {
		release(b)
	}
	for _, t := range u.textures {
		release(t)
	}
	for _, a := range u.accels {
		release(a)
	}
	for r := range u.others {
		release(r)
	}
	clear(u.buffers)
	clear(u.textures)
	clear(u.accels)
	clear(u.others)
}

// stamp records that submission index uses every resource.
func (u *usedResources) stamp(index SubmissionIndex) {
	for _, b := range u.buffers {
		b.usedIn(index)
	}
	for _, t := range u.textures {
		t.usedIn(index)
	}
	for _, a := range u.accels {
		a.usedIn(index)
	}
	for r := range u.others {
		r.info().usedIn(index)
	}
}

// validate rejects a submission that uses a destroyed or mapped resource.
func (u *usedResources) validate(g *snatch.ReadGuard) error {
	for _, b := range u.buffers {
		if err := b.checkLive(g); err != nil {
			return err
		}
		if b.MapState() != gputypes.BufferMapStateUnmapped {
			return validationf("submit", "buffer %q is mapped or has a pending map", b.label)
		}
	}
	for _, t := range u.textures {
		if err := t.checkLive(g); err != nil {
			return err
		}
	}
	for _, a := range u.accels {
		if err := a.checkLive(g); err != nil {
			return err
		}
	}
	for r := range u.others {
		if q, ok := r.(*QuerySet); ok {
			if err := q.checkLive(g); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit records t as raw barriers on enc. Resources destroyed since
// validation are skipped; the submission that would use them is rejected.
func (u *usedResources) emit(enc hal.CommandEncoder, t track.Transitions, g *snatch.ReadGuard) {
	if len(t.Buffers)+len(t.AS) > 0 {
		barriers := make([]hal.BufferBarrier, 0, len(t.Buffers)+len(t.AS))
		for _, tr := range t.Buffers {
			b := u.buffers[tr.Index]
			if b == nil {
				continue
			}
			if raw, ok := b.raw.Get(g); ok {
				barriers = append(barriers, bufferBarrier(raw, tr.From, tr.To))
			}
		}
		for _, tr := range t.AS {
			a := u.accels[tr.Index]
			if a == nil {
				continue
			}
			if raw, ok := a.raw.Get(g); ok {
				barriers = append(barriers, hal.BufferBarrier{
					Buffer: raw,
					Usage: hal.BufferUsageTransition{
						OldUsage: gputypes.BufferUsageStorage,
						NewUsage: gputypes.BufferUsageStorage,
					},
				})
			}
		}
		if len(barriers) > 0 {
			enc.TransitionBuffers(barriers)
		}
	}
	if len(t.Textures) > 0 {
		barriers := make([]hal.TextureBarrier, 0, len(t.Textures))
		for _, tr := range t.Textures {
			tex := u.textures[tr.Index]
			if tex == nil {
				continue
			}
			if raw, ok := tex.raw.Get(g); ok {
				barriers = append(barriers, textureBarrier(raw, tr))
			}
		}
		if len(barriers) > 0 {
			enc.TransitionTextures(barriers)
		}
	}
}

func bufferBarrier(raw hal.Buffer, from, to track.BufferUses) hal.BufferBarrier {
	return hal.BufferBarrier{
		Buffer: raw,
		Usage: hal.BufferUsageTransition{
			OldUsage: from.ToBufferUsage(),
			NewUsage: to.ToBufferUsage(),
		},
	}
}

func textureBarrier(raw hal.Texture, tr track.TextureTransition) hal.TextureBarrier {
	//nolint:gosec // G115: mip and layer counts come from uint32 descriptors
	return hal.TextureBarrier{
		Texture: raw,
		Range: hal.TextureRange{
			Aspect:          gputypes.TextureAspectAll,
			BaseMipLevel:    uint32(tr.Selector.Mips.Start),
			MipLevelCount:   uint32(tr.Selector.Mips.End - tr.Selector.Mips.Start),
			BaseArrayLayer:  uint32(tr.Selector.Layers.Start),
			ArrayLayerCount: uint32(tr.Selector.Layers.End - tr.Selector.Layers.Start),
		},
		Usage: hal.TextureUsageTransition{
			OldUsage: tr.From.ToTextureUsage(),
			NewUsage: tr.To.ToTextureUsage(),
		},
	}
}
