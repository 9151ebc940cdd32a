package wgcore

import (
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// binderSlot is one bind group slot of a pass.
type binderSlot struct {
	group   *BindGroup
	offsets []uint32
	// bound is set once the group has been passed to the raw pass under
	// the current pipeline layout.
	bound bool
}

// binder follows the bind groups and pipeline layout of one pass. It
// decides which raw SetBindGroup calls must be made before a draw or
// dispatch: a pipeline change keeps the slots whose expected layouts did
// not change and rebinds everything from the first one that did.
type binder struct {
	maxGroups uint32
	layout    *PipelineLayout
	slots     []binderSlot

	// pushData shadows the push constant bytes of the pass. A layout
	// change makes them stale: the new layout's ranges are re-sent from
	// pushData before the next draw or dispatch.
	pushData           []byte
	pushConstantsStale bool
}

func newBinder(maxGroups uint32) binder {
	return binder{maxGroups: maxGroups, slots: make([]binderSlot, maxGroups)}
}

// assign records group at index. The caller has checked index.
func (b *binder) assign(index uint32, group *BindGroup, offsets []uint32) {
	b.slots[index] = binderSlot{group: group, offsets: slices.Clone(offsets)}
}

// changeLayout switches to the layout of a new pipeline.
func (b *binder) changeLayout(pl *PipelineLayout) {
	if b.layout == pl {
		return
	}
	first := 0
	if b.layout != nil {
		old, next := b.layout.groups, pl.groups
		for first < len(old) && first < len(next) && old[first].IsCompatible(next[first]) {
			first++
		}
	}
	for i := first; i < len(b.slots); i++ {
		b.slots[i].bound = false
	}
	if len(pl.pushConstants) > 0 {
		b.pushConstantsStale = true
	}
	b.layout = pl
}

// check reports the first expected slot that is empty or holds a group of
// an incompatible layout.
func (b *binder) check(op string) error {
	if b.layout == nil {
		return validationf(op, "no pipeline is set")
	}
	for i, want := range b.layout.groups {
		g := b.slots[i].group
		if g == nil {
			return validationf(op, "bind group %d is not set", i)
		}
		if !want.IsCompatible(g.layout) {
			return validationf(op, "bind group %d (%q) is incompatible with the pipeline layout", i, g.label)
		}
	}
	return nil
}

// groups calls fn for every group the current layout expects.
func (b *binder) groups(fn func(index uint32, s *binderSlot)) {
	if b.layout == nil {
		return
	}
	for i := range b.layout.groups {
		//nolint:gosec // G115: slot count bounded by MaxBindGroups
		fn(uint32(i), &b.slots[i])
	}
}

// flush makes the raw bind calls still owed under the current layout and
// returns how many it made.
func (b *binder) flush(bind func(index uint32, group hal.BindGroup, offsets []uint32)) int {
	n := 0
	b.groups(func(i uint32, s *binderSlot) {
		if s.bound || s.group == nil {
			return
		}
		bind(i, s.group.raw, s.offsets)
		s.bound = true
		n++
	})
	return n
}

// PushConstantsEncoder is implemented by hal pass encoders that accept
// push constants. SetPushConstants on a pass whose raw encoder lacks it
// fails with ErrFeatureNotSupported.
type PushConstantsEncoder interface {
	SetPushConstants(stages gputypes.ShaderStages, offset uint32, data []byte)
}

// checkPushConstants validates a push constant write against the current
// layout and the device limit.
func (b *binder) checkPushConstants(op string, stages gputypes.ShaderStages, offset uint32, data []byte, limit uint32) error {
	if b.layout == nil {
		return validationf(op, "no pipeline is set")
	}
	//nolint:gosec // G115: length checked against a uint32 limit below
	n := uint32(len(data))
	switch {
	case offset%4 != 0 || n%4 != 0:
		return validationf(op, "offset %d and size %d must be multiples of 4", offset, n)
	case uint64(offset)+uint64(n) > uint64(limit):
		return validationf(op, "[%d,%d) exceeds MaxPushConstantSize %d", offset, uint64(offset)+uint64(n), limit)
	case stages == 0:
		return validationf(op, "no shader stages")
	case !b.layout.coversPushConstants(stages, offset, offset+n):
		return validationf(op, "stages %#x [%d,%d) are not covered by the pipeline layout", uint32(stages), offset, offset+n)
	}
	return nil
}

// writePushConstants stores data in the shadow copy.
func (b *binder) writePushConstants(offset uint32, data []byte, limit uint32) {
	if b.pushData == nil {
		b.pushData = make([]byte, limit)
	}
	copy(b.pushData[offset:], data)
}

// flushPushConstants re-sends the current layout's ranges when stale.
func (b *binder) flushPushConstants(enc PushConstantsEncoder, limit uint32) {
	if !b.pushConstantsStale || b.layout == nil {
		return
	}
	b.pushConstantsStale = false
	if enc == nil {
		return
	}
	if b.pushData == nil {
		b.pushData = make([]byte, limit)
	}
	for _, r := range b.layout.pushConstants {
		enc.SetPushConstants(r.Stages, r.Start, b.pushData[r.Start:r.End])
	}
}
