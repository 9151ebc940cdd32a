package track

import (
	"slices"
	"sync"
)

// DeviceTracker holds the last known state of every resource as of the
// end of the most recently submitted command buffer.
//
// Thread-safe for concurrent use. Submission holds the lock for the whole
// of Resolve, so command buffers are resolved in submission order.
type DeviceTracker struct {
	mu       sync.Mutex
	policy   Policy
	buffers  table[rangedStates[BufferUses]]
	textures table[mipStates[TextureUses]]
	accels   table[rangedStates[ASUses]]
}

// NewDeviceTracker returns an empty tracker governed by p.
func NewDeviceTracker(p Policy) *DeviceTracker {
	return &DeviceTracker{policy: p}
}

// InsertBuffer starts tracking a buffer nothing has used yet.
func (d *DeviceTracker) InsertBuffer(idx Index) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffers.getOrInsert(idx)
}

// InsertAS starts tracking an acceleration structure nothing has used yet.
func (d *DeviceTracker) InsertAS(idx Index) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accels.getOrInsert(idx)
}

// InsertTexture starts tracking a texture whose contents are undefined.
// Its first use will transition out of TextureUsesUninitialized.
func (d *DeviceTracker) InsertTexture(idx Index, mipCount, layerCount uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms := d.textures.getOrInsert(idx)
	ms.update(FullSelector(mipCount, layerCount), func(uint32, Range, TextureUses) TextureUses {
		return TextureUsesUninitialized
	})
}

// Remove forgets a freed resource so its index can be reused.
func (d *DeviceTracker) Remove(kind Kind, idx Index) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case KindBuffer:
		d.buffers.remove(idx)
	case KindTexture:
		d.textures.remove(idx)
	case KindAccelerationStructure:
		d.accels.remove(idx)
	}
}

// SetBuffer records an access made outside any command buffer, such as a
// queue write, and returns the transitions it needs.
func (d *DeviceTracker) SetBuffer(idx Index, r Range, use BufferUses) []BufferTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []BufferTransition
	d.buffers.getOrInsert(idx).update(r, func(sub Range, old BufferUses) BufferUses {
		next, transition := step(d.policy, old, use)
		if transition {
			out = append(out, BufferTransition{Index: idx, Range: sub, From: old, To: next})
		}
		return next
	})
	return out
}

// SetTexture records an access of texture subresources made outside any
// command buffer and returns the transitions it needs.
func (d *DeviceTracker) SetTexture(idx Index, sel TextureSelector, use TextureUses) []TextureTransition {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []TextureTransition
	d.textures.getOrInsert(idx).update(sel, func(mip uint32, layers Range, old TextureUses) TextureUses {
		next, transition := step(d.policy, old, use)
		if transition {
			out = append(out, TextureTransition{
				Index:    idx,
				Selector: TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers},
				From:     old,
				To:       next,
			})
		}
		return next
	})
	return out
}

// Resolve compares the start states of t with the device state, returns
// the transitions that must execute before t, and advances the device
// state to the end states of t.
func (d *DeviceTracker) Resolve(t *Tracker) Transitions {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out Transitions
	t.buffers.each(func(idx Index, e *startEnd[BufferUses]) {
		dev := d.buffers.getOrInsert(idx)
		resolveRanged(d.policy, dev, e, func(sub Range, from, to BufferUses) {
			out.Buffers = append(out.Buffers, BufferTransition{Index: idx, Range: sub, From: from, To: to})
		})
	})
	t.textures.each(func(idx Index, e *mipStartEnd) {
		dev := d.textures.getOrInsert(idx)
		e.start.each(func(mip uint32, layers Range, start TextureUses) {
			sel := TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers}
			dev.update(sel, func(_ uint32, sub Range, old TextureUses) TextureUses {
				next, transition := step(d.policy, old, start)
				if transition {
					out.Textures = append(out.Textures, TextureTransition{
						Index:    idx,
						Selector: TextureSelector{Mips: sel.Mips, Layers: sub},
						From:     old,
						To:       next,
					})
				}
				return next
			})
		})
		e.end.each(func(mip uint32, layers Range, end TextureUses) {
			sel := TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers}
			dev.update(sel, func(_ uint32, _ Range, old TextureUses) TextureUses {
				return settle(old, end)
			})
		})
	})
	t.accels.each(func(idx Index, e *startEnd[ASUses]) {
		dev := d.accels.getOrInsert(idx)
		resolveRanged(d.policy, dev, e, func(_ Range, from, to ASUses) {
			out.AS = append(out.AS, ASTransition{Index: idx, From: from, To: to})
		})
	})

	if !out.IsEmpty() {
		slogger().Debug("track: resolved command buffer",
			"buffers", len(out.Buffers), "textures", len(out.Textures), "accels", len(out.AS))
	}
	return out
}

// BufferUse returns the device state of one byte of buffer idx.
func (d *DeviceTracker) BufferUse(idx Index, offset uint64) BufferUses {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rs := d.buffers.get(idx); rs != nil {
		return rs.at(offset)
	}
	return 0
}

// TextureUse returns the device state of one texture subresource.
func (d *DeviceTracker) TextureUse(idx Index, mip, layer uint32) TextureUses {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ms := d.textures.get(idx); ms != nil {
		return ms.at(mip, uint64(layer))
	}
	return 0
}

// Len returns the number of tracked resources of kind k.
func (d *DeviceTracker) Len(k Kind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch k {
	case KindBuffer:
		return d.buffers.len()
	case KindTexture:
		return d.textures.len()
	case KindAccelerationStructure:
		return d.accels.len()
	}
	return 0
}

func resolveRanged[U Uses](p Policy, dev *rangedStates[U], e *startEnd[U], emit func(sub Range, from, to U)) {
	e.start.each(func(r Range, start U) {
		dev.update(r, func(sub Range, old U) U {
			next, transition := step(p, old, start)
			if transition {
				emit(sub, old, next)
			}
			return next
		})
	})
	e.end.each(func(r Range, end U) {
		dev.update(r, func(_ Range, old U) U { return settle(old, end) })
	})
}

// settle returns the device state after a command buffer left a
// subresource in end. Read-only states accumulate so the next writer
// waits for every reader.
func settle[U Uses](old, end U) U {
	if old.IsReadOnly() && end.IsReadOnly() {
		return old | end
	}
	return end
}

// Checkpoint is the device state of the resources some trackers touch,
// taken before they are resolved.
type Checkpoint struct {
	buffers  []saved[rangedStates[BufferUses]]
	textures []saved[mipStates[TextureUses]]
	accels   []saved[rangedStates[ASUses]]
}

// saved is one table entry; a nil entry means the resource was untracked.
type saved[E any] struct {
	idx   Index
	entry *E
}

// Checkpoint copies the device state of every resource the trackers
// touch. Pass it to Rollback to undo their Resolve calls when the work
// never reaches the backend.
func (d *DeviceTracker) Checkpoint(trackers ...*Tracker) *Checkpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &Checkpoint{}
	for _, t := range trackers {
		t.buffers.each(func(idx Index, _ *startEnd[BufferUses]) {
			c.buffers = append(c.buffers, save(&d.buffers, idx, cloneRanged[BufferUses]))
		})
		t.textures.each(func(idx Index, _ *mipStartEnd) {
			c.textures = append(c.textures, save(&d.textures, idx, cloneMips[TextureUses]))
		})
		t.accels.each(func(idx Index, _ *startEnd[ASUses]) {
			c.accels = append(c.accels, save(&d.accels, idx, cloneRanged[ASUses]))
		})
	}
	return c
}

// Rollback restores the state recorded by c.
func (d *DeviceTracker) Rollback(c *Checkpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	restore(&d.buffers, c.buffers)
	restore(&d.textures, c.textures)
	restore(&d.accels, c.accels)
}

func save[E any](t *table[E], idx Index, clone func(*E) *E) saved[E] {
	if e := t.get(idx); e != nil {
		return saved[E]{idx: idx, entry: clone(e)}
	}
	return saved[E]{idx: idx}
}

// restore walks s backwards so the oldest copy of a repeated index wins.
func restore[E any](t *table[E], s []saved[E]) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].entry == nil {
			t.remove(s[i].idx)
			continue
		}
		*t.getOrInsert(s[i].idx) = *s[i].entry
	}
}

func cloneRanged[V comparable](rs *rangedStates[V]) *rangedStates[V] {
	return &rangedStates[V]{spans: slices.Clone(rs.spans)}
}

func cloneMips[V comparable](ms *mipStates[V]) *mipStates[V] {
	out := &mipStates[V]{mips: make([]rangedStates[V], len(ms.mips))}
	for i := range ms.mips {
		out.mips[i] = *cloneRanged(&ms.mips[i])
	}
	return out
}
