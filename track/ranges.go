package track

import "fmt"

// Range is a half-open interval [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Empty reports whether r covers nothing.
func (r Range) Empty() bool { return r.End <= r.Start }

// Overlaps reports whether r and o share at least one element.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End) }

// TextureSelector names a block of texture subresources: the mip levels
// [Mips.Start, Mips.End) times the array layers [Layers.Start, Layers.End).
type TextureSelector struct {
	Mips   Range
	Layers Range
}

// FullSelector covers every subresource of a texture.
func FullSelector(mipCount, layerCount uint32) TextureSelector {
	return TextureSelector{
		Mips:   Range{0, uint64(mipCount)},
		Layers: Range{0, uint64(layerCount)},
	}
}

// Empty reports whether the selector covers nothing.
func (s TextureSelector) Empty() bool { return s.Mips.Empty() || s.Layers.Empty() }

func (s TextureSelector) String() string {
	return fmt.Sprintf("mips%s layers%s", s.Mips, s.Layers)
}

// wholeRange is the single slot acceleration structures are tracked in.
var wholeRange = Range{0, 1}

// span is a run of elements sharing one state.
type span[V comparable] struct {
	r     Range
	state V
}

// rangedStates maps a sparse set of disjoint ranges to non-zero states.
// Elements not covered by a span are in the zero state.
type rangedStates[V comparable] struct {
	spans []span[V]
}

// update calls fn for every piece of r, in ascending order, with the
// piece's current state (zero for gaps) and stores the returned state.
func (rs *rangedStates[V]) update(r Range, fn func(sub Range, old V) V) {
	if r.Empty() {
		return
	}
	var zero V
	out := make([]span[V], 0, len(rs.spans)+2)
	emit := func(sub Range, v V) {
		if sub.Empty() || v == zero {
			return
		}
		if n := len(out); n > 0 && out[n-1].r.End == sub.Start && out[n-1].state == v {
			out[n-1].r.End = sub.End
			return
		}
		out = append(out, span[V]{r: sub, state: v})
	}

	cursor := r.Start
	for _, s := range rs.spans {
		if s.r.End <= r.Start || s.r.Start >= r.End {
			if s.r.Start >= r.End && cursor < r.End {
				emit(Range{cursor, r.End}, fn(Range{cursor, r.End}, zero))
				cursor = r.End
			}
			emit(s.r, s.state)
			continue
		}
		if s.r.Start < r.Start {
			emit(Range{s.r.Start, r.Start}, s.state)
		}
		if cursor < s.r.Start {
			gap := Range{cursor, s.r.Start}
			emit(gap, fn(gap, zero))
		}
		overlap := Range{max(s.r.Start, r.Start), min(s.r.End, r.End)}
		emit(overlap, fn(overlap, s.state))
		cursor = overlap.End
		if s.r.End > r.End {
			emit(Range{r.End, s.r.End}, s.state)
		}
	}
	if cursor < r.End {
		emit(Range{cursor, r.End}, fn(Range{cursor, r.End}, zero))
	}
	rs.spans = out
}

// visit calls fn for every piece of r like update, without storing.
func (rs *rangedStates[V]) visit(r Range, fn func(sub Range, old V)) {
	var zero V
	cursor := r.Start
	for _, s := range rs.spans {
		if s.r.End <= r.Start {
			continue
		}
		if s.r.Start >= r.End {
			break
		}
		if cursor < s.r.Start {
			fn(Range{cursor, s.r.Start}, zero)
		}
		overlap := Range{max(s.r.Start, r.Start), min(s.r.End, r.End)}
		fn(overlap, s.state)
		cursor = overlap.End
	}
	if cursor < r.End {
		fn(Range{cursor, r.End}, zero)
	}
}

// each calls fn for every stored span in ascending order.
func (rs *rangedStates[V]) each(fn func(r Range, v V)) {
	for _, s := range rs.spans {
		fn(s.r, s.state)
	}
}

// at returns the state of a single element.
func (rs *rangedStates[V]) at(pos uint64) V {
	for _, s := range rs.spans {
		if pos >= s.r.Start && pos < s.r.End {
			return s.state
		}
	}
	var zero V
	return zero
}

func (rs *rangedStates[V]) empty() bool { return len(rs.spans) == 0 }

// mipStates holds one rangedStates over array layers per mip level.
type mipStates[V comparable] struct {
	mips []rangedStates[V]
}

// update calls fn for every (mip, layer piece) of sel.
func (ms *mipStates[V]) update(sel TextureSelector, fn func(mip uint32, layers Range, old V) V) {
	if sel.Empty() {
		return
	}
	for uint64(len(ms.mips)) < sel.Mips.End {
		ms.mips = append(ms.mips, rangedStates[V]{})
	}
	for m := sel.Mips.Start; m < sel.Mips.End; m++ {
		mip := uint32(m) //nolint:gosec // G115: mip counts are tiny
		ms.mips[m].update(sel.Layers, func(layers Range, old V) V {
			return fn(mip, layers, old)
		})
	}
}

func (ms *mipStates[V]) visit(sel TextureSelector, fn func(mip uint32, layers Range, old V)) {
	var zero V
	if sel.Empty() {
		return
	}
	for m := sel.Mips.Start; m < sel.Mips.End; m++ {
		mip := uint32(m) //nolint:gosec // G115: mip counts are tiny
		if m >= uint64(len(ms.mips)) {
			fn(mip, sel.Layers, zero)
			continue
		}
		ms.mips[m].visit(sel.Layers, func(layers Range, old V) { fn(mip, layers, old) })
	}
}

func (ms *mipStates[V]) each(fn func(mip uint32, layers Range, v V)) {
	for m := range ms.mips {
		mip := uint32(m) //nolint:gosec // G115: mip counts are tiny
		ms.mips[m].each(func(r Range, v V) { fn(mip, r, v) })
	}
}

func (ms *mipStates[V]) at(mip uint32, layer uint64) V {
	if int(mip) >= len(ms.mips) {
		var zero V
		return zero
	}
	return ms.mips[mip].at(layer)
}
