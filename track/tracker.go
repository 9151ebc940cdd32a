package track

// BufferTransition is a barrier on a byte range of a buffer.
type BufferTransition struct {
	Index Index
	Range Range
	From  BufferUses
	To    BufferUses
}

// TextureTransition is a barrier on a block of texture subresources.
type TextureTransition struct {
	Index    Index
	Selector TextureSelector
	From     TextureUses
	To       TextureUses
}

// ASTransition is a barrier on an acceleration structure.
type ASTransition struct {
	Index Index
	From  ASUses
	To    ASUses
}

// Transitions groups the barriers produced by one tracker operation.
type Transitions struct {
	Buffers  []BufferTransition
	Textures []TextureTransition
	AS       []ASTransition
}

// Len returns the total number of transitions.
func (t Transitions) Len() int {
	return len(t.Buffers) + len(t.Textures) + len(t.AS)
}

// IsEmpty reports whether there is nothing to emit.
func (t Transitions) IsEmpty() bool { return t.Len() == 0 }

// Append adds the transitions of o to t.
func (t *Transitions) Append(o Transitions) {
	t.Buffers = append(t.Buffers, o.Buffers...)
	t.Textures = append(t.Textures, o.Textures...)
	t.AS = append(t.AS, o.AS...)
}

// startEnd holds the first state a command buffer expects and the state
// it leaves behind.
type startEnd[U Uses] struct {
	start rangedStates[U]
	end   rangedStates[U]
}

type mipStartEnd struct {
	start mipStates[TextureUses]
	end   mipStates[TextureUses]
}

// Tracker follows the state of every resource a command buffer touches.
//
// A Tracker is not safe for concurrent use; it is owned by one encoder.
type Tracker struct {
	policy   Policy
	buffers  table[startEnd[BufferUses]]
	textures table[mipStartEnd]
	accels   table[startEnd[ASUses]]
}

// NewTracker returns an empty tracker governed by p.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p}
}

// SetBuffer records an access of the byte range r of buffer idx and
// returns the transitions that must run before it. The first access of a
// range becomes its start state and produces no transition.
func (t *Tracker) SetBuffer(idx Index, r Range, use BufferUses) []BufferTransition {
	var out []BufferTransition
	setRanged(t.policy, t.buffers.getOrInsert(idx), r, use, func(sub Range, from, to BufferUses) {
		out = append(out, BufferTransition{Index: idx, Range: sub, From: from, To: to})
	})
	return out
}

// SetTexture records an access of the subresources sel of texture idx.
func (t *Tracker) SetTexture(idx Index, sel TextureSelector, use TextureUses) []TextureTransition {
	var out []TextureTransition
	e := t.textures.getOrInsert(idx)
	type first struct {
		mip    uint32
		layers Range
	}
	var firsts []first
	e.end.update(sel, func(mip uint32, layers Range, old TextureUses) TextureUses {
		next, transition := step(t.policy, old, use)
		if old == 0 {
			firsts = append(firsts, first{mip, layers})
		}
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
	for _, f := range firsts {
		e.start.update(TextureSelector{Mips: Range{uint64(f.mip), uint64(f.mip) + 1}, Layers: f.layers},
			func(uint32, Range, TextureUses) TextureUses { return use })
	}
	return out
}

// SetAS records an access of acceleration structure idx.
func (t *Tracker) SetAS(idx Index, use ASUses) []ASTransition {
	var out []ASTransition
	setRanged(t.policy, t.accels.getOrInsert(idx), wholeRange, use, func(_ Range, from, to ASUses) {
		out = append(out, ASTransition{Index: idx, From: from, To: to})
	})
	return out
}

// SetFromScope records every access of a closed scope. Each subresource
// contributes its aggregate use, so a scope yields at most one transition
// per subresource however many commands touched it.
func (t *Tracker) SetFromScope(s *UsageScope) Transitions {
	var out Transitions
	s.buffers.each(func(idx Index, rs *rangedStates[scopeState[BufferUses]]) {
		rs.each(func(r Range, st scopeState[BufferUses]) {
			out.Buffers = append(out.Buffers, t.SetBuffer(idx, r, st.use)...)
		})
	})
	s.textures.each(func(idx Index, ms *mipStates[scopeState[TextureUses]]) {
		ms.each(func(mip uint32, layers Range, st scopeState[TextureUses]) {
			sel := TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers}
			out.Textures = append(out.Textures, t.SetTexture(idx, sel, st.use)...)
		})
	})
	s.accels.each(func(idx Index, rs *rangedStates[scopeState[ASUses]]) {
		rs.each(func(_ Range, st scopeState[ASUses]) {
			out.AS = append(out.AS, t.SetAS(idx, st.use)...)
		})
	})
	return out
}

// BufferUse returns the current state of one byte of buffer idx.
func (t *Tracker) BufferUse(idx Index, offset uint64) BufferUses {
	if e := t.buffers.get(idx); e != nil {
		return e.end.at(offset)
	}
	return 0
}

// TextureUse returns the current state of one texture subresource.
func (t *Tracker) TextureUse(idx Index, mip, layer uint32) TextureUses {
	if e := t.textures.get(idx); e != nil {
		return e.end.at(mip, uint64(layer))
	}
	return 0
}

// ASUse returns the current state of acceleration structure idx.
func (t *Tracker) ASUse(idx Index) ASUses {
	if e := t.accels.get(idx); e != nil {
		return e.end.at(0)
	}
	return 0
}

// Len returns the number of tracked resources of kind k.
func (t *Tracker) Len(k Kind) int {
	switch k {
	case KindBuffer:
		return t.buffers.len()
	case KindTexture:
		return t.textures.len()
	case KindAccelerationStructure:
		return t.accels.len()
	}
	return 0
}

func setRanged[U Uses](p Policy, e *startEnd[U], r Range, use U, emit func(sub Range, from, to U)) {
	var firsts []Range
	e.end.update(r, func(sub Range, old U) U {
		next, transition := step(p, old, use)
		if old == 0 {
			firsts = append(firsts, sub)
		}
		if transition {
			emit(sub, old, next)
		}
		return next
	})
	for _, f := range firsts {
		e.start.update(f, func(Range, U) U { return use })
	}
}
