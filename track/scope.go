package track

// Source identifies where an access in a scope came from. Two writes of a
// subresource with different sources are aliased writes.
type Source uint64

// NoSource is used for accesses that do not come from a binding, such as
// attachments and vertex buffers.
const NoSource Source = 0

// BindingSource names binding number binding of the bind group tracked at
// index group.
func BindingSource(group Index, binding uint32) Source {
	return Source(uint64(group)<<32|uint64(binding)) + 1
}

// scopeState is the union of uses of a subresource plus the source of the
// first write, if any.
type scopeState[U Uses] struct {
	use    U
	writer Source
}

// mergeUse folds use into old. It returns the merged state, or false when
// the union is invalid or an aliased write the policy rejects.
func mergeUse[U Uses](p Policy, old scopeState[U], use U, src Source) (scopeState[U], bool, bool) {
	writer := NoSource
	if !use.IsReadOnly() {
		writer = src
	}
	if old.use == 0 {
		return scopeState[U]{use: use, writer: writer}, true, false
	}
	union := old.use | use
	if !union.IsValid() {
		return old, false, false
	}
	if p.Aliasing == RejectAliasedWrites && !old.use.IsReadOnly() && !use.IsReadOnly() && old.writer != src {
		return old, false, true
	}
	if old.writer != NoSource {
		writer = old.writer
	}
	return scopeState[U]{use: union, writer: writer}, true, false
}

// UsageScope accumulates the accesses of one render pass, one dispatch, or
// the declared accesses of one bind group.
//
// A UsageScope is not safe for concurrent use.
type UsageScope struct {
	policy   Policy
	buffers  table[rangedStates[scopeState[BufferUses]]]
	textures table[mipStates[scopeState[TextureUses]]]
	accels   table[rangedStates[scopeState[ASUses]]]
}

// NewUsageScope returns an empty scope governed by p.
func NewUsageScope(p Policy) *UsageScope {
	return &UsageScope{policy: p}
}

// Policy returns the scope's policy.
func (s *UsageScope) Policy() Policy { return s.policy }

// MergeBuffer adds use of the byte range r of buffer idx.
// On conflict the scope is left unchanged.
func (s *UsageScope) MergeBuffer(idx Index, r Range, use BufferUses, src Source) error {
	return mergeRanged(s.policy, KindBuffer, s.buffers.getOrInsert(idx), idx, r, use, src)
}

// MergeTexture adds use of the subresources sel of texture idx.
// On conflict the scope is left unchanged.
func (s *UsageScope) MergeTexture(idx Index, sel TextureSelector, use TextureUses, src Source) error {
	st := s.textures.getOrInsert(idx)
	if !use.IsValid() {
		return &ConflictError{Kind: KindTexture, Index: idx, Where: sel.String(), Existing: use.String(), Requested: use.String()}
	}
	var conflict error
	st.visit(sel, func(mip uint32, layers Range, old scopeState[TextureUses]) {
		if conflict != nil {
			return
		}
		if _, ok, aliased := mergeUse(s.policy, old, use, src); !ok {
			where := TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers}
			conflict = &ConflictError{
				Kind: KindTexture, Index: idx, Where: where.String(),
				Existing: old.use.String(), Requested: use.String(), Aliased: aliased,
			}
		}
	})
	if conflict != nil {
		return conflict
	}
	st.update(sel, func(_ uint32, _ Range, old scopeState[TextureUses]) scopeState[TextureUses] {
		next, _, _ := mergeUse(s.policy, old, use, src)
		return next
	})
	return nil
}

// MergeAS adds use of acceleration structure idx.
func (s *UsageScope) MergeAS(idx Index, use ASUses, src Source) error {
	return mergeRanged(s.policy, KindAccelerationStructure, s.accels.getOrInsert(idx), idx, wholeRange, use, src)
}

// Merge adds every access recorded in other. Writer sources are kept, so
// merging the scopes of two bind groups that write the same subresource
// is an aliased write.
func (s *UsageScope) Merge(other *UsageScope) error {
	if other == nil {
		return nil
	}
	var err error
	other.buffers.each(func(idx Index, rs *rangedStates[scopeState[BufferUses]]) {
		rs.each(func(r Range, st scopeState[BufferUses]) {
			if err == nil {
				err = s.MergeBuffer(idx, r, st.use, st.writer)
			}
		})
	})
	other.textures.each(func(idx Index, ms *mipStates[scopeState[TextureUses]]) {
		ms.each(func(mip uint32, layers Range, st scopeState[TextureUses]) {
			if err == nil {
				sel := TextureSelector{Mips: Range{uint64(mip), uint64(mip) + 1}, Layers: layers}
				err = s.MergeTexture(idx, sel, st.use, st.writer)
			}
		})
	})
	other.accels.each(func(idx Index, rs *rangedStates[scopeState[ASUses]]) {
		rs.each(func(_ Range, st scopeState[ASUses]) {
			if err == nil {
				err = s.MergeAS(idx, st.use, st.writer)
			}
		})
	})
	return err
}

// BufferUse returns the merged use of one byte of buffer idx.
func (s *UsageScope) BufferUse(idx Index, offset uint64) BufferUses {
	if rs := s.buffers.get(idx); rs != nil {
		return rs.at(offset).use
	}
	return 0
}

// TextureUse returns the merged use of one texture subresource.
func (s *UsageScope) TextureUse(idx Index, mip uint32, layer uint32) TextureUses {
	if ms := s.textures.get(idx); ms != nil {
		return ms.at(mip, uint64(layer)).use
	}
	return 0
}

// IsEmpty reports whether nothing has been merged.
func (s *UsageScope) IsEmpty() bool {
	return s.buffers.len() == 0 && s.textures.len() == 0 && s.accels.len() == 0
}

// Clear forgets every access so the scope can be reused.
func (s *UsageScope) Clear() {
	s.buffers.clear()
	s.textures.clear()
	s.accels.clear()
}

func mergeRanged[U Uses](p Policy, kind Kind, rs *rangedStates[scopeState[U]], idx Index, r Range, use U, src Source) error {
	if !use.IsValid() {
		return &ConflictError{Kind: kind, Index: idx, Where: r.String(), Existing: use.String(), Requested: use.String()}
	}
	var conflict error
	rs.visit(r, func(sub Range, old scopeState[U]) {
		if conflict != nil {
			return
		}
		if _, ok, aliased := mergeUse(p, old, use, src); !ok {
			conflict = &ConflictError{
				Kind: kind, Index: idx, Where: sub.String(),
				Existing: old.use.String(), Requested: use.String(), Aliased: aliased,
			}
		}
	})
	if conflict != nil {
		return conflict
	}
	rs.update(r, func(_ Range, old scopeState[U]) scopeState[U] {
		next, _, _ := mergeUse(p, old, use, src)
		return next
	})
	return nil
}
