package track

// table stores per-resource entries densely by Index and remembers the
// order in which resources were first inserted, so iteration (and with it
// the order of reported transitions) is deterministic.
type table[E any] struct {
	entries []*E
	order   []Index
}

func (t *table[E]) get(idx Index) *E {
	if int(idx) >= len(t.entries) {
		return nil
	}
	return t.entries[idx]
}

func (t *table[E]) getOrInsert(idx Index) *E {
	for len(t.entries) <= int(idx) {
		t.entries = append(t.entries, nil)
	}
	e := t.entries[idx]
	if e == nil {
		e = new(E)
		t.entries[idx] = e
		t.order = append(t.order, idx)
	}
	return e
}

func (t *table[E]) remove(idx Index) {
	if int(idx) >= len(t.entries) || t.entries[idx] == nil {
		return
	}
	t.entries[idx] = nil
	for i, o := range t.order {
		if o == idx {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *table[E]) each(fn func(Index, *E)) {
	for _, idx := range t.order {
		fn(idx, t.entries[idx])
	}
}

func (t *table[E]) len() int { return len(t.order) }

func (t *table[E]) clear() {
	t.entries = t.entries[:0]
	t.order = t.order[:0]
}
