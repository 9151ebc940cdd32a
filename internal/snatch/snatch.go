// Package snatch implements the destruction guard for raw backend handles.
//
// A device owns one Lock. Code that uses raw handles (recording, submission,
// raw access) holds a ReadGuard for the duration of the use; Destroy holds
// the WriteGuard while it takes the handle out of its Snatchable. Readers
// therefore never observe a handle that is being freed, and a destroy
// waits for the in-flight uses it overlaps with.
//
// Guards are not reentrant. A goroutine holding a ReadGuard must not ask
// for another one: sync.RWMutex blocks new readers once a writer waits.
package snatch

import "sync"

// Lock coordinates access to every Snatchable of one device.
type Lock struct {
	mu sync.RWMutex
}

// ReadGuard proves shared access to snatchable values.
// It is a value type so taking it does not allocate.
type ReadGuard struct {
	lock *Lock
}

// WriteGuard proves exclusive access to snatchable values.
type WriteGuard struct {
	lock *Lock
}

// Read acquires shared access.
//
//	guard := lock.Read()
//	defer guard.Release()
func (l *Lock) Read() ReadGuard {
	l.mu.RLock()
	return ReadGuard{lock: l}
}

// Write acquires exclusive access. It blocks until every ReadGuard has
// been released.
func (l *Lock) Write() WriteGuard {
	l.mu.Lock()
	return WriteGuard{lock: l}
}

// Release gives up shared access. Calling Release on a zero guard is a
// no-op.
func (g *ReadGuard) Release() {
	if g.lock == nil {
		return
	}
	g.lock.mu.RUnlock()
	g.lock = nil
}

// Release gives up exclusive access.
func (g *WriteGuard) Release() {
	if g.lock == nil {
		return
	}
	g.lock.mu.Unlock()
	g.lock = nil
}

// Snatchable holds an optional value that can be taken exactly once.
//
// The zero Snatchable is empty.
type Snatchable[T any] struct {
	value    T
	present  bool
	snatched bool
}

// New returns a Snatchable holding value.
func New[T any](value T) Snatchable[T] {
	return Snatchable[T]{value: value, present: true}
}

// Get returns the value if it has not been snatched.
// The guard argument documents that the caller holds shared access.
func (s *Snatchable[T]) Get(_ *ReadGuard) (T, bool) {
	if !s.present {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Snatch removes and returns the value. A second Snatch reports false.
func (s *Snatchable[T]) Snatch(_ *WriteGuard) (T, bool) {
	var zero T
	if !s.present {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.present = false
	s.snatched = true
	return v, true
}

// IsSnatched reports whether Snatch has taken the value. Callers that do
// not hold a guard may observe a stale answer.
func (s *Snatchable[T]) IsSnatched(_ *ReadGuard) bool {
	return s.snatched
}
