package wgcore

import (
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// deferredFree is a free waiting for a submission to complete.
type deferredFree struct {
	index SubmissionIndex
	kind  ResourceKind
	label string
	fn    func()
}

// activeSubmission holds everything one Submit call keeps alive until the
// backend reports it complete.
type activeSubmission struct {
	index      SubmissionIndex
	rawBuffers []hal.CommandBuffer
	encoders   []hal.CommandEncoder
	buffers    []*CommandBuffer
	onDone     []func()
}

// lifetimeTracker defers frees, map completions and work-done callbacks
// until the submissions they wait for have completed.
//
// Thread-safe for concurrent use. Callbacks run without the lock held, so
// they may schedule more work.
type lifetimeTracker struct {
	mu        sync.Mutex
	raw       hal.Device
	completed SubmissionIndex
	submitted SubmissionIndex
	active    []*activeSubmission
	deferred  []deferredFree
	maps      []*Buffer
	idleDone  []func()
}

func newLifetimeTracker(raw hal.Device) *lifetimeTracker {
	return &lifetimeTracker{raw: raw}
}

// schedule runs fn once submission after has completed. If it already
// has, fn runs before schedule returns.
func (l *lifetimeTracker) schedule(after SubmissionIndex, kind ResourceKind, label string, fn func()) {
	l.mu.Lock()
	if after <= l.completed {
		l.mu.Unlock()
		fn()
		return
	}
	l.deferred = append(l.deferred, deferredFree{index: after, kind: kind, label: label, fn: fn})
	l.mu.Unlock()
}

// track takes ownership of a submitted batch.
func (l *lifetimeTracker) track(s *activeSubmission) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted = s.index
	l.active = append(l.active, s)
}

// onSubmittedWorkDone fires fn once everything submitted so far completes.
func (l *lifetimeTracker) onSubmittedWorkDone(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.active); n > 0 {
		l.active[n-1].onDone = append(l.active[n-1].onDone, fn)
		return
	}
	l.idleDone = append(l.idleDone, fn)
}

func (l *lifetimeTracker) addMap(b *Buffer) {
	l.mu.Lock()
	l.maps = append(l.maps, b)
	l.mu.Unlock()
}

// removeMap forgets a pending map request and reports whether it was
// still pending.
func (l *lifetimeTracker) removeMap(b *Buffer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, m := range l.maps {
		if m == b {
			l.maps = append(l.maps[:i], l.maps[i+1:]...)
			return true
		}
	}
	return false
}

// triage retires every submission up to completed and runs the work that
// was waiting for it. It returns the number of deferred frees executed.
func (l *lifetimeTracker) triage(completed SubmissionIndex) int {
	l.mu.Lock()
	if completed > l.completed {
		l.completed = completed
	}
	completed = l.completed

	var done []*activeSubmission
	n := 0
	for _, s := range l.active {
		if s.index <= completed {
			done = append(done, s)
		} else {
			l.active[n] = s
			n++
		}
	}
	clear(l.active[n:])
	l.active = l.active[:n]

	var frees []deferredFree
	n = 0
	for _, f := range l.deferred {
		if f.index <= completed {
			frees = append(frees, f)
		} else {
			l.deferred[n] = f
			n++
		}
	}
	clear(l.deferred[n:])
	l.deferred = l.deferred[:n]

	var maps []*Buffer
	n = 0
	for _, b := range l.maps {
		if b.lastUse() <= completed {
			maps = append(maps, b)
		} else {
			l.maps[n] = b
			n++
		}
	}
	clear(l.maps[n:])
	l.maps = l.maps[:n]

	callbacks := l.idleDone
	l.idleDone = nil
	l.mu.Unlock()

	for _, s := range done {
		for _, raw := range s.rawBuffers {
			l.raw.FreeCommandBuffer(raw)
		}
		for _, enc := range s.encoders {
			enc.Destroy()
		}
		for _, cb := range s.buffers {
			cb.retire()
		}
		callbacks = append(callbacks, s.onDone...)
	}
	for _, f := range frees {
		f.fn()
	}
	for _, b := range maps {
		b.completeMap()
	}
	for _, fn := range callbacks {
		fn()
	}

	if len(done) > 0 || len(frees) > 0 {
		Logger().Debug("wgcore: triaged submissions",
			"completed", uint64(completed), "submissions", len(done), "frees", len(frees), "maps", len(maps))
	}
	return len(frees)
}

// lastSubmitted returns the index of the most recent submission.
func (l *lifetimeTracker) lastSubmitted() SubmissionIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted
}

func (l *lifetimeTracker) lastCompleted() SubmissionIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.completed
}

// counts returns the number of in-flight submissions and deferred frees.
func (l *lifetimeTracker) counts() (active, deferred int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active), len(l.deferred)
}
