package snatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSnatchOnce(t *testing.T) {
	var lock Lock
	s := New(42)

	g := lock.Read()
	v, ok := s.Get(&g)
	g.Release()
	if !ok || v != 42 {
		t.Fatalf("Get() = %d, %v", v, ok)
	}

	w := lock.Write()
	v, ok = s.Snatch(&w)
	if !ok || v != 42 {
		t.Fatalf("first Snatch() = %d, %v", v, ok)
	}
	if _, ok := s.Snatch(&w); ok {
		t.Error("second Snatch() succeeded")
	}
	w.Release()

	g = lock.Read()
	defer g.Release()
	if _, ok := s.Get(&g); ok {
		t.Error("Get() after Snatch succeeded")
	}
	if !s.IsSnatched(&g) {
		t.Error("IsSnatched() = false")
	}
}

func TestZeroSnatchable(t *testing.T) {
	var lock Lock
	var s Snatchable[string]
	g := lock.Read()
	defer g.Release()
	if _, ok := s.Get(&g); ok {
		t.Error("zero Snatchable reported a value")
	}
	if s.IsSnatched(&g) {
		t.Error("zero Snatchable reported snatched")
	}
}

func TestReleaseTwice(t *testing.T) {
	var lock Lock
	g := lock.Read()
	g.Release()
	g.Release()

	w := lock.Write()
	w.Release()
	w.Release()
}

func TestWriteWaitsForReaders(t *testing.T) {
	var lock Lock
	s := New(1)

	g := lock.Read()
	var snatched atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w := lock.Write()
		defer w.Release()
		s.Snatch(&w)
		snatched.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	if snatched.Load() {
		t.Fatal("Snatch completed while a reader held the guard")
	}
	if v, ok := s.Get(&g); !ok || v != 1 {
		t.Fatalf("reader lost its value: %d, %v", v, ok)
	}
	g.Release()

	wg.Wait()
	if !snatched.Load() {
		t.Fatal("Snatch did not complete after the reader released")
	}
}
