// Package latch provides the one-shot "claim and wake" primitive that feed
// goroutines use to hand a result back to the session goroutine.
package latch

import "sync"

// Latch is a write-once result slot. The first Fire wins: it stores the value,
// closes Done and returns true. Later calls are no-ops that return false.
type Latch[T any] struct {
	mu    sync.Mutex
	fired bool
	value T
	done  chan struct{}
}

// New creates an unfired latch.
func New[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Fire claims the latch with v. Only the winning caller gets true.
func (l *Latch[T]) Fire(v T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired {
		return false
	}
	l.fired = true
	l.value = v
	close(l.done)
	return true
}

// Done is closed once the latch fires.
func (l *Latch[T]) Done() <-chan struct{} { return l.done }

// Fired reports whether the latch has been claimed.
func (l *Latch[T]) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}

// Value returns the stored value and whether the latch fired.
func (l *Latch[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.fired
}
