// Package debounce provides a coalescing emitter: last-value-wins delivery
// with a minimum interval between emissions. Producers that tick faster than
// consumers care about (mark-to-market PnL, metrics) publish through one of
// these instead of carrying ad hoc timer fields.
package debounce

import (
	"sync"
	"time"
)

// Emitter delivers published values through fn, enforcing at least window
// between successive calls. A value published inside the window replaces any
// value already waiting; exactly one delivery fires at the window boundary.
type Emitter[T any] struct {
	mu     sync.Mutex
	window time.Duration
	fn     func(T)

	lastEmit   time.Time
	timer      *time.Timer
	pending    T
	hasPending bool
	stopped    bool
}

func New[T any](window time.Duration, fn func(T)) *Emitter[T] {
	return &Emitter[T]{window: window, fn: fn}
}

// Publish hands v to the emitter. If the window since the last emission has
// elapsed, v is delivered synchronously; otherwise v is held (replacing any
// held value) and delivered when the window closes.
func (e *Emitter[T]) Publish(v T) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	now := time.Now()
	elapsed := now.Sub(e.lastEmit)
	if e.timer == nil && elapsed >= e.window {
		e.lastEmit = now
		e.mu.Unlock()
		e.fn(v)
		return
	}

	e.pending = v
	e.hasPending = true
	if e.timer == nil {
		e.timer = time.AfterFunc(e.window-elapsed, e.fire)
	}
	e.mu.Unlock()
}

// Force delivers v immediately, discarding any held value and restarting the
// window. Used for hard state transitions that must not be coalesced.
func (e *Emitter[T]) Force(v T) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.hasPending = false
	e.lastEmit = time.Now()
	e.mu.Unlock()
	e.fn(v)
}

func (e *Emitter[T]) fire() {
	e.mu.Lock()
	e.timer = nil
	if e.stopped || !e.hasPending {
		e.mu.Unlock()
		return
	}
	v := e.pending
	e.hasPending = false
	e.lastEmit = time.Now()
	e.mu.Unlock()
	e.fn(v)
}

// Stop cancels any held value. The emitter delivers nothing after Stop.
func (e *Emitter[T]) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.hasPending = false
}
