// Package rate tracks exchange request-weight consumption over a sliding
// window. The limiting itself lives with the exchange client; this package
// only answers "how much of the budget is in use", which the hub samples for
// the dashboard.
package rate

import (
	"sync"
	"time"
)

// Usage is one sampled reading of weight consumption.
type Usage struct {
	UsedWeight int
	Limit      int
}

// Percent returns consumption as a percentage of the limit.
func (u Usage) Percent() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.UsedWeight) / float64(u.Limit) * 100
}

// Sampler yields the current usage reading.
type Sampler interface {
	Sample() Usage
}

// Window counts request weight over a fixed trailing interval, Binance
// used-weight style (1200 weight per rolling minute by default).
type Window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	events []event
	now    func() time.Time
}

type event struct {
	at     time.Time
	weight int
}

func NewWindow(limit int, span time.Duration) *Window {
	return &Window{limit: limit, span: span, now: time.Now}
}

// NewDefault returns a rolling-minute window with the Binance REST budget.
func NewDefault() *Window {
	return NewWindow(1200, time.Minute)
}

// Add records weight consumed by one request.
func (w *Window) Add(weight int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	w.events = append(w.events, event{at: w.now(), weight: weight})
}

// Sample returns the weight consumed inside the trailing window.
func (w *Window) Sample() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.prune(now)

	used := 0
	for _, e := range w.events {
		used += e.weight
	}
	return Usage{UsedWeight: used, Limit: w.limit}
}

func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = w.events[i:]
	}
}
