// Package backoff computes capped exponential reconnect delays.
//
// The schedule is deterministic (no jitter): a single viewer reconnecting to
// its own bot process gains nothing from desynchronization, and tests assert
// the exact delay sequence.
package backoff

import "time"

// Backoff tracks consecutive failed attempts and yields the wait before the
// next one. With base=1s, max=30s, maxAttempts=5 the sequence is
// 2s, 4s, 8s, 16s, 30s, then Next reports exhaustion.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempt     int
}

func New(base, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{base: base, max: max, maxAttempts: maxAttempts}
}

// NewDefault returns the reconnect schedule used by the transport client:
// 1s base doubling per attempt, capped at 30s, at most 5 attempts.
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 5)
}

// Next records one more attempt and returns the delay before it, or
// (0, false) when the attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.attempt >= b.maxAttempts {
		return 0, false
	}
	b.attempt++

	delay := b.base << b.attempt
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	return delay, true
}

// Exhaust spends the remaining attempt budget so no further delay is issued
// until Reset. Called on intentional disconnect.
func (b *Backoff) Exhaust() {
	b.attempt = b.maxAttempts
}

// Reset clears the attempt count after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of attempts consumed.
func (b *Backoff) Attempt() int {
	return b.attempt
}
