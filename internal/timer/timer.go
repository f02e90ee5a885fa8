// Package timer provides a deadline-based countdown that fires at most once per period.
package timer

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled function.
type Stopper interface {
	Stop() bool
}

// Clock is the time source used by Timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// SystemClock is backed by the time package.
var SystemClock Clock = systemClock{}

type state int

const (
	idle state = iota
	running
	paused
	expired
)

// Timer counts down from a deadline rather than accumulating ticks, so scheduling jitter
// cannot drift it. Every Start or Reset opens a new generation; a fire belonging to an older
// generation is dropped.
type Timer struct {
	clock    Clock
	onExpire func(gen uint64)

	mu        sync.Mutex
	state     state
	gen       uint64
	deadline  time.Time
	remaining time.Duration
	pending   Stopper
}

// New builds an idle timer. onExpire receives the generation that expired.
func New(clock Clock, onExpire func(gen uint64)) *Timer {
	if clock == nil {
		clock = SystemClock
	}
	return &Timer{clock: clock, onExpire: onExpire}
}

// Start arms the timer for limit and returns the new generation.
func (t *Timer) Start(limit time.Duration) uint64 {
	return t.Reset(limit)
}

// Reset supersedes any pending period and arms the timer for limit.
func (t *Timer) Reset(limit time.Duration) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
	t.gen++
	t.remaining = limit
	t.armLocked()
	return t.gen
}

// Pause captures the remaining time and suspends the deadline.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != running {
		return
	}
	t.cancelLocked()
	t.remaining = t.deadline.Sub(t.clock.Now())
	if t.remaining < 0 {
		t.remaining = 0
	}
	t.state = paused
}

// Resume derives a new deadline from the captured remainder.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != paused {
		return
	}
	t.armLocked()
}

// Stop cancels the pending expiry. The timer stays idle until the next Start or Reset.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	t.gen++
	t.state = idle
	t.remaining = 0
}

// Remaining reports the time left in the current period.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case running:
		if d := t.deadline.Sub(t.clock.Now()); d > 0 {
			return d
		}
		return 0
	case paused:
		return t.remaining
	}
	return 0
}

// Generation returns the current period's generation.
func (t *Timer) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Paused reports whether the timer is suspended.
func (t *Timer) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == paused
}

func (t *Timer) armLocked() {
	t.state = running
	t.deadline = t.clock.Now().Add(t.remaining)
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.remaining, func() { t.fire(gen) })
}

func (t *Timer) cancelLocked() {
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if t.gen != gen || t.state != running {
		t.mu.Unlock()
		return
	}
	// The scheduler may wake early; re-arm for whatever is left of the deadline.
	if left := t.deadline.Sub(t.clock.Now()); left > 0 {
		t.pending = t.clock.AfterFunc(left, func() { t.fire(gen) })
		t.mu.Unlock()
		return
	}
	t.state = expired
	t.pending = nil
	cb := t.onExpire
	t.mu.Unlock()

	if cb != nil {
		cb(gen)
	}
}
