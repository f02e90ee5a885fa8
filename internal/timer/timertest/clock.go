// Package timertest provides a manually driven clock for deterministic timer tests.
package timertest

import (
	"sort"
	"sync"
	"time"

	"quizrank-service/internal/timer"
)

// Clock only moves when Advance is called. Due functions run synchronously inside Advance.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*waiter
}

type waiter struct {
	clock   *Clock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
}

func (w *waiter) Stop() bool {
	w.clock.mu.Lock()
	defer w.clock.mu.Unlock()
	if w.stopped {
		return false
	}
	w.stopped = true
	return true
}

// NewClock starts at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) timer.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	w := &waiter{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.waiters = append(c.waiters, w)
	return w
}

// Pending counts scheduled functions that have neither fired nor been stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due functions in deadline order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *Clock) nextDueLocked(target time.Time) *waiter {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped {
			live = append(live, w)
		}
	}
	c.waiters = live
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if !c.waiters[i].at.Equal(c.waiters[j].at) {
			return c.waiters[i].at.Before(c.waiters[j].at)
		}
		return c.waiters[i].seq < c.waiters[j].seq
	})
	if len(c.waiters) == 0 || c.waiters[0].at.After(target) {
		return nil
	}
	return c.waiters[0]
}
