// Package debounce coalesces bursts of calls into one deferred action.
package debounce

import (
	"sync"
	"time"
)

// Debouncer runs the most recently scheduled action once no new call has
// arrived for the configured delay. Each Call cancels the pending action and
// schedules a new one. With a max wait, a steady stream of calls still runs
// the action at least once per max wait.
type Debouncer struct {
	delay   time.Duration
	maxWait time.Duration
	now     func() time.Time

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	firstCall  time.Time // first Call since the last run
}

func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay, now: time.Now}
}

// NewWithMaxWait is New with an upper bound on how long the first of a burst
// of calls may wait. maxWait <= 0 means no bound.
func NewWithMaxWait(delay, maxWait time.Duration) *Debouncer {
	d := New(delay)
	d.maxWait = maxWait
	return d
}

// Call schedules fn to run after the delay, replacing any pending action.
func (d *Debouncer) Call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if d.timer != nil {
		d.timer.Stop()
	} else {
		d.firstCall = now
	}

	delay := d.delay
	if d.maxWait > 0 {
		if remaining := d.firstCall.Add(d.maxWait).Sub(now); remaining < delay {
			delay = max(remaining, 0)
		}
	}

	d.generation++
	gen := d.generation
	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		// A timer that already fired cannot be stopped; a newer Call makes
		// it stale.
		if d.generation != gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending action, if any, and reports whether there was one.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.generation++
	return true
}

// Pending reports whether an action is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
