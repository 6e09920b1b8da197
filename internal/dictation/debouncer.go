package dictation

import (
	"sync"
	"time"
)

// Debouncer runs the most recently scheduled func once Delay has passed
// without another Schedule or Postpone. The zero value is ready to use.
type Debouncer struct {
	Delay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	fn      func()
	gen     uint64
	stopped bool
}

// Schedule replaces any pending func and restarts the quiet window.
func (d *Debouncer) Schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.fn = fn
	d.armLocked()
}

// Postpone restarts the quiet window of a pending func. It reports whether
// anything was pending.
func (d *Debouncer) Postpone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.fn == nil {
		return false
	}
	d.armLocked()
	return true
}

// Cancel drops the pending func, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

// Stop cancels and refuses all later schedules.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.stopped = true
}

func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fn != nil
}

func (d *Debouncer) armLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.Delay, func() { d.fire(gen) })
}

func (d *Debouncer) cancelLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.fn = nil
	d.gen++
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.fn == nil {
		// Superseded between the timer firing and acquiring the lock.
		d.mu.Unlock()
		return
	}
	fn := d.fn
	d.fn = nil
	d.timer = nil
	d.mu.Unlock()
	fn()
}
