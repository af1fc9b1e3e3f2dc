package tasks

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of keyed triggers into a single call. Each Trigger for a key replaces the
// function scheduled for that key and restarts its timer, so only the most recent function runs once
// the key has been quiet for the configured delay.
type Debouncer struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*debounced
	stopped bool
}

type debounced struct {
	fn    func()
	timer *time.Timer
}

// NewDebouncer creates a debouncer that waits delay after the last trigger of a key.
func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*debounced),
	}
}

// Trigger schedules fn for key, superseding anything still pending for it.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	p := &debounced{fn: fn}
	p.timer = time.AfterFunc(d.delay, func() {
		d.fire(key, p)
	})
	d.pending[key] = p
}

// Cancel drops whatever is pending for key.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending reports how many keys are waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Flush runs every pending function immediately, on the calling goroutine, and returns how many ran.
func (d *Debouncer) Flush() int {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Clear drops everything pending and returns how many keys were dropped. Later triggers are still
// accepted.
func (d *Debouncer) Clear() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.clearLocked()
}

// Stop cancels everything pending and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.clearLocked()
}

func (d *Debouncer) clearLocked() int {
	n := len(d.pending)
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	return n
}

// fire runs p if it is still the current entry for key. A timer that lost the race against Trigger,
// Cancel or Flush finds a different entry, or none, and does nothing.
func (d *Debouncer) fire(key string, p *debounced) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn()
}
