package tracker

import "time"

// Timer is a pending AfterFunc call.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls. Tests substitute a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// debouncer runs fn after a quiet period. Each Schedule replaces the pending call.
// The owner serializes Schedule and Cancel; fn receives the generation it was
// scheduled with so a call that lost a race with Cancel can detect it.
type debouncer struct {
	clock Clock
	wait  time.Duration
	fn    func(gen uint64)

	timer Timer
	gen   uint64
}

func newDebouncer(clock Clock, wait time.Duration, fn func(gen uint64)) *debouncer {
	return &debouncer{clock: clock, wait: wait, fn: fn}
}

// Schedule cancels any pending call and starts a new wait.
func (d *debouncer) Schedule() {
	d.Cancel()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.wait, func() { d.fn(gen) })
}

// Cancel stops the pending call, if any.
func (d *debouncer) Cancel() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Current reports whether gen belongs to the latest Schedule.
func (d *debouncer) Current(gen uint64) bool {
	return d.timer != nil && gen == d.gen
}

// Fired clears the pending timer once its call has run.
func (d *debouncer) Fired() { d.timer = nil }
