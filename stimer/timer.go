// Package stimer wraps a transport's one-shot timer into a resettable,
// cancel-on-disable timeout, per spec.md §4.5. Transport-level timers are
// one-shot and may not be cancellable through their own callback alone;
// Timer hides that behind a cancel closure captured at schedule time.
package stimer

import "time"

// Scheduler is the subset of a transport a Timer needs.
type Scheduler interface {
	SpawnAfter(delay time.Duration, cb func()) (cancel func())
}

// Timer is a one-shot timeout that can be reset, enabled, and disabled.
// After Disable, the callback is guaranteed not to fire.
type Timer struct {
	scheduler Scheduler
	delay     time.Duration
	callback  func()
	cancel    func()
}

// New creates a Timer that, once enabled, calls callback after delay.
func New(scheduler Scheduler, delay time.Duration, callback func()) *Timer {
	return &Timer{scheduler: scheduler, delay: delay, callback: callback}
}

// Reset cancels any in-flight callback and starts a fresh one.
func (t *Timer) Reset() {
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = t.scheduler.SpawnAfter(t.delay, t.fire)
}

func (t *Timer) fire() {
	t.cancel = nil
	t.callback()
}

// Enable starts the timer only if it is not already running.
func (t *Timer) Enable() {
	if t.cancel == nil {
		t.Reset()
	}
}

// Disable cancels any in-flight callback.
func (t *Timer) Disable() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// Close is Disable, named for use in defer next to other resources.
func (t *Timer) Close() {
	t.Disable()
}
