package swim

import (
	"sync"
	"time"
)

// Timer is a single-shot deferred callback bound to a duration and a
// callback. It exists because the suspicion timer needs remaining-time
// inspection and duration-preserving reset, neither of which time.Timer
// exposes directly.
//
// start may be called at most once per Timer; calling it twice is a
// programming error and panics. reset rearms the timer with a new
// duration and may be called any number of times, including before the
// first start.
type Timer struct {
	mu        sync.Mutex
	d         time.Duration
	f         func()
	t         *time.Timer
	started   bool
	deadline  time.Time
}

// NewTimer constructs a Timer for callback f bound to duration d. The timer
// does not run until start is called.
func NewTimer(d time.Duration, f func()) *Timer {
	return &Timer{d: d, f: f}
}

// start schedules f to run after d. Panics if called more than once; use
// reset to rearm an already-started Timer.
func (tm *Timer) start() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.started {
		panic("swim: Timer.start called more than once")
	}
	tm.started = true
	tm.arm(tm.d)
}

// arm must be called with tm.mu held.
func (tm *Timer) arm(d time.Duration) {
	tm.deadline = time.Now().Add(d)
	tm.t = time.AfterFunc(d, tm.fire)
}

func (tm *Timer) fire() {
	// f may itself block or spawn further work; the caller runs it on its
	// own goroutine (the one time.AfterFunc already allocated), which is
	// the Go analogue of "arrange for it to run to completion on the
	// ambient scheduler" — there is no separate scheduler to hand off to.
	tm.f()
}

// stop cancels a pending firing. Idempotent; safe to call on a Timer that
// was never started or has already fired.
func (tm *Timer) stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
}

// reset cancels any pending firing and rearms the Timer with duration d.
// Equivalent to stop followed by a fresh start, and may be called on a
// Timer that was never started.
func (tm *Timer) reset(d time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.t != nil {
		tm.t.Stop()
	}
	tm.d = d
	tm.started = true
	tm.arm(d)
}

// remaining returns the time until firing: the full duration if start has
// not been called, zero once the deadline has passed, otherwise the time
// left.
func (tm *Timer) remaining() time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.started {
		return tm.d
	}
	left := time.Until(tm.deadline)
	if left < 0 {
		return 0
	}
	return left
}
