package nfc

import (
	"sort"
	"sync"
	"time"
)

// Clock provides an abstraction over time operations to enable testing
// without real time delays.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f in its own goroutine after d has elapsed
	AfterFunc(d time.Duration, f func()) Timer

	// After returns a channel that will receive a value after the duration
	After(d time.Duration) <-chan time.Time
}

// Timer is a cancellable pending callback.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// RealClock implements Clock using actual time operations
type RealClock struct{}

// NewRealClock creates a new RealClock
func NewRealClock() Clock {
	return &RealClock{}
}

func (rc *RealClock) Now() time.Time {
	return time.Now()
}

func (rc *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (rc *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FakeClock implements Clock for testing with controllable time.
// Callbacks registered with AfterFunc run synchronously inside Advance,
// in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFakeClock creates a new FakeClock starting at the given time
func NewFakeClock(startTime time.Time) *FakeClock {
	return &FakeClock{now: startTime}
}

func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.seq++
	ft := &fakeTimer{clock: fc, deadline: fc.now.Add(d), fn: f, seq: fc.seq}
	fc.timers = append(fc.timers, ft)
	return ft
}

func (fc *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	fc.AfterFunc(d, func() {
		ch <- fc.Now()
	})
	return ch
}

// Pending returns the number of timers that have not fired or been stopped.
func (fc *FakeClock) Pending() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return len(fc.timers)
}

// NextDeadline returns the earliest pending deadline relative to now.
func (fc *FakeClock) NextDeadline() (time.Duration, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.timers) == 0 {
		return 0, false
	}
	next := fc.timers[0].deadline
	for _, t := range fc.timers[1:] {
		if t.deadline.Before(next) {
			next = t.deadline
		}
	}
	return next.Sub(fc.now), true
}

// Advance moves the fake clock forward by the given duration and runs every
// callback whose deadline has been reached. Callbacks scheduled while
// advancing fire too if they fall inside the window.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	target := fc.now.Add(d)
	fc.mu.Unlock()

	for {
		fc.mu.Lock()
		sort.SliceStable(fc.timers, func(i, j int) bool {
			if fc.timers[i].deadline.Equal(fc.timers[j].deadline) {
				return fc.timers[i].seq < fc.timers[j].seq
			}
			return fc.timers[i].deadline.Before(fc.timers[j].deadline)
		})
		if len(fc.timers) == 0 || fc.timers[0].deadline.After(target) {
			fc.now = target
			fc.mu.Unlock()
			return
		}
		due := fc.timers[0]
		fc.timers = fc.timers[1:]
		if due.deadline.After(fc.now) {
			fc.now = due.deadline
		}
		fc.mu.Unlock()

		// Run outside the lock, callbacks may schedule new timers
		due.fn()
	}
}

func (fc *FakeClock) remove(ft *fakeTimer) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i, t := range fc.timers {
		if t == ft {
			fc.timers = append(fc.timers[:i], fc.timers[i+1:]...)
			return true
		}
	}
	return false
}

// fakeTimer implements Timer for testing
type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	seq      int
}

func (ft *fakeTimer) Stop() bool {
	return ft.clock.remove(ft)
}
