package cache

import (
	"sort"
	"sync"
	"time"
)

// SystemClock is a Clock backed by the time package.
type SystemClock struct{}

// NewSystemClock creates a Clock backed by real time.
func NewSystemClock() Clock {
	return SystemClock{}
}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// NewTimer returns a timer backed by time.NewTimer.
func (SystemClock) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (st systemTimer) C() <-chan time.Time       { return st.t.C }
func (st systemTimer) Stop() bool                { return st.t.Stop() }
func (st systemTimer) Reset(d time.Duration) bool { return st.t.Reset(d) }

// FakeClock is a manually-advanced Clock for deterministic tests. Timers
// fire when Advance moves the clock past their deadline.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// NewTimer returns a timer that fires when the clock is advanced past d
// from now.
func (fc *FakeClock) NewTimer(d time.Duration) Timer {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	ft := &fakeTimer{
		clock:    fc,
		ch:       make(chan time.Time, 1),
		deadline: fc.now.Add(d),
		active:   true,
	}
	fc.timers = append(fc.timers, ft)
	return ft
}

// Advance moves the clock forward by d, firing due timers in deadline
// order. It yields between fires so goroutines blocked on timers can run.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	target := fc.now.Add(d)

	for {
		var next *fakeTimer
		for _, ft := range fc.timers {
			if !ft.active || ft.deadline.After(target) {
				continue
			}
			if next == nil || ft.deadline.Before(next.deadline) {
				next = ft
			}
		}
		if next == nil {
			break
		}

		fc.now = next.deadline
		next.active = false
		ch := next.ch
		at := fc.now
		fc.mu.Unlock()

		ch <- at
		// Let the woken goroutine re-arm its timer before the next fire.
		time.Sleep(time.Millisecond)

		fc.mu.Lock()
	}

	fc.now = target
	fc.mu.Unlock()
}

// PendingTimers returns the deadlines of all armed timers, sorted. Useful
// for asserting what a scheduler has planned.
func (fc *FakeClock) PendingTimers() []time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	var out []time.Time
	for _, ft := range fc.timers {
		if ft.active {
			out = append(out, ft.deadline)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type fakeTimer struct {
	clock    *FakeClock
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (ft *fakeTimer) C() <-chan time.Time {
	return ft.ch
}

func (ft *fakeTimer) Stop() bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()

	was := ft.active
	ft.active = false
	return was
}

func (ft *fakeTimer) Reset(d time.Duration) bool {
	ft.clock.mu.Lock()
	defer ft.clock.mu.Unlock()

	was := ft.active
	ft.deadline = ft.clock.now.Add(d)
	ft.active = true
	return was
}
