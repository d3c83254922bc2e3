package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// waitSettled waits until the fetch counter stops moving.
func waitSettled(t *testing.T, count func() int64) int64 {
	t.Helper()
	last := count()
	for i := 0; i < 20; i++ {
		time.Sleep(5 * time.Millisecond)
		now := count()
		if now == last {
			return now
		}
		last = now
	}
	return last
}

type fakeVisibility struct {
	mu         sync.Mutex
	foreground bool
	callbacks  []func(bool)
}

func (v *fakeVisibility) Foreground() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.foreground
}

func (v *fakeVisibility) OnChange(fn func(bool)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.callbacks = append(v.callbacks, fn)
	return func() {}
}

func (v *fakeVisibility) set(foreground bool) {
	v.mu.Lock()
	v.foreground = foreground
	callbacks := append([]func(bool){}, v.callbacks...)
	v.mu.Unlock()
	for _, fn := range callbacks {
		fn(foreground)
	}
}

type schedFixture struct {
	store   *cache.Store
	clock   *cache.FakeClock
	scope   types.Scope
	fetches int64
}

func newSchedFixture(t *testing.T) *schedFixture {
	t.Helper()

	f := &schedFixture{
		clock: cache.NewFakeClock(time.Unix(5000, 0)),
		scope: types.Scope{Domain: "project-1", ID: "abc123"},
	}

	opts := cache.DefaultOptions()
	opts.Fetcher = cache.FetcherFunc(func(ctx context.Context, key types.CacheKey) (any, error) {
		atomic.AddInt64(&f.fetches, 1)
		return "value", nil
	})
	opts.LocalCacheFactory = cache.NewLRUCacheFactory(64)
	store, err := cache.NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	store.Subscribe(f.scope)
	store.Track("shot/abc123", f.scope)
	f.store = store
	return f
}

func (f *schedFixture) fetchCount() int64 {
	return atomic.LoadInt64(&f.fetches)
}

func stateFunc(s types.ConnectionState) func() types.ConnectionState {
	return func() types.ConnectionState { return s }
}

func TestSchedulerBoundsStalenessWhileDisconnected(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:  f.store,
		State:  stateFunc(types.StateDisconnected),
		Jitter: -1,
		Clock:  f.clock,
		Seed:   42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })
	f.clock.Advance(60 * time.Second)
	got := waitSettled(t, f.fetchCount)

	// Foreground intervals land in [5s, 10s), so one minute must see
	// between 6 and 13 ticks.
	if got < 6 || got > 13 {
		t.Fatalf("refetched %d times in 60s of disconnection, want 6..13", got)
	}
}

func TestSchedulerBackgroundCadenceIsSlower(t *testing.T) {
	f := newSchedFixture(t)
	vis := &fakeVisibility{foreground: false}

	s := NewScheduler(Config{
		Store:      f.store,
		State:      stateFunc(types.StateDisconnected),
		Visibility: vis,
		Jitter:     -1,
		Clock:      f.clock,
		Seed:       42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })

	first := f.clock.PendingTimers()[0].Sub(f.clock.Now())
	if first < DefaultBackgroundFloor || first > DefaultBackgroundCeil {
		t.Fatalf("background interval %v outside [%v, %v]", first, DefaultBackgroundFloor, DefaultBackgroundCeil)
	}
}

func TestSchedulerParksWhileConnected(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:             f.store,
		State:             stateFunc(types.StateConnected),
		ConnectedInterval: -1,
		Jitter:            -1,
		Clock:             f.clock,
		Seed:              42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })
	f.clock.Advance(5 * time.Minute)

	if got := waitSettled(t, f.fetchCount); got != 0 {
		t.Fatalf("refetched %d times while parked", got)
	}
}

func TestSchedulerConnectedCadence(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:             f.store,
		State:             stateFunc(types.StateConnected),
		ConnectedInterval: 60 * time.Second,
		Jitter:            -1,
		Clock:             f.clock,
		Seed:              42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })
	f.clock.Advance(125 * time.Second)

	if got := waitSettled(t, f.fetchCount); got != 2 {
		t.Fatalf("refetched %d times in 125s at a 60s cadence, want 2", got)
	}
}

func TestSchedulerForcedIntervalOverridesEverything(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:          f.store,
		State:          stateFunc(types.StateConnected),
		ForcedInterval: 2 * time.Second,
		Jitter:         -1,
		Clock:          f.clock,
		Seed:           42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })
	f.clock.Advance(10 * time.Second)

	if got := waitSettled(t, f.fetchCount); got != 5 {
		t.Fatalf("refetched %d times in 10s at a forced 2s cadence, want 5", got)
	}
}

func TestSchedulerRecomputesOnStateChange(t *testing.T) {
	f := newSchedFixture(t)

	var state atomic.Int32
	state.Store(int32(types.StateConnected))

	s := NewScheduler(Config{
		Store:             f.store,
		State:             func() types.ConnectionState { return types.ConnectionState(state.Load()) },
		ConnectedInterval: -1,
		Jitter:            -1,
		Clock:             f.clock,
		Seed:              42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })

	state.Store(int32(types.StateConnecting))
	s.RecomputeAll()

	// After the recompute the loop must be armed on the fallback cadence
	// instead of the parked interval.
	waitFor(t, time.Second, func() bool {
		pending := f.clock.PendingTimers()
		return len(pending) > 0 && pending[0].Sub(f.clock.Now()) <= DefaultForegroundCeil
	})

	f.clock.Advance(DefaultForegroundCeil)
	waitFor(t, time.Second, func() bool { return f.fetchCount() >= 1 })
}

func TestSchedulerForegroundKick(t *testing.T) {
	f := newSchedFixture(t)
	vis := &fakeVisibility{foreground: false}

	s := NewScheduler(Config{
		Store:      f.store,
		State:      stateFunc(types.StateDisconnected),
		Visibility: vis,
		Jitter:     -1,
		Clock:      f.clock,
		Seed:       42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	defer cancel()

	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })

	// Foregrounding refetches immediately, without waiting out the timer.
	vis.set(true)
	waitFor(t, time.Second, func() bool { return f.fetchCount() >= 1 })
}

func TestSchedulerCancelStopsTicks(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:  f.store,
		State:  stateFunc(types.StateDisconnected),
		Jitter: -1,
		Clock:  f.clock,
		Seed:   42,
	})
	defer s.Close()

	cancel := s.ScheduleForScope(f.scope)
	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) > 0 })

	cancel()
	waitFor(t, time.Second, func() bool { return len(f.clock.PendingTimers()) == 0 })

	f.clock.Advance(5 * time.Minute)
	if got := waitSettled(t, f.fetchCount); got != 0 {
		t.Fatalf("refetched %d times after cancel", got)
	}
}

func TestSchedulerPolicy(t *testing.T) {
	f := newSchedFixture(t)

	s := NewScheduler(Config{
		Store:          f.store,
		State:          stateFunc(types.StateConnected),
		ForcedInterval: 3 * time.Second,
		Clock:          f.clock,
	})
	defer s.Close()

	p := s.Policy()
	if p.Interval != 3*time.Second {
		t.Fatalf("Policy interval = %v, want forced 3s", p.Interval)
	}
	if p.ForegroundFloor != DefaultForegroundFloor || p.BackgroundFloor != DefaultBackgroundFloor {
		t.Fatalf("unexpected policy floors: %+v", p)
	}
}
