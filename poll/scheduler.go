package poll

import (
	"math/rand"
	"sync"
	"time"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// Default cadence bounds. These are the deterministic fallback that caps
// staleness when push delivery is degraded or absent; the jitter avoids
// synchronized refetch spikes across scopes and instances.
const (
	DefaultForegroundFloor   = 5 * time.Second
	DefaultForegroundCeil    = 10 * time.Second
	DefaultBackgroundFloor   = 15 * time.Second
	DefaultBackgroundCeil    = 30 * time.Second
	DefaultJitter            = time.Second
	DefaultConnectedInterval = 60 * time.Second

	// parkedInterval stands in for "polling disabled while connected";
	// a recompute wakes the loop long before it elapses.
	parkedInterval = 24 * time.Hour
)

// CancelFunc stops a scope's polling loop. Safe to call more than once.
type CancelFunc func()

// Config configures a Scheduler.
type Config struct {
	// Store receives the refetches. Required.
	Store *cache.Store

	// State reads the connection manager's current state. Required.
	State func() types.ConnectionState

	// Visibility is the foreground/background port. If nil, always
	// foreground.
	Visibility cache.VisibilitySignal

	// Floors and ceilings for the fallback cadence. Zero values use the
	// defaults.
	ForegroundFloor time.Duration
	ForegroundCeil  time.Duration
	BackgroundFloor time.Duration
	BackgroundCeil  time.Duration

	// Jitter is the independent per-interval jitter (applied as ±Jitter).
	// Zero uses the default; negative disables jitter.
	Jitter time.Duration

	// ConnectedInterval is the cadence while the push channel is healthy.
	// Zero uses the default; negative disables polling entirely while
	// connected.
	ConnectedInterval time.Duration

	// ForcedInterval overrides all computed intervals when positive
	// (incident mitigation; FORCED_POLL_INTERVAL_MS).
	ForcedInterval time.Duration

	// Clock is the time source. If nil, system.
	Clock cache.Clock

	// Logger is the logger. If nil, no-op.
	Logger cache.Logger

	// Seed seeds the jitter source. Zero means time-based.
	Seed int64
}

// Scheduler runs the deterministic polling fallback: one loop per
// scheduled scope, recomputing its interval whenever connection state or
// foreground status changes, and never suspending while the push channel
// is anything other than connected.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	rng   *rand.Rand
	loops map[string]*loop

	visCancel func()
}

type loop struct {
	scope     types.Scope
	recompute chan struct{}
	done      chan struct{}
	stop      sync.Once
}

// NewScheduler creates a Scheduler. If a visibility signal is configured
// the scheduler recomputes on every transition and performs an immediate
// out-of-band refetch ("kick") on background-to-foreground.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.ForegroundFloor <= 0 {
		cfg.ForegroundFloor = DefaultForegroundFloor
	}
	if cfg.ForegroundCeil <= 0 {
		cfg.ForegroundCeil = DefaultForegroundCeil
	}
	if cfg.BackgroundFloor <= 0 {
		cfg.BackgroundFloor = DefaultBackgroundFloor
	}
	if cfg.BackgroundCeil <= 0 {
		cfg.BackgroundCeil = DefaultBackgroundCeil
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	} else if cfg.Jitter == 0 {
		cfg.Jitter = DefaultJitter
	}
	if cfg.ConnectedInterval < 0 {
		cfg.ConnectedInterval = 0
	} else if cfg.ConnectedInterval == 0 {
		cfg.ConnectedInterval = DefaultConnectedInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	s := &Scheduler{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		loops: make(map[string]*loop),
	}

	if cfg.Visibility != nil {
		s.visCancel = cfg.Visibility.OnChange(func(foreground bool) {
			s.RecomputeAll()
			if foreground {
				s.KickAll()
			}
		})
	}
	return s
}

// ScheduleForScope starts the polling loop for a scope and returns its
// cancel function. Cancelling synchronously stops future ticks; a refetch
// already in flight completes but its result is discarded by the store if
// the scope was released.
func (s *Scheduler) ScheduleForScope(scope types.Scope) CancelFunc {
	l := &loop{
		scope:     scope,
		recompute: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	if old := s.loops[scope.String()]; old != nil {
		old.cancel()
	}
	s.loops[scope.String()] = l
	s.mu.Unlock()

	go s.run(l)

	return func() {
		l.cancel()
		s.mu.Lock()
		if s.loops[scope.String()] == l {
			delete(s.loops, scope.String())
		}
		s.mu.Unlock()
	}
}

func (l *loop) cancel() {
	l.stop.Do(func() { close(l.done) })
}

// RecomputeAll re-evaluates every loop's interval. Wired to connection
// state changes and visibility transitions.
func (s *Scheduler) RecomputeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.loops {
		select {
		case l.recompute <- struct{}{}:
		default:
		}
	}
}

// KickAll performs one immediate out-of-band refetch for every scheduled
// scope, in addition to the periodic schedule.
func (s *Scheduler) KickAll() {
	s.mu.Lock()
	scopes := make([]types.Scope, 0, len(s.loops))
	for _, l := range s.loops {
		scopes = append(scopes, l.scope)
	}
	s.mu.Unlock()

	for _, scope := range scopes {
		s.cfg.Logger.Debug("foreground kick", "scope", scope.String())
		s.cfg.Store.RefreshScope(scope)
	}
}

// Close cancels all loops and detaches from the visibility signal.
func (s *Scheduler) Close() {
	if s.visCancel != nil {
		s.visCancel()
	}

	s.mu.Lock()
	loops := s.loops
	s.loops = make(map[string]*loop)
	s.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}
}

func (s *Scheduler) run(l *loop) {
	interval, enabled := s.interval()
	timer := s.cfg.Clock.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-l.done:
			return

		case <-timer.C():
			if enabled {
				s.cfg.Store.RefreshScope(l.scope)
			}
			interval, enabled = s.interval()
			timer.Reset(interval)

		case <-l.recompute:
			interval, enabled = s.interval()
			if !timer.Stop() {
				// Drain a concurrent fire so Reset arms cleanly.
				select {
				case <-timer.C():
				default:
				}
			}
			timer.Reset(interval)
		}
	}
}

// interval computes the next tick delay from connection state and
// visibility. The second return is false when a tick should be skipped
// (polling disabled while connected).
func (s *Scheduler) interval() (time.Duration, bool) {
	if s.cfg.ForcedInterval > 0 {
		return s.cfg.ForcedInterval, true
	}

	state := s.cfg.State()
	if state == types.StateConnected {
		if s.cfg.ConnectedInterval <= 0 {
			return parkedInterval, false
		}
		return s.cfg.ConnectedInterval, true
	}

	// Push is not healthy: the fallback cadence is mandatory, never
	// suspended, regardless of why (degraded, reconnecting, kill switch).
	foreground := s.cfg.Visibility == nil || s.cfg.Visibility.Foreground()

	floor, ceil := s.cfg.BackgroundFloor, s.cfg.BackgroundCeil
	if foreground {
		floor, ceil = s.cfg.ForegroundFloor, s.cfg.ForegroundCeil
	}

	s.mu.Lock()
	base := floor
	if span := ceil - floor; span > 0 {
		base += time.Duration(s.rng.Int63n(int64(span)))
	}
	if s.cfg.Jitter > 0 {
		base += time.Duration(s.rng.Int63n(int64(2*s.cfg.Jitter))) - s.cfg.Jitter
	}
	s.mu.Unlock()

	if base < time.Second {
		base = time.Second
	}
	return base, true
}

// Policy reports the cadence parameters currently in force, for
// diagnostics.
func (s *Scheduler) Policy() types.PollingPolicy {
	interval := s.cfg.ConnectedInterval
	if s.cfg.ForcedInterval > 0 {
		interval = s.cfg.ForcedInterval
	}
	return types.PollingPolicy{
		Interval:        interval,
		Jitter:          s.cfg.Jitter,
		ForegroundFloor: s.cfg.ForegroundFloor,
		BackgroundFloor: s.cfg.BackgroundFloor,
	}
}
