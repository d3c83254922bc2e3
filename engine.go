package livecache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/conn"
	"github.com/huykn/livecache/coord"
	"github.com/huykn/livecache/optimistic"
	"github.com/huykn/livecache/poll"
	"github.com/huykn/livecache/router"
	"github.com/huykn/livecache/types"
)

// Engine is the client-side cache consistency engine: it keeps a local,
// query-shaped cache fresh through a hybrid of push notifications and
// deterministic polling, supports optimistic local writes, and coordinates
// with other instances watching the same scopes.
type Engine struct {
	cfg        Config
	store      *cache.Store
	router     *router.Router
	manager    *conn.Manager
	scheduler  *poll.Scheduler
	buffer     *optimistic.Buffer
	coord      *coord.Coordinator
	marshaller Marshaller
	logger     Logger
	clock      Clock

	mu      sync.Mutex
	watches map[string]*watch

	staleMu     sync.Mutex
	staleActive bool
	staleArmed  bool
	staleGen    int
	staleTimer  cache.Timer
	staleStop   chan struct{}

	closed atomic.Bool
}

// watch tracks one consumer-visible scope subscription and the network
// duties this instance currently runs for it.
type watch struct {
	scope      types.Scope
	refs       int
	cancelPoll poll.CancelFunc
	duties     bool
}

// New creates an Engine from config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}
	if cfg.Marshaller == nil {
		cfg.Marshaller = cache.NewJSONMarshaller()
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.LocalCacheConfig.NumCounters == 0 {
		cfg.LocalCacheConfig = cache.DefaultLocalCacheConfig()
	}

	store, err := cache.NewStore(cache.Options{
		Fetcher:           cfg.Fetcher,
		LocalCacheConfig:  cfg.LocalCacheConfig,
		LocalCacheFactory: cfg.LocalCacheFactory,
		FetchTimeout:      cfg.FetchTimeout,
		Logger:            cfg.Logger,
		Clock:             cfg.Clock,
		DebugMode:         cfg.DebugMode,
		OnError:           cfg.OnError,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		store:      store,
		marshaller: cfg.Marshaller,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		watches:    make(map[string]*watch),
	}

	e.router = router.New(router.Config{
		Registry: cfg.Registry,
		Store:    store,
		Window:   cfg.BackpressureWindow,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})

	pushEnabled := cfg.PushEnabled && cfg.Channel != nil
	e.manager = conn.NewManager(conn.Config{
		Channel:     cfg.Channel,
		PushEnabled: pushEnabled,
		Logger:      cfg.Logger,
		Clock:       cfg.Clock,
		OnError:     cfg.OnError,
	})
	e.manager.OnEvent(e.handleEvent)
	e.manager.OnStateChange(e.handleStateChange)

	e.scheduler = poll.NewScheduler(poll.Config{
		Store:             store,
		State:             e.manager.State,
		Visibility:        cfg.Visibility,
		ForegroundFloor:   cfg.ForegroundFloor,
		ForegroundCeil:    cfg.ForegroundCeil,
		BackgroundFloor:   cfg.BackgroundFloor,
		BackgroundCeil:    cfg.BackgroundCeil,
		Jitter:            cfg.PollJitter,
		ConnectedInterval: cfg.ConnectedInterval,
		ForcedInterval:    cfg.ForcedPollInterval,
		Clock:             cfg.Clock,
		Logger:            cfg.Logger,
	})

	if cfg.Identity != nil && cfg.OptimisticKeyForScope != nil {
		e.buffer = optimistic.NewBuffer(optimistic.Config{
			Store:       store,
			KeyForScope: cfg.OptimisticKeyForScope,
			Identity:    cfg.Identity,
			Timeout:     cfg.OptimisticTimeout,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger,
		})
	}

	if cfg.Bus != nil {
		e.coord = coord.NewCoordinator(coord.Config{
			Bus:        cfg.Bus,
			InstanceID: cfg.InstanceID,
			OnResult:   e.applyLeaderResult,
			Clock:      cfg.Clock,
			Logger:     cfg.Logger,
		})
		e.coord.OnLeadershipChange(e.handleLeadershipChange)
	}

	store.OnRefresh(e.handleRefresh)

	// Not connected at startup; arm the stale banner countdown.
	e.trackStaleness(types.StateDisconnected)

	return e, nil
}

// Watch declares interest in a scope: its cache entries materialize, the
// push channel subscribes and polling starts (on this instance if it wins
// or holds leadership, otherwise results arrive over the bus). References
// are counted; call Unwatch once per Watch.
func (e *Engine) Watch(scope Scope) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}

	e.mu.Lock()
	w := e.watches[scope.String()]
	if w == nil {
		w = &watch{scope: scope}
		e.watches[scope.String()] = w
	}
	w.refs++
	first := w.refs == 1
	e.mu.Unlock()

	if !first {
		return nil
	}

	e.store.Subscribe(scope)
	for _, key := range e.cfg.Registry.KeysForScope(scope) {
		e.store.Track(key, scope)
		e.store.Refresh(key)
	}

	if e.coord != nil {
		if e.coord.AcquireLeadership(scope) {
			e.startDuties(scope)
		}
		return nil
	}
	e.startDuties(scope)
	return nil
}

// Unwatch drops one reference to a scope. At zero references polling
// stops synchronously, the push channel unsubscribes, leadership is
// released and the scope's entries are evicted; in-flight refetch results
// are discarded.
func (e *Engine) Unwatch(scope Scope) {
	e.mu.Lock()
	w := e.watches[scope.String()]
	if w == nil {
		e.mu.Unlock()
		return
	}
	w.refs--
	if w.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.watches, scope.String())
	e.mu.Unlock()

	e.stopDuties(scope)
	if e.coord != nil {
		e.coord.Release(scope)
	}
	e.store.Release(scope)
}

// Get returns the cached value for a key built by a registered builder.
func (e *Engine) Get(ctx context.Context, key CacheKey) (any, bool) {
	if e.closed.Load() {
		return nil, false
	}
	return e.store.Get(ctx, key)
}

// InsertOptimistic merges a placeholder for a local write into the scope's
// visible value ahead of server confirmation. The returned channel is
// closed on reconciliation and receives ErrOptimisticExpired if the write
// is never confirmed.
func (e *Engine) InsertOptimistic(scope Scope, correlationKey string, placeholder any) (string, <-chan error, error) {
	if e.closed.Load() {
		return "", nil, ErrEngineClosed
	}
	if e.buffer == nil {
		return "", nil, ErrInvalidConfig
	}
	if !e.watching(scope) {
		return "", nil, ErrScopeNotWatched
	}

	localID, errCh := e.buffer.Insert(scope, correlationKey, placeholder)
	return localID, errCh, nil
}

// Reset clears all cached values while keeping subscriptions. Use on
// session change.
func (e *Engine) Reset() {
	e.store.Reset()

	e.mu.Lock()
	scopes := make([]types.Scope, 0, len(e.watches))
	for _, w := range e.watches {
		scopes = append(scopes, w.scope)
	}
	e.mu.Unlock()

	for _, scope := range scopes {
		e.store.RefreshScope(scope)
	}
}

// Diagnostics is a read-only operational snapshot. Not part of the
// correctness contract.
type Diagnostics struct {
	ConnectionState  ConnectionState `json:"connectionState"`
	LastEventAgeMs   int64           `json:"lastEventAgeMs"`
	ActiveScopeCount int             `json:"activeScopeCount"`
	LeaderScopes     []string        `json:"leaderScopes"`
}

// Diagnostics returns the current snapshot. LastEventAgeMs is -1 when no
// push event has ever arrived.
func (e *Engine) Diagnostics() Diagnostics {
	d := Diagnostics{
		ConnectionState:  e.manager.State(),
		LastEventAgeMs:   -1,
		ActiveScopeCount: e.store.ActiveScopeCount(),
	}
	if age, ok := e.manager.LastEventAge(); ok {
		d.LastEventAgeMs = age.Milliseconds()
	}
	if e.coord != nil {
		for _, scope := range e.coord.LeaderScopes() {
			d.LeaderScopes = append(d.LeaderScopes, scope.String())
		}
	} else {
		e.mu.Lock()
		for _, w := range e.watches {
			d.LeaderScopes = append(d.LeaderScopes, w.scope.String())
		}
		e.mu.Unlock()
	}
	return d
}

// Close shuts the engine down.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.scheduler.Close()
	e.router.Close()
	if e.buffer != nil {
		e.buffer.Close()
	}

	e.staleMu.Lock()
	e.stopStaleTimerLocked()
	e.staleMu.Unlock()

	var firstErr error
	if err := e.manager.Close(); err != nil {
		firstErr = err
	}
	if e.coord != nil {
		if err := e.coord.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// startDuties begins the network-facing work for a scope on this
// instance: push subscription and polling.
func (e *Engine) startDuties(scope types.Scope) {
	e.mu.Lock()
	w := e.watches[scope.String()]
	if w == nil || w.duties {
		e.mu.Unlock()
		return
	}
	w.duties = true
	w.cancelPoll = e.scheduler.ScheduleForScope(scope)
	e.mu.Unlock()

	e.manager.EnsureChannel(scope)
}

// stopDuties halts the network-facing work for a scope.
func (e *Engine) stopDuties(scope types.Scope) {
	e.mu.Lock()
	w := e.watches[scope.String()]
	var cancel poll.CancelFunc
	if w != nil && w.duties {
		w.duties = false
		cancel = w.cancelPoll
		w.cancelPoll = nil
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.manager.ReleaseChannel(scope)
}

func (e *Engine) watching(scope types.Scope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watches[scope.String()] != nil
}

// handleEvent feeds inbound push events into the router, or refetches the
// hinted scopes directly when the legacy listener bypass is enabled.
func (e *Engine) handleEvent(event ChangeEvent) {
	if e.cfg.LegacyFallbackListeners {
		for _, hint := range event.ScopeHints {
			e.store.RefreshScope(hint)
		}
		return
	}
	e.router.HandleEvent(event)
}

// handleRefresh runs after every applied refetch: reconcile optimistic
// records, and as scope leader, broadcast the result to followers.
func (e *Engine) handleRefresh(scope types.Scope, key types.CacheKey, value any) {
	if e.buffer != nil {
		e.buffer.Reconcile(scope, key, value)
	}

	if e.coord == nil || !e.coord.IsLeader(scope) {
		return
	}
	data, err := e.marshaller.Marshal(value)
	if err != nil {
		e.logger.Warn("failed to serialize leader result", "key", string(key), "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.coord.PublishResult(ctx, coord.RefreshResult{Scope: scope, Key: key, Value: data}); err != nil {
		e.logger.Warn("failed to broadcast leader result", "key", string(key), "error", err.Error())
	}
}

// applyLeaderResult mirrors a leader's refetch result into the local
// cache on follower instances.
func (e *Engine) applyLeaderResult(result coord.RefreshResult) {
	if !e.watching(result.Scope) {
		return
	}

	var value any
	if err := e.marshaller.Unmarshal(result.Value, &value); err != nil {
		e.logger.Warn("failed to decode leader result", "key", string(result.Key), "error", err.Error())
		return
	}
	e.store.Track(result.Key, result.Scope)
	e.store.ApplyRemote(result.Key, value)
}

// handleLeadershipChange starts or stops this instance's duties for a
// scope as leases move between instances.
func (e *Engine) handleLeadershipChange(scope types.Scope, isLeader bool) {
	if !e.watching(scope) {
		return
	}
	if isLeader {
		e.logger.Info("promoted to scope leader", "scope", scope.String())
		e.startDuties(scope)
		return
	}
	e.logger.Info("demoted from scope leader", "scope", scope.String())
	e.stopDuties(scope)
}

// handleStateChange recomputes polling cadence and tracks the stale-data
// threshold on every connection state transition.
func (e *Engine) handleStateChange(state ConnectionState) {
	e.scheduler.RecomputeAll()
	e.trackStaleness(state)
}

// trackStaleness arms the stale countdown while the push channel is
// unhealthy and clears it on recovery. OnStale drives the host's
// stale-data banner.
func (e *Engine) trackStaleness(state ConnectionState) {
	if e.cfg.OnStale == nil {
		return
	}

	e.staleMu.Lock()
	defer e.staleMu.Unlock()

	if state == types.StateConnected {
		e.staleGen++
		e.staleArmed = false
		e.stopStaleTimerLocked()
		if e.staleActive {
			e.staleActive = false
			go e.cfg.OnStale(false)
		}
		return
	}

	if e.staleActive || e.staleArmed {
		return
	}

	e.staleGen++
	e.staleArmed = true
	gen := e.staleGen
	timer := e.clock.NewTimer(e.cfg.StaleThreshold)
	stop := make(chan struct{})
	e.staleTimer = timer
	e.staleStop = stop

	go func() {
		select {
		case <-stop:
			return
		case <-timer.C():
		}
		e.staleMu.Lock()
		if e.staleGen != gen || e.closed.Load() {
			e.staleMu.Unlock()
			return
		}
		e.staleTimer = nil
		e.staleStop = nil
		e.staleArmed = false
		e.staleActive = true
		e.staleMu.Unlock()
		e.cfg.OnStale(true)
	}()
}

// stopStaleTimerLocked disarms the pending countdown and releases its
// goroutine. Caller holds staleMu.
func (e *Engine) stopStaleTimerLocked() {
	if e.staleTimer == nil {
		return
	}
	e.staleTimer.Stop()
	close(e.staleStop)
	e.staleTimer = nil
	e.staleStop = nil
}
