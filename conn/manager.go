package conn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// Channel is the push transport contract: connect, per-scope subscribe,
// a stream of change events, and a signal when the connection drops.
// Implementations must support reconnecting by calling Connect again after
// Done fires.
type Channel interface {
	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Subscribe registers interest in events for a scope.
	Subscribe(ctx context.Context, scope types.Scope) error

	// Unsubscribe removes interest in a scope.
	Unsubscribe(ctx context.Context, scope types.Scope) error

	// Events streams inbound change events.
	Events() <-chan types.ChangeEvent

	// Done receives an error when the current connection fails or closes
	// unexpectedly.
	Done() <-chan error

	// Close tears the channel down permanently.
	Close() error
}

// Reconnect backoff. No jitter here: only one instance per scope attempts
// reconnects, and jitter is applied at the polling layer instead to avoid
// compounding.
const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 30 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Channel is the push transport. Required unless PushEnabled is false.
	Channel Channel

	// PushEnabled is the kill switch. When false the manager reports
	// disconnected permanently and never touches the channel; the polling
	// scheduler carries the full load.
	PushEnabled bool

	// BackoffBase and BackoffCap bound the reconnect backoff.
	// Zero values use the defaults.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// SubscribeTimeout bounds one subscribe call during (re)connect.
	SubscribeTimeout time.Duration

	// Logger is the logger. If nil, defaults to no-op.
	Logger cache.Logger

	// Clock is the time source for event-age tracking. If nil, system.
	Clock cache.Clock

	// OnError is called for background errors.
	OnError func(error)
}

// Manager owns the logical push channel: connect/reconnect with backoff,
// per-scope subscriptions, and connection health. State is owned here
// exclusively; the polling scheduler and coordinator only read it.
type Manager struct {
	cfg    Config
	state  atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	scopes   map[string]scopeRef
	stateCbs []func(types.ConnectionState)
	eventCbs []func(types.ChangeEvent)

	lastEventNano atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wake      chan struct{}
	wg        sync.WaitGroup
}

type scopeRef struct {
	scope types.Scope
	refs  int
}

// NewManager creates and starts a connection manager.
func NewManager(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		scopes:    make(map[string]scopeRef),
		runCtx:    ctx,
		runCancel: cancel,
		wake:      make(chan struct{}, 1),
	}
	m.state.Store(int32(types.StateDisconnected))

	if cfg.PushEnabled && cfg.Channel != nil {
		m.wg.Add(1)
		go m.run()
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState {
	return types.ConnectionState(m.state.Load())
}

// OnStateChange registers a callback for state transitions.
func (m *Manager) OnStateChange(fn func(types.ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCbs = append(m.stateCbs, fn)
}

// OnEvent registers a callback for inbound change events.
func (m *Manager) OnEvent(fn func(types.ChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventCbs = append(m.eventCbs, fn)
}

// LastEventAge returns how long ago the last push event arrived. Returns
// false if no event has ever arrived.
func (m *Manager) LastEventAge() (time.Duration, bool) {
	nano := m.lastEventNano.Load()
	if nano == 0 {
		return 0, false
	}
	return m.cfg.Clock.Now().Sub(time.Unix(0, nano)), true
}

// EnsureChannel registers interest in a scope, subscribing the push
// channel to it. Safe to call repeatedly; references are counted.
func (m *Manager) EnsureChannel(scope types.Scope) {
	if m.closed.Load() {
		return
	}

	m.mu.Lock()
	ref := m.scopes[scope.String()]
	ref.scope = scope
	ref.refs++
	m.scopes[scope.String()] = ref
	m.mu.Unlock()

	if !m.cfg.PushEnabled || m.cfg.Channel == nil {
		return
	}
	// The run loop owns all channel subscribe calls; it reconciles the
	// subscription set on every wake signal, so a scope registered at any
	// point of the connect cycle is picked up.
	m.wakeup()
}

// ReleaseChannel drops one reference to a scope, unsubscribing when the
// count reaches zero.
func (m *Manager) ReleaseChannel(scope types.Scope) {
	m.mu.Lock()
	ref, ok := m.scopes[scope.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	ref.refs--
	last := ref.refs <= 0
	if last {
		delete(m.scopes, scope.String())
	} else {
		m.scopes[scope.String()] = ref
	}
	m.mu.Unlock()

	if last && m.cfg.PushEnabled && m.cfg.Channel != nil {
		m.wakeup()
	}
}

// Close shuts the manager down and closes the channel.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.runCancel()
	m.wg.Wait()
	m.setState(types.StateDisconnected)
	if m.cfg.Channel != nil {
		return m.cfg.Channel.Close()
	}
	return nil
}

// run is the connect/reconnect loop. Repeated failures never stop it; the
// system self-heals through reconnect attempts plus the polling fallback.
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		if !m.waitForScopes() {
			return
		}

		m.setState(types.StateConnecting)
		if err := m.connectWithBackoff(); err != nil {
			// Only context cancellation escapes the backoff loop.
			return
		}

		subscribed := m.resubscribeAll()

		if !m.pump(subscribed) {
			return
		}
		// Connection dropped; go around again.
	}
}

// waitForScopes blocks until at least one scope is referenced. Returns
// false when the manager is shutting down.
func (m *Manager) waitForScopes() bool {
	for {
		m.mu.Lock()
		n := len(m.scopes)
		m.mu.Unlock()
		if n > 0 {
			return true
		}

		select {
		case <-m.runCtx.Done():
			return false
		case <-m.wake:
		}
	}
}

func (m *Manager) connectWithBackoff() error {
	backoff := retry.WithCappedDuration(m.cfg.BackoffCap, retry.NewExponential(m.cfg.BackoffBase))

	return retry.Do(m.runCtx, backoff, func(ctx context.Context) error {
		if err := m.cfg.Channel.Connect(ctx); err != nil {
			m.cfg.Logger.Warn("push channel connect failed, retrying", "error", err.Error())
			m.reportError(err)
			return retry.RetryableError(err)
		}
		return nil
	})
}

// resubscribeAll re-establishes subscriptions for every referenced scope,
// looping until the referenced set and the subscribed set agree, so a
// scope registered mid-pass is covered before the state flips. Full
// coverage reports connected; anything less reports degraded.
func (m *Manager) resubscribeAll() map[string]types.Scope {
	subscribed := make(map[string]types.Scope)
	failures := m.syncSubscriptions(subscribed)

	if failures == 0 {
		m.setState(types.StateConnected)
		m.cfg.Logger.Info("push channel connected", "scopes", len(subscribed))
	} else {
		m.setState(types.StateDegraded)
		m.cfg.Logger.Warn("push channel degraded: partial subscription coverage", "scopes", len(subscribed), "failures", failures)
	}
	return subscribed
}

// syncSubscriptions reconciles channel subscriptions with the referenced
// scope set: newly referenced scopes are subscribed and fully released
// ones unsubscribed, repeating until both sets agree. A scope whose
// subscribe fails is recorded anyway so it cannot wedge the loop; it is
// retried on the next reconnect. Returns the number of subscribe
// failures.
func (m *Manager) syncSubscriptions(subscribed map[string]types.Scope) int {
	failures := 0
	for {
		m.mu.Lock()
		var missing, stale []types.Scope
		for key, ref := range m.scopes {
			if _, ok := subscribed[key]; !ok {
				missing = append(missing, ref.scope)
			}
		}
		for key, scope := range subscribed {
			if _, ok := m.scopes[key]; !ok {
				stale = append(stale, scope)
			}
		}
		m.mu.Unlock()

		if len(missing) == 0 && len(stale) == 0 {
			return failures
		}

		for _, scope := range missing {
			ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.SubscribeTimeout)
			err := m.cfg.Channel.Subscribe(ctx, scope)
			cancel()
			subscribed[scope.String()] = scope
			if err != nil {
				failures++
				m.cfg.Logger.Warn("subscribe failed", "scope", scope.String(), "error", err.Error())
				m.reportError(err)
			}
		}
		for _, scope := range stale {
			ctx, cancel := context.WithTimeout(m.runCtx, m.cfg.SubscribeTimeout)
			err := m.cfg.Channel.Unsubscribe(ctx, scope)
			cancel()
			delete(subscribed, scope.String())
			if err != nil {
				m.cfg.Logger.Warn("unsubscribe failed", "scope", scope.String(), "error", err.Error())
			}
		}
	}
}

// pump dispatches inbound events until the connection drops or the
// manager shuts down, reconciling scope subscriptions on wake signals.
// Returns false on shutdown.
func (m *Manager) pump(subscribed map[string]types.Scope) bool {
	events := m.cfg.Channel.Events()
	done := m.cfg.Channel.Done()

	for {
		select {
		case <-m.runCtx.Done():
			return false

		case <-m.wake:
			if m.syncSubscriptions(subscribed) > 0 {
				// Degraded until the next reconnect re-establishes
				// everything.
				m.setState(types.StateDegraded)
			}

		case err := <-done:
			if err != nil {
				m.cfg.Logger.Warn("push channel dropped", "error", err.Error())
				m.reportError(err)
			} else {
				m.cfg.Logger.Warn("push channel closed unexpectedly")
			}
			m.setState(types.StateConnecting)
			return true

		case event, ok := <-events:
			if !ok {
				m.setState(types.StateConnecting)
				return true
			}
			m.lastEventNano.Store(m.cfg.Clock.Now().UnixNano())
			m.dispatch(event)
		}
	}
}

func (m *Manager) dispatch(event types.ChangeEvent) {
	m.mu.Lock()
	callbacks := m.eventCbs
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(event)
	}
}

func (m *Manager) setState(s types.ConnectionState) {
	old := types.ConnectionState(m.state.Swap(int32(s)))
	if old == s {
		return
	}

	m.mu.Lock()
	callbacks := m.stateCbs
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(s)
	}
}

func (m *Manager) wakeup() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) reportError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	}
}
