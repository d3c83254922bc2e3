package router

import (
	"sync"
	"time"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/types"
)

// DefaultBackpressureWindow is the minimum interval between invalidation
// flushes for one key family. Empirically chosen; tune against the
// bounded-staleness tests rather than treating it as fixed.
const DefaultBackpressureWindow = 500 * time.Millisecond

// Router translates change events into cache key invalidations through the
// registry's mapping table, coalescing bursts per key family within a
// backpressure window. It is the only component that issues invalidations.
type Router struct {
	registry *Registry
	store    *cache.Store
	clock    cache.Clock
	logger   cache.Logger
	window   time.Duration

	mu      sync.Mutex
	pending map[string]*familyBatch
	done    chan struct{}
	closed  bool

	stats RouterStats
}

// RouterStats are router-level counters.
type RouterStats struct {
	EventsRouted  int64
	EventsDropped int64
	Flushes       int64
}

// familyBatch accumulates deduplicated keys for one family until the
// window elapses. Arrival order is preserved within the batch.
type familyBatch struct {
	keys []types.CacheKey
	seen map[types.CacheKey]struct{}
}

// Config configures a Router.
type Config struct {
	// Registry is the event-to-key mapping table. Required.
	Registry *Registry

	// Store receives the flushed invalidations. Required.
	Store *cache.Store

	// Window is the backpressure window. Zero means
	// DefaultBackpressureWindow.
	Window time.Duration

	// Clock is the time source. If nil, defaults to the system clock.
	Clock cache.Clock

	// Logger is the logger. If nil, defaults to no-op.
	Logger cache.Logger
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Window <= 0 {
		cfg.Window = DefaultBackpressureWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = cache.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = cache.NewNoOpLogger()
	}
	return &Router{
		registry: cfg.Registry,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		window:   cfg.Window,
		pending:  make(map[string]*familyBatch),
		done:     make(chan struct{}),
	}
}

// Route resolves an event to the currently-watched cache keys it
// invalidates. Hints that resolve to keys nobody watches are dropped;
// that is expected, not a failure.
func (r *Router) Route(event types.ChangeEvent) []types.CacheKey {
	builders := r.registry.Lookup(event.EntityType, event.Operation)
	if len(builders) == 0 {
		return nil
	}

	var keys []types.CacheKey
	seen := make(map[types.CacheKey]struct{})
	for _, b := range builders {
		for _, hint := range event.ScopeHints {
			key := b.Build(hint)
			if _, dup := seen[key]; dup {
				continue
			}
			if !r.store.Tracked(key) {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// HandleEvent routes an event and queues the resulting invalidations.
func (r *Router) HandleEvent(event types.ChangeEvent) {
	if !event.Operation.Valid() {
		r.logger.Warn("dropping event with unknown operation", "entityType", event.EntityType, "operation", string(event.Operation))
		return
	}

	keys := r.Route(event)
	if len(keys) == 0 {
		r.mu.Lock()
		r.stats.EventsDropped++
		r.mu.Unlock()
		r.logger.Debug("event resolved to no watched keys, dropping", "entityType", event.EntityType, "operation", string(event.Operation))
		return
	}

	r.mu.Lock()
	r.stats.EventsRouted++
	r.mu.Unlock()

	r.Invalidate(keys)
}

// Invalidate queues keys for refetch, deduplicated per key family and
// flushed at most once per backpressure window.
func (r *Router) Invalidate(keys []types.CacheKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	for _, key := range keys {
		family := key.Family()
		batch := r.pending[family]
		if batch == nil {
			batch = &familyBatch{seen: make(map[types.CacheKey]struct{})}
			r.pending[family] = batch
			go r.flushAfterWindow(family)
		}
		if _, dup := batch.seen[key]; dup {
			continue
		}
		batch.seen[key] = struct{}{}
		batch.keys = append(batch.keys, key)
	}
}

// flushAfterWindow waits one backpressure window, then flushes the
// family's accumulated keys in arrival order.
func (r *Router) flushAfterWindow(family string) {
	timer := r.clock.NewTimer(r.window)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-r.done:
		return
	}

	r.mu.Lock()
	batch := r.pending[family]
	delete(r.pending, family)
	if batch != nil {
		r.stats.Flushes++
	}
	r.mu.Unlock()

	if batch == nil {
		return
	}

	r.logger.Debug("flushing invalidations", "family", family, "keys", len(batch.keys))
	for _, key := range batch.keys {
		r.store.Refresh(key)
	}
}

// Flush forces all pending batches out immediately. Used on shutdown and
// in tests.
func (r *Router) Flush() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*familyBatch)
	r.stats.Flushes += int64(len(pending))
	r.mu.Unlock()

	for _, batch := range pending {
		for _, key := range batch.keys {
			r.store.Refresh(key)
		}
	}
}

// Stats returns router counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close stops the router. Pending batches are flushed once.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.done)
	r.Flush()
}
