package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huykn/livecache/types"
)

// Store holds the query-shaped cache: one CacheEntry per tracked CacheKey,
// values in a LocalCache, scope reference counts, and the refetch path.
//
// All mutation flows through Refresh (the invalidation path), ApplyRemote
// (leader results on follower instances) or MutateVisible (the optimistic
// write buffer). No other component writes entries.
type Store struct {
	values  LocalCache
	fetcher Fetcher
	logger  Logger
	clock   Clock
	options Options

	group  singleflight.Group
	closed int32

	mu      sync.Mutex
	entries map[types.CacheKey]*entry
	scopes  map[string]*scopeState

	onRefresh []func(scope types.Scope, key types.CacheKey, value any)

	stats Stats
}

// entry is the bookkeeping for one tracked cache key. The value itself
// lives in the LocalCache.
type entry struct {
	scope           types.Scope
	lastRefreshedAt time.Time
	pending         bool
	// rerun records that an invalidation arrived while a refetch was in
	// flight; the in-flight result is applied and one follow-up refetch
	// runs immediately after, so the latest invalidation is never lost.
	rerun bool
}

type scopeState struct {
	scope types.Scope
	refs  int
	keys  map[types.CacheKey]struct{}
}

// Stats are store-level counters.
type Stats struct {
	Refetches      int64
	RefetchErrors  int64
	Invalidations  int64
	DiscardedStale int64
}

// NewStore creates a Store from options.
func NewStore(opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.LocalCacheFactory == nil {
		opts.LocalCacheFactory = NewLFUCacheFactory(opts.LocalCacheConfig)
	}
	if opts.Logger == nil {
		opts.Logger = NewNoOpLogger()
	}
	if opts.Clock == nil {
		opts.Clock = NewSystemClock()
	}

	values, err := opts.LocalCacheFactory.Create()
	if err != nil {
		return nil, err
	}

	return &Store{
		values:  values,
		fetcher: opts.Fetcher,
		logger:  opts.Logger,
		clock:   opts.Clock,
		options: opts,
		entries: make(map[types.CacheKey]*entry),
		scopes:  make(map[string]*scopeState),
	}, nil
}

// Subscribe registers interest in a scope, incrementing its reference
// count. Entries for the scope's keys survive until the count drops to
// zero.
func (s *Store) Subscribe(scope types.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.scopes[scope.String()]
	if ss == nil {
		ss = &scopeState{scope: scope, keys: make(map[types.CacheKey]struct{})}
		s.scopes[scope.String()] = ss
	}
	ss.refs++
}

// Release drops one reference to a scope. At zero references all of the
// scope's entries are evicted and any in-flight refetch results for them
// are discarded on arrival.
func (s *Store) Release(scope types.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.scopes[scope.String()]
	if ss == nil {
		return
	}
	ss.refs--
	if ss.refs > 0 {
		return
	}

	for key := range ss.keys {
		delete(s.entries, key)
		s.values.Delete(string(key))
	}
	delete(s.scopes, scope.String())

	if s.options.DebugMode {
		s.logger.Debug("released scope, evicted entries", "scope", scope.String(), "keys", len(ss.keys))
	}
}

// Track creates the entry for a key under a scope if it does not exist
// yet. The scope must be subscribed. Reports whether the key is tracked
// after the call.
func (s *Store) Track(key types.CacheKey, scope types.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.scopes[scope.String()]
	if ss == nil {
		return false
	}
	ss.keys[key] = struct{}{}
	if _, ok := s.entries[key]; !ok {
		s.entries[key] = &entry{scope: scope}
	}
	return true
}

// Tracked reports whether a key currently has an entry.
func (s *Store) Tracked(key types.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// KeysForScope returns the keys currently tracked under a scope.
func (s *Store) KeysForScope(scope types.Scope) []types.CacheKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.scopes[scope.String()]
	if ss == nil {
		return nil
	}
	keys := make([]types.CacheKey, 0, len(ss.keys))
	for key := range ss.keys {
		keys = append(keys, key)
	}
	return keys
}

// ActiveScopeCount returns the number of subscribed scopes.
func (s *Store) ActiveScopeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scopes)
}

// Get retrieves the cached value for a tracked key. On a miss it fetches
// synchronously, deduplicated with any concurrent fetch for the same key.
func (s *Store) Get(ctx context.Context, key types.CacheKey) (any, bool) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return nil, false
	}
	if !s.Tracked(key) {
		return nil, false
	}

	if value, found := s.values.Get(string(key)); found {
		return value, true
	}

	value, err, _ := s.group.Do(string(key), func() (any, error) {
		fctx, cancel := context.WithTimeout(ctx, s.options.FetchTimeout)
		defer cancel()
		return s.fetcher.Fetch(fctx, key)
	})
	if err != nil {
		if s.options.OnError != nil {
			s.options.OnError(err)
		}
		return nil, false
	}

	s.applyResult(key, value)
	return value, true
}

// Refresh refetches a key asynchronously. If a refetch for the key is
// already in flight, the in-flight result is still applied and one
// follow-up refetch is scheduled immediately after it completes.
func (s *Store) Refresh(key types.CacheKey) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}

	s.mu.Lock()
	e := s.entries[key]
	if e == nil {
		s.mu.Unlock()
		return
	}
	atomic.AddInt64(&s.stats.Invalidations, 1)
	if e.pending {
		e.rerun = true
		s.mu.Unlock()
		return
	}
	e.pending = true
	s.mu.Unlock()

	go s.refetch(key)
}

// RefreshScope refetches every tracked key in a scope. Used by the polling
// scheduler's ticks and the foreground kick.
func (s *Store) RefreshScope(scope types.Scope) {
	for _, key := range s.KeysForScope(scope) {
		s.Refresh(key)
	}
}

func (s *Store) refetch(key types.CacheKey) {
	atomic.AddInt64(&s.stats.Refetches, 1)

	value, err, _ := s.group.Do(string(key), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), s.options.FetchTimeout)
		defer cancel()
		return s.fetcher.Fetch(ctx, key)
	})

	rerun := s.finishRefetch(key, value, err)
	if rerun {
		s.Refresh(key)
	}
}

// finishRefetch applies a refetch result and reports whether a follow-up
// refetch is due. A failed refetch keeps the previous value; the next tick
// or invalidation retries naturally.
func (s *Store) finishRefetch(key types.CacheKey, value any, err error) bool {
	s.mu.Lock()
	e := s.entries[key]
	if e == nil {
		// Scope released while the refetch was in flight.
		s.mu.Unlock()
		atomic.AddInt64(&s.stats.DiscardedStale, 1)
		if s.options.DebugMode {
			s.logger.Debug("discarded refetch result for released key", "key", string(key))
		}
		return false
	}

	e.pending = false
	rerun := e.rerun
	e.rerun = false

	if err != nil {
		s.mu.Unlock()
		atomic.AddInt64(&s.stats.RefetchErrors, 1)
		s.logger.Warn("refetch failed, keeping previous value", "key", string(key), "error", err.Error())
		if s.options.OnError != nil {
			s.options.OnError(err)
		}
		return rerun
	}

	scope := e.scope
	e.lastRefreshedAt = s.clock.Now()
	s.mu.Unlock()

	s.values.Set(string(key), value, 1)
	s.notifyRefresh(scope, key, value)
	return rerun
}

// applyResult stores a synchronously-fetched value (Get miss path).
func (s *Store) applyResult(key types.CacheKey, value any) {
	s.mu.Lock()
	e := s.entries[key]
	if e == nil {
		s.mu.Unlock()
		return
	}
	scope := e.scope
	e.lastRefreshedAt = s.clock.Now()
	s.mu.Unlock()

	s.values.Set(string(key), value, 1)
	s.notifyRefresh(scope, key, value)
}

// ApplyRemote applies a value produced by another instance (the scope
// leader) without fetching. Follower instances use this to mirror the
// leader's refetch results.
func (s *Store) ApplyRemote(key types.CacheKey, value any) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}
	s.applyResult(key, value)
}

// MutateVisible transforms the visible value for a key in place. Reserved
// for the optimistic write buffer; nothing else may use this path.
func (s *Store) MutateVisible(key types.CacheKey, fn func(old any) any) {
	if atomic.LoadInt32(&s.closed) != 0 {
		return
	}

	s.mu.Lock()
	if _, ok := s.entries[key]; !ok {
		s.mu.Unlock()
		return
	}
	old, _ := s.values.Get(string(key))
	s.values.Set(string(key), fn(old), 1)
	s.mu.Unlock()
}

// OnRefresh registers a callback fired after every applied refetch or
// remote apply, with the scope, key and new value.
func (s *Store) OnRefresh(fn func(scope types.Scope, key types.CacheKey, value any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRefresh = append(s.onRefresh, fn)
}

func (s *Store) notifyRefresh(scope types.Scope, key types.CacheKey, value any) {
	s.mu.Lock()
	callbacks := s.onRefresh
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(scope, key, value)
	}
}

// LastRefreshed returns when a key's entry last applied an authoritative
// value. Zero time if never refreshed or not tracked.
func (s *Store) LastRefreshed(key types.CacheKey) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entries[key]; e != nil {
		return e.lastRefreshedAt
	}
	return time.Time{}
}

// Pending reports whether a refetch for the key is in flight.
func (s *Store) Pending(key types.CacheKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entries[key]; e != nil {
		return e.pending
	}
	return false
}

// Reset clears all cached values and refresh timestamps while keeping
// scope subscriptions and tracked keys. Used on session change.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values.Clear()
	for _, e := range s.entries {
		e.lastRefreshedAt = time.Time{}
	}
}

// Stats returns store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Refetches:      atomic.LoadInt64(&s.stats.Refetches),
		RefetchErrors:  atomic.LoadInt64(&s.stats.RefetchErrors),
		Invalidations:  atomic.LoadInt64(&s.stats.Invalidations),
		DiscardedStale: atomic.LoadInt64(&s.stats.DiscardedStale),
	}
}

// Metrics returns the local value store's metrics.
func (s *Store) Metrics() LocalCacheMetrics {
	return s.values.Metrics()
}

// Close closes the store. Further operations are no-ops.
func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.values.Close()
	return nil
}
