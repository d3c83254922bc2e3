package livecache

import (
	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/coord"
	"github.com/huykn/livecache/optimistic"
	"github.com/huykn/livecache/router"
	"github.com/huykn/livecache/types"
)

// Logger is an alias for cache.Logger.
type Logger = cache.Logger

// Marshaller is an alias for cache.Marshaller.
type Marshaller = cache.Marshaller

// Fetcher is an alias for cache.Fetcher.
type Fetcher = cache.Fetcher

// FetcherFunc is an alias for cache.FetcherFunc.
type FetcherFunc = cache.FetcherFunc

// LocalCache is an alias for cache.LocalCache.
type LocalCache = cache.LocalCache

// LocalCacheFactory is an alias for cache.LocalCacheFactory.
type LocalCacheFactory = cache.LocalCacheFactory

// LocalCacheConfig is an alias for cache.LocalCacheConfig.
type LocalCacheConfig = cache.LocalCacheConfig

// Clock is an alias for cache.Clock.
type Clock = cache.Clock

// VisibilitySignal is an alias for cache.VisibilitySignal.
type VisibilitySignal = cache.VisibilitySignal

// Scope is an alias for types.Scope.
type Scope = types.Scope

// CacheKey is an alias for types.CacheKey.
type CacheKey = types.CacheKey

// ChangeEvent is an alias for types.ChangeEvent.
type ChangeEvent = types.ChangeEvent

// ConnectionState is an alias for types.ConnectionState.
type ConnectionState = types.ConnectionState

// OptimisticRecord is an alias for types.OptimisticRecord.
type OptimisticRecord = types.OptimisticRecord

// KeyBuilder is an alias for router.KeyBuilder.
type KeyBuilder = router.KeyBuilder

// Registry is an alias for router.Registry.
type Registry = router.Registry

// IdentityFunc is an alias for optimistic.IdentityFunc.
type IdentityFunc = optimistic.IdentityFunc

// Placeholder is an alias for optimistic.Placeholder.
type Placeholder = optimistic.Placeholder

// Bus is an alias for coord.Bus.
type Bus = coord.Bus

// Connection states re-exported for consumers.
const (
	StateDisconnected = types.StateDisconnected
	StateConnecting   = types.StateConnecting
	StateConnected    = types.StateConnected
	StateDegraded     = types.StateDegraded
)

// NewRegistry creates an event-to-key mapping registry. Verification
// probes builders for determinism at registration; enable it in
// development builds.
func NewRegistry(verify bool) *Registry {
	return router.NewRegistry(verify)
}

// DefaultLocalCacheConfig returns default local cache configuration for
// Ristretto.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return cache.DefaultLocalCacheConfig()
}
