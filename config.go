package livecache

import (
	"os"
	"strconv"
	"time"

	"github.com/huykn/livecache/cache"
	"github.com/huykn/livecache/conn"
	"github.com/huykn/livecache/optimistic"
	"github.com/huykn/livecache/poll"
	"github.com/huykn/livecache/router"
)

// Environment flag names for operational overrides.
const (
	EnvPushEnabled             = "PUSH_ENABLED"
	EnvLegacyFallbackListeners = "LEGACY_FALLBACK_LISTENERS_ENABLED"
	EnvForcedPollIntervalMs    = "FORCED_POLL_INTERVAL_MS"
)

// Config configures an Engine instance.
type Config struct {
	// InstanceID identifies this client instance on the coordination bus.
	// Empty generates one.
	InstanceID string

	// Fetcher serves refetches from the host's storage/query layer.
	// Required.
	Fetcher Fetcher

	// Registry is the event-to-key mapping table, populated at startup.
	// Required.
	Registry *Registry

	// Channel is the push transport. Nil disables push entirely; the
	// polling scheduler carries the full load.
	Channel conn.Channel

	// Bus is the cross-instance coordination channel. Nil disables tab
	// coordination; the instance independently runs the full stack.
	Bus Bus

	// Identity extracts the correlation key from authoritative records
	// for optimistic reconciliation. Required if InsertOptimistic is used.
	Identity IdentityFunc

	// OptimisticKeyForScope maps a scope to the cache key its optimistic
	// placeholders merge into. Required if InsertOptimistic is used.
	OptimisticKeyForScope func(scope Scope) CacheKey

	// Visibility is the foreground/background port. Nil means always
	// foreground.
	Visibility VisibilitySignal

	// PushEnabled is the kill switch; false forces everything through the
	// polling scheduler permanently for this session.
	PushEnabled bool

	// LegacyFallbackListeners bypasses the routing table and refetches
	// hinted scopes directly on every event. Debug-only.
	LegacyFallbackListeners bool

	// ForcedPollInterval overrides all computed polling intervals when
	// positive (incident mitigation).
	ForcedPollInterval time.Duration

	// BackpressureWindow coalesces invalidation bursts per key family.
	// Zero means router.DefaultBackpressureWindow.
	BackpressureWindow time.Duration

	// OptimisticTimeout is the reconciliation deadline for optimistic
	// writes. Zero means optimistic.DefaultTimeout.
	OptimisticTimeout time.Duration

	// Polling cadence bounds; zero values use the poll package defaults.
	ForegroundFloor   time.Duration
	ForegroundCeil    time.Duration
	BackgroundFloor   time.Duration
	BackgroundCeil    time.Duration
	PollJitter        time.Duration
	ConnectedInterval time.Duration

	// StaleThreshold is how long the connection may stay unhealthy before
	// OnStale fires. Zero means 30s.
	StaleThreshold time.Duration

	// OnStale is called with true when the connection has been degraded
	// beyond StaleThreshold and with false on recovery. Drives the host's
	// stale-data banner.
	OnStale func(stale bool)

	// FetchTimeout bounds a single refetch call.
	FetchTimeout time.Duration

	// LocalCacheConfig configures the local value store.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the local value store. Nil defaults to
	// the Ristretto factory.
	LocalCacheFactory LocalCacheFactory

	// Marshaller serializes leader results on the coordination bus.
	// Nil defaults to JSON.
	Marshaller Marshaller

	// Logger is the logger. Nil defaults to no-op.
	Logger Logger

	// Clock is the time source. Nil defaults to the system clock.
	Clock Clock

	// DebugMode enables debug logging and registry verification.
	DebugMode bool

	// OnError is called for background errors.
	OnError func(error)
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		PushEnabled:        true,
		BackpressureWindow: router.DefaultBackpressureWindow,
		OptimisticTimeout:  optimistic.DefaultTimeout,
		ForegroundFloor:    poll.DefaultForegroundFloor,
		ForegroundCeil:     poll.DefaultForegroundCeil,
		BackgroundFloor:    poll.DefaultBackgroundFloor,
		BackgroundCeil:     poll.DefaultBackgroundCeil,
		PollJitter:         poll.DefaultJitter,
		ConnectedInterval:  poll.DefaultConnectedInterval,
		StaleThreshold:     30 * time.Second,
		FetchTimeout:       10 * time.Second,
		LocalCacheConfig:   cache.DefaultLocalCacheConfig(),
	}
}

// FromEnv applies the environment-level operational flags to the config:
// PUSH_ENABLED, LEGACY_FALLBACK_LISTENERS_ENABLED, FORCED_POLL_INTERVAL_MS.
func (c Config) FromEnv() Config {
	if v, ok := os.LookupEnv(EnvPushEnabled); ok {
		c.PushEnabled = parseBool(v, c.PushEnabled)
	}
	if v, ok := os.LookupEnv(EnvLegacyFallbackListeners); ok {
		c.LegacyFallbackListeners = parseBool(v, c.LegacyFallbackListeners)
	}
	if v, ok := os.LookupEnv(EnvForcedPollIntervalMs); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.ForcedPollInterval = time.Duration(ms) * time.Millisecond
		}
	}
	return c
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Fetcher == nil {
		return ErrInvalidConfig
	}
	if c.Registry == nil {
		return ErrInvalidConfig
	}
	return nil
}
