package cache

import (
	"context"
	"time"

	"github.com/huykn/livecache/types"
)

// Logger defines the interface for logging in the consistency engine.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...any)

	// Info logs an info message.
	Info(msg string, args ...any)

	// Warn logs a warning message.
	Warn(msg string, args ...any)

	// Error logs an error message.
	Error(msg string, args ...any)
}

// Marshaller defines the interface for wire serialization of events and
// lease claims.
type Marshaller interface {
	// Marshal serializes a value to bytes.
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes a value from bytes.
	Unmarshal(data []byte, v any) error
}

// Fetcher is the host-supplied port to the storage/query layer that serves
// refetches. A fetch returns the authoritative value for a cache key.
type Fetcher interface {
	// Fetch retrieves the current authoritative value for a key.
	Fetch(ctx context.Context, key types.CacheKey) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, key types.CacheKey) (any, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, key types.CacheKey) (any, error) {
	return f(ctx, key)
}

// LocalCache defines the interface for the local value store backing cache
// entries.
type LocalCache interface {
	// Get retrieves a value from the local cache.
	Get(key string) (any, bool)

	// Set stores a value in the local cache.
	Set(key string, value any, cost int64) bool

	// Delete removes a value from the local cache.
	Delete(key string)

	// Clear removes all values from the local cache.
	Clear()

	// Close closes the local cache.
	Close()

	// Metrics returns cache metrics.
	Metrics() LocalCacheMetrics
}

// LocalCacheMetrics represents local cache metrics.
type LocalCacheMetrics struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// LocalCacheFactory defines the interface for creating local cache
// implementations.
type LocalCacheFactory interface {
	// Create creates a new local cache instance.
	Create() (LocalCache, error)
}

// VisibilitySignal is the foreground/background port. Host environments
// plug their own detection (page visibility, window focus, process state)
// behind this interface; the connection manager and polling scheduler only
// consume it.
type VisibilitySignal interface {
	// Foreground reports whether the host is currently foregrounded.
	Foreground() bool

	// OnChange registers a callback invoked on every transition. The
	// returned function cancels the registration.
	OnChange(fn func(foreground bool)) (cancel func())
}

// Clock abstracts time for the scheduler, lease renewal and optimistic
// expiry so they can be driven deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer returns a timer that fires once after d.
	NewTimer(d time.Duration) Timer
}

// Timer is the subset of time.Timer the engine needs.
type Timer interface {
	// C returns the channel the timer fires on.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It reports whether it stopped
	// the timer before it fired.
	Stop() bool

	// Reset re-arms the timer to fire after d.
	Reset(d time.Duration) bool
}
