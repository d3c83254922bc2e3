package cache

import (
	"time"
)

// LocalCacheConfig configures the local value store.
type LocalCacheConfig struct {
	// NumCounters is the number of counters for the cache (Ristretto only).
	// Recommended: 10 * MaxItems
	NumCounters int64

	// MaxCost is the maximum cost of items in the cache (Ristretto only).
	MaxCost int64

	// BufferItems is the number of items to buffer before eviction
	// (Ristretto only). Recommended: 64
	BufferItems int64

	// IgnoreInternalCost ignores the internal cost of items (Ristretto only).
	IgnoreInternalCost bool

	// MaxSize is the maximum number of items in the cache (LRU only).
	MaxSize int
}

// Options configures a Store instance.
type Options struct {
	// Fetcher serves refetches from the host's storage/query layer.
	// Required.
	Fetcher Fetcher

	// LocalCacheConfig configures the local value store.
	LocalCacheConfig LocalCacheConfig

	// LocalCacheFactory creates the local value store.
	// If nil, defaults to the Ristretto factory.
	LocalCacheFactory LocalCacheFactory

	// FetchTimeout bounds a single refetch call.
	FetchTimeout time.Duration

	// Logger is the logger for debug logging.
	// If nil, defaults to no-op logger.
	Logger Logger

	// Clock is the time source. If nil, defaults to the system clock.
	Clock Clock

	// DebugMode enables debug logging.
	DebugMode bool

	// OnError is called when an error occurs in background operations.
	OnError func(error)
}

// DefaultOptions returns default store options.
func DefaultOptions() Options {
	return Options{
		FetchTimeout:     10 * time.Second,
		LocalCacheConfig: DefaultLocalCacheConfig(),
	}
}

// DefaultLocalCacheConfig returns default local cache configuration.
func DefaultLocalCacheConfig() LocalCacheConfig {
	return LocalCacheConfig{
		NumCounters:        1e5,
		MaxCost:            1 << 28, // 256MB
		BufferItems:        64,
		IgnoreInternalCost: true,
		MaxSize:            10000,
	}
}

// Validate validates the options.
func (o *Options) Validate() error {
	if o.Fetcher == nil {
		return ErrInvalidConfig
	}
	if o.FetchTimeout <= 0 {
		return ErrInvalidConfig
	}
	if o.LocalCacheConfig.NumCounters <= 0 || o.LocalCacheConfig.MaxCost <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = NewError("invalid store configuration")

// NewError creates a new error with the given message.
func NewError(msg string) error {
	return &storeError{msg: msg}
}

type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}
