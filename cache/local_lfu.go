package cache

import (
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

// LFUCacheFactory creates Ristretto-backed local caches.
type LFUCacheFactory struct {
	config LocalCacheConfig
}

// NewLFUCacheFactory creates a new Ristretto cache factory.
func NewLFUCacheFactory(config LocalCacheConfig) LocalCacheFactory {
	return &LFUCacheFactory{config: config}
}

// Create creates a new Ristretto cache instance.
func (f *LFUCacheFactory) Create() (LocalCache, error) {
	return NewLFUCache(f.config)
}

// LFUCache is a local cache backed by Ristretto's TinyLFU admission policy.
type LFUCache struct {
	cache     *ristretto.Cache
	evictions int64
	size      int64
}

// NewLFUCache creates a new Ristretto-based local cache.
func NewLFUCache(config LocalCacheConfig) (*LFUCache, error) {
	lc := &LFUCache{}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        config.NumCounters,
		MaxCost:            config.MaxCost,
		BufferItems:        config.BufferItems,
		IgnoreInternalCost: config.IgnoreInternalCost,
		Metrics:            true,
		OnEvict: func(item *ristretto.Item) {
			atomic.AddInt64(&lc.evictions, 1)
			atomic.AddInt64(&lc.size, -1)
		},
	})
	if err != nil {
		return nil, err
	}
	lc.cache = c
	return lc, nil
}

// Get retrieves a value from the local cache.
func (lc *LFUCache) Get(key string) (any, bool) {
	return lc.cache.Get(key)
}

// Set stores a value in the local cache.
func (lc *LFUCache) Set(key string, value any, cost int64) bool {
	if ok := lc.cache.Set(key, value, cost); !ok {
		return false
	}
	// Ristretto applies sets asynchronously; wait so a subsequent Get
	// observes the write, which the refetch path relies on.
	lc.cache.Wait()
	atomic.AddInt64(&lc.size, 1)
	return true
}

// Delete removes a value from the local cache.
func (lc *LFUCache) Delete(key string) {
	lc.cache.Del(key)
	atomic.AddInt64(&lc.size, -1)
}

// Clear removes all values from the local cache.
func (lc *LFUCache) Clear() {
	lc.cache.Clear()
	atomic.StoreInt64(&lc.size, 0)
}

// Close closes the local cache.
func (lc *LFUCache) Close() {
	lc.cache.Close()
}

// Metrics returns cache metrics.
func (lc *LFUCache) Metrics() LocalCacheMetrics {
	m := lc.cache.Metrics
	return LocalCacheMetrics{
		Hits:      int64(m.Hits()),
		Misses:    int64(m.Misses()),
		Evictions: atomic.LoadInt64(&lc.evictions),
		Size:      atomic.LoadInt64(&lc.size),
	}
}
