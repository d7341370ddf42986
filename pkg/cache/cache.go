package cache

import (
	"context"
	"time"

	"github.com/c360/segcache/errors"
)

// Cache is a concurrent, bounded, in-memory key-value cache. Entries are
// added with Put or computed on demand with GetOrLoad, and are evicted by
// size, expiration or garbage collection according to the options given to
// New.
type Cache[K comparable, V any] struct {
	lc *localCache[K, V]
}

// New builds a cache from options. Conflicting or repeated options are
// reported together as an error wrapping errors.ErrInvalidConfig.
func New[K comparable, V any](opts ...Option[K, V]) (*Cache[K, V], error) {
	lc, err := build(nil, opts)
	if err != nil {
		return nil, err
	}
	return &Cache[K, V]{lc: lc}, nil
}

func build[K comparable, V any](loader Loader[K, V], opts []Option[K, V]) (*localCache[K, V], error) {
	b := newBuilder[K, V]()
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return newLocalCache(b, loader)
}

// GetIfPresent returns the value for key if it is cached and live.
func (c *Cache[K, V]) GetIfPresent(key K) (V, bool) {
	return c.lc.getIfPresent(key)
}

// GetAllPresent returns the cached values for keys, skipping absent ones.
func (c *Cache[K, V]) GetAllPresent(keys []K) map[K]V {
	result := make(map[K]V, len(keys))
	hits, misses := 0, 0
	for _, k := range keys {
		if v, ok := c.lc.peek(k); ok {
			result[k] = v
			hits++
		} else {
			misses++
		}
	}
	c.lc.stats.RecordHits(hits)
	c.lc.stats.RecordMisses(misses)
	return result
}

// GetOrLoad returns the value for key, calling loader on a miss. Concurrent
// callers for the same key share one loader call. If ctx ends while waiting
// on another caller's load, GetOrLoad returns ctx's error and the load
// carries on.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, loader Loader[K, V]) (V, error) {
	return c.lc.getOrLoad(ctx, key, loader)
}

// Put associates value with key, replacing and notifying for any previous
// value.
func (c *Cache[K, V]) Put(key K, value V) error {
	_, _, err := c.lc.put("Put", key, value, false)
	return err
}

// PutAll copies every mapping from m. It validates every key and value
// before storing any of them.
func (c *Cache[K, V]) PutAll(m map[K]V) error {
	for k, v := range m {
		if err := c.lc.checkWrite("PutAll", k, v); err != nil {
			return err
		}
	}
	for k, v := range m {
		if _, _, err := c.lc.put("PutAll", k, v, false); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes key. An in-flight load for key becomes invisible to
// later callers, although its current waiters still get its result.
func (c *Cache[K, V]) Invalidate(key K) {
	c.lc.remove(key)
}

// InvalidateKeys removes each of keys.
func (c *Cache[K, V]) InvalidateKeys(keys ...K) {
	for _, k := range keys {
		c.lc.remove(k)
	}
}

// InvalidateAll removes every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.lc.clear()
}

// Size returns the approximate number of entries. Entries that expired or
// were collected count until maintenance removes them.
func (c *Cache[K, V]) Size() int {
	return c.lc.size()
}

// Stats returns a snapshot of the statistics, all zero unless recording was
// enabled.
func (c *Cache[K, V]) Stats() Stats {
	return c.lc.stats.Snapshot()
}

// CleanUp performs all pending maintenance now.
func (c *Cache[K, V]) CleanUp() {
	c.lc.cleanUp()
}

// AsMap returns a live map view of the cache.
func (c *Cache[K, V]) AsMap() *MapView[K, V] {
	return &MapView[K, V]{lc: c.lc}
}

// String describes the cache shape.
func (c *Cache[K, V]) String() string {
	return c.lc.String()
}

// LoadingCache is a Cache with a default loader. It supports bulk loads and
// refresh-ahead through WithRefreshAfterWrite.
type LoadingCache[K comparable, V any] struct {
	Cache[K, V]
	loader Loader[K, V]
}

// NewLoading builds a cache that computes missing values with loader.
func NewLoading[K comparable, V any](loader Loader[K, V], opts ...Option[K, V]) (*LoadingCache[K, V], error) {
	if loader == nil {
		return nil, errors.WrapInvalid(errors.ErrNoLoader, "Cache", "NewLoading", "loader check")
	}
	lc, err := build(loader, opts)
	if err != nil {
		return nil, err
	}
	return &LoadingCache[K, V]{Cache: Cache[K, V]{lc: lc}, loader: loader}, nil
}

// Get returns the value for key, loading it if necessary.
func (c *LoadingCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	return c.lc.getOrLoad(ctx, key, c.loader)
}

// GetAll returns values for every key, loading the missing ones. When the
// loader is a BulkLoader the missing keys are loaded in a single call.
func (c *LoadingCache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	result := make(map[K]V, len(keys))
	var missing []K
	seen := make(map[K]struct{}, len(keys))
	hits := 0
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if c.lc.isNilKey(k) {
			return nil, errors.WrapInvalid(errors.ErrNilKey, "Cache", "GetAll", "key check")
		}
		if v, ok := c.lc.peek(k); ok {
			result[k] = v
			hits++
			continue
		}
		missing = append(missing, k)
	}
	c.lc.stats.RecordHits(hits)
	if len(missing) == 0 {
		return result, nil
	}

	bulk, ok := c.loader.(BulkLoader[K, V])
	if !ok {
		for _, k := range missing {
			v, err := c.lc.getOrLoad(ctx, k, c.loader)
			if err != nil {
				return nil, err
			}
			result[k] = v
		}
		return result, nil
	}

	c.lc.stats.RecordMisses(len(missing))
	loaded, err := c.loadAll(ctx, bulk, missing)
	if err != nil {
		return nil, err
	}
	for _, k := range missing {
		result[k] = loaded[k]
	}
	return result, nil
}

func (c *LoadingCache[K, V]) loadAll(ctx context.Context, bulk BulkLoader[K, V], keys []K) (loaded map[K]V, err error) {
	start := c.lc.ticker.Read()
	defer func() {
		if r := recover(); r != nil {
			loaded, err = nil, errors.NewPanicError(r)
		}
		loadTime := time.Duration(c.lc.ticker.Read() - start)
		if err != nil {
			c.lc.stats.RecordLoadException(loadTime)
			err = &LoadError{Key: keys, Err: err}
			return
		}
		c.lc.stats.RecordLoadSuccess(loadTime)
	}()

	loaded, err = bulk.LoadAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	for k, v := range loaded {
		if c.lc.isNilKey(k) || c.lc.isNilValue(v) {
			return nil, errors.ErrNilLoadResult
		}
	}
	for _, k := range keys {
		if _, ok := loaded[k]; !ok {
			return nil, errors.ErrNilLoadResult
		}
	}
	for k, v := range loaded {
		if _, _, err := c.lc.put("GetAll", k, v, false); err != nil {
			return nil, err
		}
	}
	return loaded, nil
}

// RefreshResult is delivered once a refresh started by Refresh completes.
type RefreshResult[K comparable, V any] struct {
	Key   K
	Value V
	Err   error
}

// Refresh reloads key in the background. Until the reload completes, reads
// keep returning the previous value, if any. If a load for key is already in
// flight, the returned channel reports that load instead of starting
// another. The channel receives exactly one result; ctx only bounds the wait
// for it, not the load itself.
func (c *LoadingCache[K, V]) Refresh(ctx context.Context, key K) <-chan RefreshResult[K, V] {
	ch := make(chan RefreshResult[K, V], 1)
	if c.lc.isNilKey(key) {
		ch <- RefreshResult[K, V]{Key: key, Err: errors.WrapInvalid(errors.ErrNilKey, "Cache", "Refresh", "key check")}
		return ch
	}
	h := c.lc.hash(key)
	l := c.lc.segmentFor(h).refresh(ctx, key, h, c.loader, false)
	go func() {
		v, err := l.wait(ctx)
		ch <- RefreshResult[K, V]{Key: key, Value: v, Err: err}
	}()
	return ch
}
