package cache

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/c360/segcache/errors"
)

const (
	defaultInitialCapacity  = 16
	defaultConcurrencyLevel = 4
	maximumCapacity         = 1 << 30
	maxSegments             = 1 << 16
)

// localCache is the engine shared by Cache and LoadingCache: a fixed array of
// independently locked segments chosen by the high bits of a spread hash.
type localCache[K comparable, V any] struct {
	segments     []*segment[K, V]
	segmentShift uint32
	segmentMask  uint32

	keyEq       Equivalence[K]
	valueEq     func(a, b V) bool
	newKeyRef   keyRefFactory[K]
	newValueRef valueRefFactory[V]
	keyIsNil    func(K) bool
	valueIsNil  func(V) bool

	keyStrength   Strength
	valueStrength Strength

	weigher           Weigher[K, V]
	evictsBySize      bool
	expireAfterWrite  int64
	expireAfterAccess int64
	refreshAfterWrite int64

	ticker       Ticker
	stats        StatsCounter
	recordStats  bool
	listener     RemovalListener[K, V]
	listenerExec Executor
	refreshExec  Executor
	logger       *slog.Logger

	defaultLoader Loader[K, V]
}

func newLocalCache[K comparable, V any](b *builder[K, V], loader Loader[K, V]) (*localCache[K, V], error) {
	if err := b.validate(loader != nil); err != nil {
		return nil, err
	}

	lc := &localCache[K, V]{
		keyEq:         b.keyEq,
		valueEq:       b.valueEq,
		newKeyRef:     b.newKeyRef,
		newValueRef:   b.newValueRef,
		keyIsNil:      nilCheck[K](),
		valueIsNil:    nilCheck[V](),
		keyStrength:   b.keyStrength,
		valueStrength: b.valueStrength,
		weigher:       b.weigher,
		ticker:        b.ticker,
		recordStats:   b.recordStats,
		listener:      b.listener,
		listenerExec:  b.listenerExec,
		refreshExec:   b.refreshExec,
		logger:        b.logger,
		defaultLoader: loader,
	}
	if lc.keyEq == nil {
		lc.keyEq = defaultKeyEquivalence[K]()
	}
	if lc.valueEq == nil {
		if lc.valueStrength == Strong {
			lc.valueEq = deepEqual[V]
		} else {
			lc.valueEq = func(a, b V) bool { return any(a) == any(b) }
		}
	}
	if lc.newKeyRef == nil {
		lc.newKeyRef = newStrongKey[K]
	}
	if lc.newValueRef == nil {
		lc.newValueRef = newStrongValue[V]
	}
	if lc.ticker == nil {
		lc.ticker = SystemTicker()
	}
	if lc.refreshExec == nil {
		lc.refreshExec = goExecutor{}
	}
	if lc.logger == nil {
		lc.logger = slog.Default()
	}
	if b.expireAfterWrite > 0 {
		lc.expireAfterWrite = int64(b.expireAfterWrite)
	}
	if b.expireAfterAccess > 0 {
		lc.expireAfterAccess = int64(b.expireAfterAccess)
	}
	if b.refreshAfterWrite > 0 {
		lc.refreshAfterWrite = int64(b.refreshAfterWrite)
	}

	maxWeight := int64(unset)
	switch {
	case b.maximumSize != unset:
		maxWeight = b.maximumSize
	case b.maximumWeight != unset:
		maxWeight = b.maximumWeight
	}
	// A zero expiry or zero bound means nothing may be retained.
	if b.expireAfterWrite == 0 || b.expireAfterAccess == 0 {
		maxWeight = 0
	}
	lc.evictsBySize = maxWeight >= 0
	if lc.evictsBySize && lc.weigher == nil {
		lc.weigher = func(K, V) uint32 { return 1 }
	}

	lc.initSegments(b, maxWeight)

	lc.stats = disabledStatsCounter{}
	if lc.recordStats {
		lc.stats = b.statsCounter
		if lc.stats == nil {
			lc.stats = NewAtomicStatsCounter()
		}
		if b.metricsReg != nil {
			m, err := newMetricsStatsCounter(b.metricsReg, b.metricsName, lc.stats, func() float64 {
				return float64(lc.size())
			})
			if err != nil {
				return nil, errors.WrapInvalid(err, "Cache", "build", "metrics registration")
			}
			lc.stats = m
		}
	}

	lc.logger.Debug("Cache built",
		slog.Int("segments", len(lc.segments)),
		slog.Int64("max_weight", maxWeight),
		slog.String("key_strength", lc.keyStrength.String()),
		slog.String("value_strength", lc.valueStrength.String()))
	return lc, nil
}

func (lc *localCache[K, V]) initSegments(b *builder[K, V], maxWeight int64) {
	concurrency := defaultConcurrencyLevel
	if b.concurrencyLevel != unset {
		concurrency = min(b.concurrencyLevel, maxSegments)
	}
	initialCapacity := defaultInitialCapacity
	if b.initialCapacity != unset {
		initialCapacity = min(b.initialCapacity, maximumCapacity)
	}
	if lc.evictsBySize && b.maximumSize != unset {
		initialCapacity = int(min(int64(initialCapacity), maxWeight))
	}

	shift := 0
	segmentCount := 1
	for segmentCount < concurrency && (!lc.evictsBySize || int64(segmentCount)*20 <= maxWeight) {
		shift++
		segmentCount <<= 1
	}
	lc.segmentShift = uint32(32 - shift)
	lc.segmentMask = uint32(segmentCount - 1)

	segmentCapacity := initialCapacity / segmentCount
	if segmentCapacity*segmentCount < initialCapacity {
		segmentCapacity++
	}
	segmentSize := 1
	for segmentSize < segmentCapacity {
		segmentSize <<= 1
	}

	lc.segments = make([]*segment[K, V], segmentCount)
	if !lc.evictsBySize {
		for i := range lc.segments {
			lc.segments[i] = newSegment(lc, segmentSize, unset)
		}
		return
	}
	segmentWeight := maxWeight/int64(segmentCount) + 1
	remainder := maxWeight % int64(segmentCount)
	for i := range lc.segments {
		if int64(i) == remainder {
			segmentWeight--
		}
		lc.segments[i] = newSegment(lc, segmentSize, segmentWeight)
	}
}

func (lc *localCache[K, V]) hash(key K) uint32 {
	return spread(lc.keyEq.Hash(key))
}

func (lc *localCache[K, V]) segmentFor(hash uint32) *segment[K, V] {
	return lc.segments[(hash>>lc.segmentShift)&lc.segmentMask]
}

func (lc *localCache[K, V]) usesAccessQueue() bool {
	return lc.evictsBySize || lc.expireAfterAccess > 0
}

func (lc *localCache[K, V]) usesWriteQueue() bool {
	return lc.expireAfterWrite > 0
}

func (lc *localCache[K, V]) expires() bool {
	return lc.expireAfterWrite > 0 || lc.expireAfterAccess > 0
}

func (lc *localCache[K, V]) refreshes() bool {
	return lc.refreshAfterWrite > 0
}

func (lc *localCache[K, V]) isExpired(e *entry[K, V], now int64) bool {
	if lc.expireAfterAccess > 0 && now-e.accessTime.Load() > lc.expireAfterAccess {
		return true
	}
	return lc.expireAfterWrite > 0 && now-e.writeTime.Load() > lc.expireAfterWrite
}

func (lc *localCache[K, V]) isNilKey(key K) bool {
	return lc.keyIsNil != nil && lc.keyIsNil(key)
}

func (lc *localCache[K, V]) isNilValue(value V) bool {
	return lc.valueIsNil != nil && lc.valueIsNil(value)
}

// weigh evaluates the weigher outside any lock. A panicking weigher is
// reported as an error rather than left to unwind through the cache.
func (lc *localCache[K, V]) weigh(key K, value V) (w uint32, err error) {
	if lc.weigher == nil {
		return 0, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewPanicError(r)
		}
	}()
	return lc.weigher(key, value), nil
}

func (lc *localCache[K, V]) getIfPresent(key K) (V, bool) {
	var zero V
	if lc.isNilKey(key) {
		lc.stats.RecordMisses(1)
		return zero, false
	}
	h := lc.hash(key)
	v, ok := lc.segmentFor(h).get(key, h)
	if ok {
		lc.stats.RecordHits(1)
	} else {
		lc.stats.RecordMisses(1)
	}
	return v, ok
}

// peek reads without recording statistics.
func (lc *localCache[K, V]) peek(key K) (V, bool) {
	if lc.isNilKey(key) {
		var zero V
		return zero, false
	}
	h := lc.hash(key)
	return lc.segmentFor(h).get(key, h)
}

func (lc *localCache[K, V]) getOrLoad(ctx context.Context, key K, loader Loader[K, V]) (V, error) {
	var zero V
	if lc.isNilKey(key) {
		return zero, errors.WrapInvalid(errors.ErrNilKey, "Cache", "Get", "key check")
	}
	if loader == nil {
		return zero, errors.WrapInvalid(errors.ErrNoLoader, "Cache", "Get", "loader check")
	}
	h := lc.hash(key)
	return lc.segmentFor(h).getOrLoad(ctx, key, h, loader)
}

func (lc *localCache[K, V]) checkWrite(method string, key K, value V) error {
	if lc.isNilKey(key) {
		return errors.WrapInvalid(errors.ErrNilKey, "Cache", method, "key check")
	}
	if lc.isNilValue(value) {
		return errors.WrapInvalid(errors.ErrNilValue, "Cache", method, "value check")
	}
	return nil
}

func (lc *localCache[K, V]) put(method string, key K, value V, onlyIfAbsent bool) (V, bool, error) {
	var zero V
	if err := lc.checkWrite(method, key, value); err != nil {
		return zero, false, err
	}
	w, err := lc.weigh(key, value)
	if err != nil {
		return zero, false, errors.Wrap(err, "Cache", method, "weigher call")
	}
	h := lc.hash(key)
	old, ok := lc.segmentFor(h).put(key, h, value, w, onlyIfAbsent)
	return old, ok, nil
}

func (lc *localCache[K, V]) replace(key K, oldValue, newValue V) (bool, error) {
	if err := lc.checkWrite("CompareAndSwap", key, newValue); err != nil {
		return false, err
	}
	w, err := lc.weigh(key, newValue)
	if err != nil {
		return false, errors.Wrap(err, "Cache", "CompareAndSwap", "weigher call")
	}
	h := lc.hash(key)
	return lc.segmentFor(h).replace(key, h, oldValue, newValue, w), nil
}

func (lc *localCache[K, V]) remove(key K) (V, bool) {
	if lc.isNilKey(key) {
		var zero V
		return zero, false
	}
	h := lc.hash(key)
	return lc.segmentFor(h).remove(key, h)
}

func (lc *localCache[K, V]) removeIfEqual(key K, value V) bool {
	if lc.isNilKey(key) {
		return false
	}
	h := lc.hash(key)
	return lc.segmentFor(h).removeIfEqual(key, h, value)
}

func (lc *localCache[K, V]) clear() {
	for _, s := range lc.segments {
		s.clear()
	}
}

func (lc *localCache[K, V]) size() int {
	var n int64
	for _, s := range lc.segments {
		n += s.count.Load()
	}
	return int(min(n, math.MaxInt))
}

func (lc *localCache[K, V]) cleanUp() {
	for _, s := range lc.segments {
		s.cleanUp(true)
	}
}

// all yields live entries segment by segment. It never blocks writers and
// reflects some state between the start and end of iteration.
func (lc *localCache[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for _, s := range lc.segments {
			if !s.each(lc.ticker.Read(), func(_ *entry[K, V], _ valueRef[V], k K, v V) bool {
				return yield(k, v)
			}) {
				return
			}
		}
	}
}

// removeMatching deletes every live entry for which pred holds, provided the
// entry still holds the value pred saw.
func (lc *localCache[K, V]) removeMatching(pred func(K, V) bool) int {
	removed := 0
	for _, s := range lc.segments {
		s.each(lc.ticker.Read(), func(e *entry[K, V], r valueRef[V], k K, v V) bool {
			if pred(k, v) && s.removeIfRef(e, r) {
				removed++
			}
			return true
		})
	}
	return removed
}

func (lc *localCache[K, V]) String() string {
	return fmt.Sprintf("cache{segments=%d, size=%d}", len(lc.segments), lc.size())
}

func elapsed(start, end int64) time.Duration {
	return time.Duration(end - start)
}
