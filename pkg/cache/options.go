package cache

import (
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/c360/segcache/errors"
	"github.com/c360/segcache/metric"
)

// Weigher returns the relative weight of an entry. It is evaluated once per
// write; a zero weight exempts the entry from size eviction.
type Weigher[K comparable, V any] func(key K, value V) uint32

// Option configures a cache using the functional options pattern. Each
// option may be applied at most once; conflicts are reported by New.
type Option[K comparable, V any] func(*builder[K, V])

const unset = -1

// builder collects option values and the problems found while applying them.
type builder[K comparable, V any] struct {
	initialCapacity   int
	concurrencyLevel  int
	maximumSize       int64
	maximumWeight     int64
	weigher           Weigher[K, V]
	expireAfterWrite  time.Duration
	expireAfterAccess time.Duration
	refreshAfterWrite time.Duration

	keyStrength   Strength
	valueStrength Strength
	newKeyRef     keyRefFactory[K]
	newValueRef   valueRefFactory[V]
	keyEq         Equivalence[K]
	valueEq       func(a, b V) bool

	listener     RemovalListener[K, V]
	listenerExec Executor
	ticker       Ticker
	recordStats  bool
	statsCounter StatsCounter
	metricsReg   *metric.MetricsRegistry
	metricsName  string
	logger       *slog.Logger
	refreshExec  Executor

	applied map[string]bool
	errs    []error
}

func newBuilder[K comparable, V any]() *builder[K, V] {
	return &builder[K, V]{
		initialCapacity:   unset,
		concurrencyLevel:  unset,
		maximumSize:       unset,
		maximumWeight:     unset,
		expireAfterWrite:  unset,
		expireAfterAccess: unset,
		refreshAfterWrite: unset,
		applied:           make(map[string]bool),
	}
}

// once records that name was applied, failing when it already was.
func (b *builder[K, V]) once(name string) bool {
	if b.applied[name] {
		b.errs = append(b.errs, errors.Invalidf("Builder", name, "%s was already set", name))
		return false
	}
	b.applied[name] = true
	return true
}

func (b *builder[K, V]) fail(method, format string, args ...any) {
	b.errs = append(b.errs, errors.Invalidf("Builder", method, format, args...))
}

// WithInitialCapacity sizes the hash tables up front. Default 16.
func WithInitialCapacity[K comparable, V any](n int) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("initial capacity") {
			return
		}
		if n < 0 {
			b.fail("WithInitialCapacity", "initial capacity must be non-negative, got %d", n)
			return
		}
		b.initialCapacity = n
	}
}

// WithConcurrencyLevel hints at the number of concurrent writers and
// determines the number of segments. Default 4.
func WithConcurrencyLevel[K comparable, V any](n int) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("concurrency level") {
			return
		}
		if n <= 0 {
			b.fail("WithConcurrencyLevel", "concurrency level must be positive, got %d", n)
			return
		}
		b.concurrencyLevel = n
	}
}

// WithMaximumSize bounds the number of entries. Eviction may begin before
// the bound is reached because the bound is split across segments.
func WithMaximumSize[K comparable, V any](n int64) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("maximum size") {
			return
		}
		if n < 0 {
			b.fail("WithMaximumSize", "maximum size must be non-negative, got %d", n)
			return
		}
		b.maximumSize = n
	}
}

// WithMaximumWeight bounds the total weight of entries. Requires a weigher.
func WithMaximumWeight[K comparable, V any](w int64) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("maximum weight") {
			return
		}
		if w < 0 {
			b.fail("WithMaximumWeight", "maximum weight must be non-negative, got %d", w)
			return
		}
		b.maximumWeight = w
	}
}

// WithWeigher sets the weigher used with WithMaximumWeight.
func WithWeigher[K comparable, V any](w Weigher[K, V]) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("weigher") {
			return
		}
		if w == nil {
			b.fail("WithWeigher", "weigher must not be nil")
			return
		}
		b.weigher = w
	}
}

// WithExpireAfterWrite expires entries once d has passed since their last
// write.
func WithExpireAfterWrite[K comparable, V any](d time.Duration) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("expire after write") {
			return
		}
		if d < 0 {
			b.fail("WithExpireAfterWrite", "duration must be non-negative, got %s", d)
			return
		}
		b.expireAfterWrite = d
	}
}

// WithExpireAfterAccess expires entries once d has passed since their last
// read or write.
func WithExpireAfterAccess[K comparable, V any](d time.Duration) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("expire after access") {
			return
		}
		if d < 0 {
			b.fail("WithExpireAfterAccess", "duration must be non-negative, got %s", d)
			return
		}
		b.expireAfterAccess = d
	}
}

// WithRefreshAfterWrite makes reads of entries older than d trigger an
// asynchronous reload while the old value keeps being served. Only valid for
// loading caches.
func WithRefreshAfterWrite[K comparable, V any](d time.Duration) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("refresh after write") {
			return
		}
		if d <= 0 {
			b.fail("WithRefreshAfterWrite", "duration must be positive, got %s", d)
			return
		}
		b.refreshAfterWrite = d
	}
}

// WeakKeys holds keys weakly and compares them by identity. An entry is
// removed with CauseCollected once its key is reclaimed.
func WeakKeys[T any, V any]() Option[*T, V] {
	return func(b *builder[*T, V]) {
		if !b.once("key strength") {
			return
		}
		b.keyStrength = Weak
		b.newKeyRef = newWeakKey[T]
	}
}

// WeakValues holds values weakly and compares them by identity.
func WeakValues[K comparable, T any]() Option[K, *T] {
	return func(b *builder[K, *T]) {
		if !b.once("value strength") {
			return
		}
		b.valueStrength = Weak
		b.newValueRef = newWeakValue[T]
	}
}

// SoftValues keeps recently read values alive across collections and lets
// values idle for a full collection cycle be reclaimed. Values compare by
// identity.
func SoftValues[K comparable, T any]() Option[K, *T] {
	return func(b *builder[K, *T]) {
		if !b.once("value strength") {
			return
		}
		b.valueStrength = Soft
		b.newValueRef = newSoftValue[T]
	}
}

// WithKeyEquivalence overrides how keys are compared and hashed.
func WithKeyEquivalence[K comparable, V any](eq Equivalence[K]) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("key equivalence") {
			return
		}
		if eq == nil {
			b.fail("WithKeyEquivalence", "key equivalence must not be nil")
			return
		}
		b.keyEq = eq
	}
}

// WithValueEquivalence overrides how values are compared by
// compare-and-swap and compare-and-delete.
func WithValueEquivalence[K comparable, V any](equal func(a, b V) bool) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("value equivalence") {
			return
		}
		if equal == nil {
			b.fail("WithValueEquivalence", "value equivalence must not be nil")
			return
		}
		b.valueEq = equal
	}
}

// WithRemovalListener registers a listener invoked synchronously by the
// goroutine that performed the removal, after segment locks are released.
func WithRemovalListener[K comparable, V any](l RemovalListener[K, V]) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("removal listener") {
			return
		}
		if l == nil {
			b.fail("WithRemovalListener", "removal listener must not be nil")
			return
		}
		b.listener = l
	}
}

// WithAsyncRemovalListener registers a listener whose notifications are
// delivered through exec.
func WithAsyncRemovalListener[K comparable, V any](l RemovalListener[K, V], exec Executor) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("removal listener") {
			return
		}
		if l == nil || exec == nil {
			b.fail("WithAsyncRemovalListener", "listener and executor must not be nil")
			return
		}
		b.listener = l
		b.listenerExec = exec
	}
}

// WithTicker replaces the time source.
func WithTicker[K comparable, V any](t Ticker) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("ticker") {
			return
		}
		if t == nil {
			b.fail("WithTicker", "ticker must not be nil")
			return
		}
		b.ticker = t
	}
}

// WithRecordStats enables statistics collection.
func WithRecordStats[K comparable, V any]() Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("record stats") {
			return
		}
		b.recordStats = true
	}
}

// WithStatsCounter enables statistics collection into the given counter.
func WithStatsCounter[K comparable, V any](counter StatsCounter) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("stats counter") {
			return
		}
		if counter == nil {
			b.fail("WithStatsCounter", "stats counter must not be nil")
			return
		}
		b.recordStats = true
		b.statsCounter = counter
	}
}

// WithMetrics enables statistics and exports them as Prometheus metrics
// labeled with name. If registry is nil, this option is ignored.
func WithMetrics[K comparable, V any](registry *metric.MetricsRegistry, name string) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("metrics") {
			return
		}
		if registry == nil {
			return
		}
		if name == "" {
			b.fail("WithMetrics", "metrics name must not be empty")
			return
		}
		b.recordStats = true
		b.metricsReg = registry
		b.metricsName = name
	}
}

// WithLogger sets the logger used for recovered listener panics and failed
// refreshes. Defaults to slog.Default().
func WithLogger[K comparable, V any](logger *slog.Logger) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("logger") {
			return
		}
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRefreshExecutor runs refreshes through exec instead of a fresh
// goroutine per refresh.
func WithRefreshExecutor[K comparable, V any](exec Executor) Option[K, V] {
	return func(b *builder[K, V]) {
		if !b.once("refresh executor") {
			return
		}
		if exec == nil {
			b.fail("WithRefreshExecutor", "executor must not be nil")
			return
		}
		b.refreshExec = exec
	}
}

// validate applies the cross-option rules. loading reports whether the
// cache has a default loader.
func (b *builder[K, V]) validate(loading bool) error {
	if b.maximumSize != unset && b.maximumWeight != unset {
		b.fail("build", "maximum size can not be combined with maximum weight")
	}
	if b.maximumSize != unset && b.weigher != nil {
		b.fail("build", "maximum size can not be combined with weigher")
	}
	if b.weigher != nil && b.maximumWeight == unset {
		b.fail("build", "weigher requires maximum weight")
	}
	if b.weigher == nil && b.maximumWeight != unset {
		b.fail("build", "maximum weight requires weigher")
	}
	if b.refreshAfterWrite != unset && !loading {
		b.fail("build", "refresh after write requires a loading cache")
	}
	if len(b.errs) == 0 {
		return nil
	}
	return stderrors.Join(b.errs...)
}
