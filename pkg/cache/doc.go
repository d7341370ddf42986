// Package cache provides a concurrent, bounded, in-memory cache with
// size- and weight-based eviction, time-based expiration, weakly and softly
// held entries, single-flight loading and refresh-ahead.
//
// # Overview
//
// A cache is split into segments, each guarding a slice of the hash space
// with its own lock. Reads walk immutable bucket chains without locking;
// writes take only their segment's lock. Eviction, expiration and removal of
// collected entries happen during ordinary operations, so there are no
// background goroutines to start or stop.
//
// # Quick Start
//
// A bounded cache filled by hand:
//
//	c, err := cache.New[string, *User](
//		cache.WithMaximumSize[string, *User](10_000),
//		cache.WithExpireAfterWrite[string, *User](10*time.Minute),
//	)
//	if err != nil {
//		return err
//	}
//	_ = c.Put("alice", alice)
//	u, ok := c.GetIfPresent("alice")
//
// A loading cache computes missing values once per key, even under
// concurrent demand, and refreshes stale ones in the background:
//
//	users, err := cache.NewLoading[string, *User](
//		cache.LoaderFunc[string, *User](fetchUser),
//		cache.WithRefreshAfterWrite[string, *User](time.Minute),
//		cache.WithRecordStats[string, *User](),
//	)
//	u, err := users.Get(ctx, "alice")
//
// # Eviction
//
// WithMaximumSize bounds the entry count; WithMaximumWeight together with
// WithWeigher bounds total weight. The bound is split evenly across
// segments, so a segment may evict while others have room. Victims are
// chosen in approximate least-recently-used order within the segment: reads
// are recorded in a bounded buffer and replayed under the lock, and reads
// that find the buffer full are not reflected in the order.
//
// # Expiration
//
// WithExpireAfterWrite and WithExpireAfterAccess make entries invisible as
// soon as their deadline passes; they are physically removed, with
// CauseExpired, by the next maintenance of their segment or by CleanUp.
// Maintenance sweeps the heads of the order queues. A read that missed the
// recency buffer leaves its entry early in the access order; the sweep moves
// such an entry back when it meets it, so it holds back expired entries
// queued behind it for at most one maintenance pass.
// Time comes from a Ticker, which tests replace with a FakeTicker.
//
// # Reference Strength
//
// WeakKeys lets the collector reclaim an entry once nothing else references
// its key. WeakValues does the same for values. SoftValues keeps values that
// are being read alive across collections and lets idle ones go. Weakly or
// softly held keys and values are compared by identity.
//
// # Loading
//
// GetOrLoad and LoadingCache.Get run the loader on the first caller's
// goroutine without holding any lock; other callers for the same key wait
// for that result. A failed load is reported to every waiter as a
// *LoadError and nothing is cached. Loader panics become *errors.PanicError.
// Refreshes run through a goroutine or a configured Executor, such as a
// worker.TaskPool, while readers keep seeing the previous value.
//
// # Removal Notifications and Statistics
//
// A RemovalListener receives one notification per removed or replaced
// value, with its RemovalCause, after the segment lock is released.
// Listener panics are recovered and logged. WithRecordStats enables hit,
// miss, load and eviction counters; WithMetrics additionally exports them to
// Prometheus through a metric.MetricsRegistry.
//
// # Map View
//
// AsMap exposes sync.Map-style operations, including atomic
// compare-and-swap and weakly consistent iteration with range-over-func
// iterators.
package cache
