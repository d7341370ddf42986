// Package segcache is a concurrent, bounded, in-memory cache engine for Go
// services, together with the infrastructure it is exercised with.
//
// # Architecture
//
// The cache is a fixed array of segments. Each segment owns a slice of the
// hash space, its own lock and its own eviction bookkeeping:
//
//	┌─────────────────────────────────────┐
//	│   Cache / LoadingCache / MapView    │  Public operations
//	└─────────────────────────────────────┘
//	           ↓ hash, high bits
//	┌─────────────────────────────────────┐
//	│   Segment 0 … Segment n-1           │  Lock per segment
//	│   (bucket table, count, weight)     │  Lock-free reads
//	└─────────────────────────────────────┘
//	           ↓ per entry
//	┌─────────────────────────────────────┐
//	│   Access queue │ Write queue        │  LRU and expiry order
//	│   Recency buffer │ Reclaim queue    │  Deferred bookkeeping
//	└─────────────────────────────────────┘
//
// Reads never block on writers. Writes, eviction, expiration and removal of
// collected entries take only the lock of the segment involved, and all
// maintenance piggybacks on ordinary calls.
//
// # Packages
//
//   - pkg/cache: the engine. Segments, reference strengths, single-flight
//     loading, refresh-ahead, statistics, removal notifications, a
//     sync.Map-style view and file-based configuration.
//   - pkg/worker: bounded worker pools. A TaskPool runs refreshes and
//     asynchronous removal notifications.
//   - pkg/retry: exponential backoff. Wraps loaders through
//     cache.RetryingLoader.
//   - metric: a Prometheus registry keyed by component plus an HTTP server
//     exposing it.
//   - errors: classified errors (transient, invalid, fatal) shared by every
//     package.
//
// # Usage Patterns
//
// Caching computed values:
//
//	users, err := cache.NewLoading[string, *User](
//		cache.LoaderFunc[string, *User](fetchUser),
//		cache.WithMaximumSize[string, *User](10_000),
//		cache.WithRefreshAfterWrite[string, *User](time.Minute),
//		cache.WithMetrics[string, *User](registry, "users"),
//	)
//
// Canonicalizing objects that are only worth keeping while in use:
//
//	sessions, err := cache.New(cache.WeakValues[string, Session]())
//
// Loading options from a file and adding code-only ones:
//
//	cfg, err := cache.LoadConfigFile("configs/cachebench.yaml")
//	opts, err := cache.ConfigOptions[string, string](cfg)
//	c, err := cache.New(append(opts, cache.WithLogger[string, string](logger))...)
//
// # Binary
//
// cmd/cachebench drives a loading cache with a skewed concurrent workload
// and serves its metrics while it runs:
//
//	go run ./cmd/cachebench --config configs/cachebench.yaml --duration 1m
//
// # Version
//
// Current: v0.1.0
package segcache
