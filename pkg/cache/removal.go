package cache

import (
	"log/slog"
)

// RemovalCause explains why an entry left the cache.
type RemovalCause int

const (
	// CauseExplicit means the entry was invalidated by the user.
	CauseExplicit RemovalCause = iota
	// CauseReplaced means the value was overwritten by a put, a refresh or
	// a compare-and-swap.
	CauseReplaced
	// CauseCollected means the key or value was reclaimed by the garbage
	// collector.
	CauseCollected
	// CauseExpired means the entry's write or access deadline passed.
	CauseExpired
	// CauseSize means the entry was evicted to honor the weight bound.
	CauseSize
)

// String returns the lower-case cause name.
func (c RemovalCause) String() string {
	switch c {
	case CauseExplicit:
		return "explicit"
	case CauseReplaced:
		return "replaced"
	case CauseCollected:
		return "collected"
	case CauseExpired:
		return "expired"
	case CauseSize:
		return "size"
	default:
		return "unknown"
	}
}

// WasEvicted reports whether the removal was automatic rather than caused by
// a user operation.
func (c RemovalCause) WasEvicted() bool {
	return c == CauseCollected || c == CauseExpired || c == CauseSize
}

// RemovalNotification describes one removed entry. Key or Value is the zero
// value when it had already been reclaimed.
type RemovalNotification[K comparable, V any] struct {
	Key   K
	Value V
	Cause RemovalCause
}

// WasEvicted reports whether the removal was automatic.
func (n RemovalNotification[K, V]) WasEvicted() bool {
	return n.Cause.WasEvicted()
}

// RemovalListener is invoked once per removed entry, never while a segment
// lock is held.
type RemovalListener[K comparable, V any] func(RemovalNotification[K, V])

// Executor runs tasks off the calling goroutine. *worker.TaskPool satisfies
// it.
type Executor interface {
	Execute(task func()) error
}

type goExecutor struct{}

func (goExecutor) Execute(task func()) error {
	go task()
	return nil
}

// dispatch delivers queued notifications. A listener panic is logged and
// does not stop delivery of the rest.
func (lc *localCache[K, V]) dispatch(pending []RemovalNotification[K, V]) {
	if lc.listener == nil {
		return
	}
	for _, n := range pending {
		if lc.listenerExec == nil {
			lc.notify(n)
			continue
		}
		if err := lc.listenerExec.Execute(func() { lc.notify(n) }); err != nil {
			lc.logger.Warn("Removal listener executor rejected notification, delivering inline",
				slog.String("cause", n.Cause.String()),
				slog.Any("error", err))
			lc.notify(n)
		}
	}
}

func (lc *localCache[K, V]) notify(n RemovalNotification[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			lc.logger.Warn("Removal listener panicked",
				slog.String("cause", n.Cause.String()),
				slog.Any("panic", r))
		}
	}()
	lc.listener(n)
}
