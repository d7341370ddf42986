package cache

import (
	"context"
	"log/slog"

	"github.com/c360/segcache/errors"
)

// getOrLoad returns the cached value or loads it once per key no matter how
// many goroutines ask concurrently.
func (s *segment[K, V]) getOrLoad(ctx context.Context, key K, hash uint32, loader Loader[K, V]) (V, error) {
	defer s.postReadCleanup()

	if s.count.Load() != 0 {
		if e := s.getEntry(key, hash); e != nil {
			now := s.lc.ticker.Read()
			if v, ok := s.getLiveValue(e, now); ok {
				s.recordRead(e, now)
				s.lc.stats.RecordHits(1)
				return s.scheduleRefresh(e, key, hash, v, now, loader), nil
			}
			if l, ok := e.valueRef().(*loadingValue[V]); ok {
				return s.waitForLoadingValue(ctx, e, l)
			}
		}
	}
	return s.lockedGetOrLoad(ctx, key, hash, loader)
}

func (s *segment[K, V]) lockedGetOrLoad(ctx context.Context, key K, hash uint32, loader Loader[K, V]) (V, error) {
	var (
		e           *entry[K, V]
		placeholder *loadingValue[V]
		inFlight    *loadingValue[V]
		hit         bool
		value       V
	)

	func() {
		s.lock()
		defer s.unlockAndNotify()

		now := s.lc.ticker.Read()
		s.preWriteCleanup(now)

		e = s.findLocked(key, hash)
		if e != nil {
			vr := e.valueRef()
			if l, ok := vr.(*loadingValue[V]); ok {
				inFlight = l
				return
			}
			v, ok := vr.get()
			switch {
			case !ok:
				s.enqueueNotification(key, v, vr.weight(), CauseCollected)
			case s.lc.isExpired(e, now):
				s.enqueueNotification(key, v, vr.weight(), CauseExpired)
			default:
				s.recordLockedRead(e, now)
				hit, value = true, v
				return
			}
			// The dead entry is reused for the load.
			s.accessQ.remove(e)
			s.writeQ.remove(e)
			s.count.Add(-1)
		}

		placeholder = newLoadingValue[V](nil)
		if e == nil {
			e = s.newEntry(key, hash)
			e.setValueRef(placeholder)
			s.link(e)
			return
		}
		prev := e.valueRef()
		e.setValueRef(placeholder)
		prev.release()
	}()

	switch {
	case hit:
		s.lc.stats.RecordHits(1)
		return value, nil
	case inFlight != nil:
		return s.waitForLoadingValue(ctx, e, inFlight)
	}
	s.lc.stats.RecordMisses(1)
	return s.loadSync(ctx, key, hash, placeholder, loader)
}

// waitForLoadingValue blocks until another goroutine's load completes or ctx
// is done. Abandoning the wait does not cancel the load.
func (s *segment[K, V]) waitForLoadingValue(ctx context.Context, e *entry[K, V], l *loadingValue[V]) (V, error) {
	s.lc.stats.RecordMisses(1)
	v, err := l.wait(ctx)
	if err != nil {
		if ctx.Err() != nil && err == ctx.Err() {
			return v, errors.WrapTransient(err, "Cache", "Get", "wait for in-flight load")
		}
		return v, err
	}
	s.recordRead(e, s.lc.ticker.Read())
	return v, nil
}

func (s *segment[K, V]) loadSync(ctx context.Context, key K, hash uint32, l *loadingValue[V], loader Loader[K, V]) (V, error) {
	start := s.lc.ticker.Read()
	old, hasOld := l.get()
	v, err := s.lc.callLoader(ctx, loader, key, old, hasOld)
	return s.completeLoad(key, hash, l, v, err, start)
}

// completeLoad records the outcome, publishes it to the cache and then
// releases every waiter.
func (s *segment[K, V]) completeLoad(key K, hash uint32, l *loadingValue[V], v V, err error, start int64) (V, error) {
	var zero V
	var w uint32
	if err == nil {
		w, err = s.lc.weigh(key, v)
	}
	loadTime := elapsed(start, s.lc.ticker.Read())
	if err != nil {
		s.lc.stats.RecordLoadException(loadTime)
		lerr := &LoadError{Key: key, Err: err}
		s.removeLoadingValue(key, hash, l)
		l.complete(zero, lerr)
		return zero, lerr
	}
	s.lc.stats.RecordLoadSuccess(loadTime)
	s.storeLoadedValue(key, hash, l, v, w)
	l.complete(v, nil)
	return v, nil
}

// storeLoadedValue installs a loaded value if the placeholder is still the
// entry's current value. A placeholder that was replaced or invalidated
// loses: the value is handed to its waiters only and reported as removed.
func (s *segment[K, V]) storeLoadedValue(key K, hash uint32, l *loadingValue[V], value V, weight uint32) bool {
	s.lock()
	defer s.unlockAndNotify()

	now := s.lc.ticker.Read()
	s.preWriteCleanup(now)

	if s.count.Load()+1 > int64(s.threshold) {
		s.expand()
	}

	e := s.findLocked(key, hash)
	if e == nil || e.valueRef() != valueRef[V](l) {
		cause := CauseExplicit
		if e != nil {
			cause = CauseReplaced
		}
		s.enqueueNotification(key, value, 0, cause)
		return false
	}

	if l.isActive() {
		old, ok := l.old.get()
		cause := CauseReplaced
		if !ok {
			cause = CauseCollected
		}
		s.enqueueNotification(key, old, l.old.weight(), cause)
	} else {
		s.count.Add(1)
	}
	s.setValue(e, value, weight, now)
	s.evictEntries(e)
	return true
}

// removeLoadingValue backs out a failed load, restoring the previous value
// of a refresh.
func (s *segment[K, V]) removeLoadingValue(key K, hash uint32, l *loadingValue[V]) {
	s.lock()
	defer s.unlockAndNotify()

	e := s.findLocked(key, hash)
	if e == nil || e.valueRef() != valueRef[V](l) {
		return
	}
	if l.old != nil {
		e.setValueRef(l.old)
		return
	}
	s.unlink(e)
	e.key.release()
}

// scheduleRefresh starts a background reload when the entry is older than
// the refresh interval. The caller always gets oldValue.
func (s *segment[K, V]) scheduleRefresh(e *entry[K, V], key K, hash uint32, oldValue V, now int64, loader Loader[K, V]) V {
	if s.lc.refreshes() && now-e.writeTime.Load() > s.lc.refreshAfterWrite && !e.valueRef().isLoading() {
		s.refresh(context.Background(), key, hash, loader, true)
	}
	return oldValue
}

// refresh reloads key asynchronously. It returns the placeholder to wait on,
// which may belong to a load already in flight, or nil when checkTime found
// the entry fresh.
func (s *segment[K, V]) refresh(ctx context.Context, key K, hash uint32, loader Loader[K, V], checkTime bool) *loadingValue[V] {
	l, started := s.insertLoadingValue(key, hash, checkTime)
	if !started {
		return l
	}

	ctx = context.WithoutCancel(ctx)
	start := s.lc.ticker.Read()
	err := s.lc.refreshExec.Execute(func() {
		old, hasOld := l.get()
		v, err := s.lc.callLoader(ctx, loader, key, old, hasOld)
		if _, err := s.completeLoad(key, hash, l, v, err, start); err != nil {
			s.lc.logger.Warn("Cache refresh failed", slog.Any("key", key), slog.Any("error", err))
		}
	})
	if err != nil {
		s.lc.logger.Warn("Cache refresh rejected by executor", slog.Any("key", key), slog.Any("error", err))
		var zero V
		s.removeLoadingValue(key, hash, l)
		l.complete(zero, &LoadError{Key: key, Err: errors.WrapTransient(err, "Cache", "Refresh", "submit refresh")})
	}
	return l
}

// insertLoadingValue installs a refresh placeholder. started is false when a
// load is already in flight, returned instead, or when checkTime finds the
// entry was written too recently.
func (s *segment[K, V]) insertLoadingValue(key K, hash uint32, checkTime bool) (l *loadingValue[V], started bool) {
	s.lock()
	defer s.unlockAndNotify()

	now := s.lc.ticker.Read()
	s.preWriteCleanup(now)

	e := s.findLocked(key, hash)
	if e == nil {
		l = newLoadingValue[V](nil)
		e = s.newEntry(key, hash)
		e.setValueRef(l)
		s.link(e)
		return l, true
	}
	vr := e.valueRef()
	if inFlight, ok := vr.(*loadingValue[V]); ok {
		return inFlight, false
	}
	if checkTime && now-e.writeTime.Load() <= s.lc.refreshAfterWrite {
		return nil, false
	}
	l = newLoadingValue(vr)
	e.setValueRef(l)
	return l, true
}
