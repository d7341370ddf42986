package cache

import (
	"sync"
	"sync/atomic"
)

const (
	// drainThreshold makes every 64th read attempt a cleanup.
	drainThreshold = 0x3F
	// drainMax bounds reclaimed references processed per cleanup.
	drainMax = 16
	// expireMax bounds expirations per queue per cleanup.
	expireMax = 128
	// recencyBufferSize bounds buffered reads awaiting reordering. Reads
	// that find the buffer full are dropped from the recency order.
	recencyBufferSize = 128
)

// segment owns a power-of-two bucket table and the order queues for a slice
// of the hash space. Writes serialize on mu; reads walk immutable chains.
type segment[K comparable, V any] struct {
	mu sync.Mutex
	lc *localCache[K, V]

	buckets atomic.Pointer[bucketArray[K, V]]
	// count is the number of entries with a live or previous value, written
	// under mu and readable without it.
	count     atomic.Int64
	threshold int

	// guarded by mu
	totalWeight int64
	maxWeight   int64
	accessQ     entryQueue[K, V]
	writeQ      entryQueue[K, V]
	pending     []RemovalNotification[K, V]
	evicted     []uint32
	softEpoch   uint32

	recency   chan *entry[K, V]
	readCount atomic.Int32

	reclaimMu sync.Mutex
	reclaimed []reclaimedRef[K, V]
}

// reclaimedRef is a key or value the collector reclaimed. ref is nil for a
// reclaimed key.
type reclaimedRef[K comparable, V any] struct {
	e   *entry[K, V]
	ref valueRef[V]
}

func newSegment[K comparable, V any](lc *localCache[K, V], capacity int, maxWeight int64) *segment[K, V] {
	s := &segment[K, V]{
		lc:        lc,
		maxWeight: maxWeight,
	}
	s.accessQ.init(accessOrder)
	s.writeQ.init(writeOrder)
	if lc.usesAccessQueue() {
		s.recency = make(chan *entry[K, V], recencyBufferSize)
	}
	s.setTable(newBucketArray[K, V](capacity))
	return s
}

func (s *segment[K, V]) setTable(b *bucketArray[K, V]) {
	s.threshold = len(b.slots) * 3 / 4
	if int64(s.threshold) == s.maxWeight {
		s.threshold++
	}
	s.buckets.Store(b)
}

func (s *segment[K, V]) lock() {
	s.mu.Lock()
}

// unlockAndNotify releases the lock and then records the evictions and
// delivers the notifications the critical section queued.
func (s *segment[K, V]) unlockAndNotify() {
	pending, evicted := s.pending, s.evicted
	s.pending, s.evicted = nil, nil
	s.mu.Unlock()
	for _, w := range evicted {
		s.lc.stats.RecordEviction(w)
	}
	if len(pending) > 0 {
		s.lc.dispatch(pending)
	}
}

// getEntry walks the chain for hash without locking.
func (s *segment[K, V]) getEntry(key K, hash uint32) *entry[K, V] {
	for n := s.buckets.Load().slot(hash).Load(); n != nil; n = n.next {
		e := n.e
		if e.hash != hash {
			continue
		}
		k, ok := e.key.get()
		if !ok {
			s.tryDrainReclaimed()
			continue
		}
		if s.lc.keyEq.Equal(k, key) {
			return e
		}
	}
	return nil
}

// findLocked is getEntry for callers holding mu.
func (s *segment[K, V]) findLocked(key K, hash uint32) *entry[K, V] {
	for n := s.buckets.Load().slot(hash).Load(); n != nil; n = n.next {
		e := n.e
		if e.hash != hash {
			continue
		}
		if k, ok := e.key.get(); ok && s.lc.keyEq.Equal(k, key) {
			return e
		}
	}
	return nil
}

func (s *segment[K, V]) chainContains(e *entry[K, V]) bool {
	for n := s.buckets.Load().slot(e.hash).Load(); n != nil; n = n.next {
		if n.e == e {
			return true
		}
	}
	return false
}

// getLiveValue returns the value if it is present, not collected and not
// expired, opportunistically cleaning up otherwise.
func (s *segment[K, V]) getLiveValue(e *entry[K, V], now int64) (V, bool) {
	v, ok := e.valueRef().get()
	if !ok {
		s.tryDrainReclaimed()
		return v, false
	}
	if s.lc.isExpired(e, now) {
		s.tryExpireEntries(now)
		var zero V
		return zero, false
	}
	return v, true
}

func (s *segment[K, V]) get(key K, hash uint32) (V, bool) {
	defer s.postReadCleanup()

	var zero V
	if s.count.Load() == 0 {
		return zero, false
	}
	e := s.getEntry(key, hash)
	if e == nil {
		return zero, false
	}
	now := s.lc.ticker.Read()
	v, ok := s.getLiveValue(e, now)
	if !ok {
		return zero, false
	}
	s.recordRead(e, now)
	if s.lc.defaultLoader != nil {
		return s.scheduleRefresh(e, key, hash, v, now, s.lc.defaultLoader), true
	}
	return v, true
}

func (s *segment[K, V]) newEntry(key K, hash uint32) *entry[K, V] {
	e := &entry[K, V]{hash: hash}
	var onCollect func()
	if s.lc.keyStrength != Strong {
		onCollect = func() { s.enqueueReclaimed(reclaimedRef[K, V]{e: e}) }
	}
	e.key = s.lc.newKeyRef(key, onCollect)
	return e
}

// link publishes e at the head of its bucket chain.
func (s *segment[K, V]) link(e *entry[K, V]) {
	slot := s.buckets.Load().slot(e.hash)
	slot.Store(&node[K, V]{e: e, next: slot.Load()})
}

// unlink republishes e's chain without e. Nodes ahead of e are copied so
// concurrent readers keep a consistent view of the old chain.
func (s *segment[K, V]) unlink(e *entry[K, V]) bool {
	slot := s.buckets.Load().slot(e.hash)
	var prefix []*entry[K, V]
	for n := slot.Load(); n != nil; n = n.next {
		if n.e != e {
			prefix = append(prefix, n.e)
			continue
		}
		head := n.next
		for i := len(prefix) - 1; i >= 0; i-- {
			head = &node[K, V]{e: prefix[i], next: head}
		}
		slot.Store(head)
		return true
	}
	return false
}

// expand doubles the table. Readers holding the old table keep seeing a
// complete, if stale, snapshot.
func (s *segment[K, V]) expand() {
	old := s.buckets.Load()
	if len(old.slots) >= maximumCapacity {
		return
	}
	grown := newBucketArray[K, V](len(old.slots) * 2)
	for i := range old.slots {
		for n := old.slots[i].Load(); n != nil; n = n.next {
			slot := grown.slot(n.e.hash)
			slot.Store(&node[K, V]{e: n.e, next: slot.Load()})
		}
	}
	s.setTable(grown)
}

func (s *segment[K, V]) setValue(e *entry[K, V], value V, weight uint32, now int64) {
	prev := e.valueRef()
	var onCollect func(valueRef[V])
	if s.lc.valueStrength != Strong {
		onCollect = func(r valueRef[V]) { s.enqueueReclaimed(reclaimedRef[K, V]{e: e, ref: r}) }
	}
	e.setValueRef(s.lc.newValueRef(value, weight, onCollect))
	if prev != nil {
		prev.release()
	}
	s.recordWrite(e, weight, now)
}

// enqueueNotification accounts for a value leaving the cache and queues its
// notification for delivery after unlock.
func (s *segment[K, V]) enqueueNotification(key K, value V, weight uint32, cause RemovalCause) {
	s.totalWeight -= int64(weight)
	if cause.WasEvicted() {
		s.evicted = append(s.evicted, weight)
	}
	if s.lc.listener != nil {
		s.pending = append(s.pending, RemovalNotification[K, V]{Key: key, Value: value, Cause: cause})
	}
}

// removeEntry unlinks e and notifies for its value, if it had one.
func (s *segment[K, V]) removeEntry(e *entry[K, V], cause RemovalCause) bool {
	if !s.unlink(e) {
		return false
	}
	vr := e.valueRef()
	if vr.isActive() {
		k, _ := e.key.get()
		v, _ := vr.get()
		s.enqueueNotification(k, v, vr.weight(), cause)
		s.count.Add(-1)
	}
	s.accessQ.remove(e)
	s.writeQ.remove(e)
	e.key.release()
	vr.release()
	return true
}

func (s *segment[K, V]) put(key K, hash uint32, value V, weight uint32, onlyIfAbsent bool) (V, bool) {
	s.lock()
	defer s.unlockAndNotify()

	now := s.lc.ticker.Read()
	s.preWriteCleanup(now)

	var zero V
	if s.count.Load()+1 > int64(s.threshold) {
		s.expand()
	}

	e := s.findLocked(key, hash)
	if e == nil {
		e = s.newEntry(key, hash)
		s.setValue(e, value, weight, now)
		s.link(e)
		s.count.Add(1)
		s.evictEntries(e)
		return zero, false
	}

	vr := e.valueRef()
	old, ok := vr.get()
	if !ok {
		if vr.isActive() {
			s.enqueueNotification(key, old, vr.weight(), CauseCollected)
		} else {
			// An in-flight load had no value yet; its result will be discarded.
			s.count.Add(1)
		}
		s.setValue(e, value, weight, now)
		s.evictEntries(e)
		return zero, false
	}
	if onlyIfAbsent {
		s.recordLockedRead(e, now)
		return old, true
	}
	s.enqueueNotification(key, old, vr.weight(), CauseReplaced)
	s.setValue(e, value, weight, now)
	s.evictEntries(e)
	return old, true
}

func (s *segment[K, V]) replace(key K, hash uint32, oldValue, newValue V, weight uint32) bool {
	s.lock()
	defer s.unlockAndNotify()

	now := s.lc.ticker.Read()
	s.preWriteCleanup(now)

	e := s.findLocked(key, hash)
	if e == nil {
		return false
	}
	vr := e.valueRef()
	current, ok := vr.get()
	if !ok {
		if vr.isActive() {
			s.removeEntry(e, CauseCollected)
		}
		return false
	}
	if !s.lc.valueEq(current, oldValue) {
		s.recordLockedRead(e, now)
		return false
	}
	s.enqueueNotification(key, current, vr.weight(), CauseReplaced)
	s.setValue(e, newValue, weight, now)
	s.evictEntries(e)
	return true
}

func (s *segment[K, V]) remove(key K, hash uint32) (V, bool) {
	s.lock()
	defer s.unlockAndNotify()

	s.preWriteCleanup(s.lc.ticker.Read())

	var zero V
	e := s.findLocked(key, hash)
	if e == nil {
		return zero, false
	}
	vr := e.valueRef()
	v, ok := vr.get()
	switch {
	case ok:
		s.removeEntry(e, CauseExplicit)
		return v, true
	case vr.isActive():
		s.removeEntry(e, CauseCollected)
	default:
		// Hide the in-flight load so later callers start their own.
		s.unlink(e)
		e.key.release()
	}
	return zero, false
}

func (s *segment[K, V]) removeIfEqual(key K, hash uint32, value V) bool {
	s.lock()
	defer s.unlockAndNotify()

	s.preWriteCleanup(s.lc.ticker.Read())

	e := s.findLocked(key, hash)
	if e == nil {
		return false
	}
	vr := e.valueRef()
	current, ok := vr.get()
	switch {
	case ok && s.lc.valueEq(current, value):
		return s.removeEntry(e, CauseExplicit)
	case !ok && vr.isActive():
		s.removeEntry(e, CauseCollected)
	}
	return false
}

// removeIfRef removes e only while it still holds ref.
func (s *segment[K, V]) removeIfRef(e *entry[K, V], ref valueRef[V]) bool {
	s.lock()
	defer s.unlockAndNotify()

	if e.valueRef() != ref || !s.chainContains(e) {
		return false
	}
	return s.removeEntry(e, CauseExplicit)
}

func (s *segment[K, V]) clear() {
	s.lock()
	defer s.unlockAndNotify()

	b := s.buckets.Load()
	for i := range b.slots {
		for n := b.slots[i].Load(); n != nil; n = n.next {
			e := n.e
			vr := e.valueRef()
			if vr.isActive() {
				k, kok := e.key.get()
				v, vok := vr.get()
				cause := CauseExplicit
				if !kok || !vok {
					cause = CauseCollected
				}
				s.enqueueNotification(k, v, vr.weight(), cause)
			}
			e.key.release()
			vr.release()
		}
		b.slots[i].Store(nil)
	}
	s.accessQ.clear()
	s.writeQ.clear()
	s.discardRecency()
	s.reclaimMu.Lock()
	s.reclaimed = nil
	s.reclaimMu.Unlock()
	s.count.Store(0)
	s.totalWeight = 0
	s.readCount.Store(0)
}

// each visits live entries without locking. fn returning false stops the
// walk, and each reports whether the walk ran to completion.
func (s *segment[K, V]) each(now int64, fn func(e *entry[K, V], ref valueRef[V], key K, value V) bool) bool {
	if s.count.Load() == 0 {
		return true
	}
	b := s.buckets.Load()
	for i := range b.slots {
		for n := b.slots[i].Load(); n != nil; n = n.next {
			e := n.e
			k, ok := e.key.get()
			if !ok {
				continue
			}
			vr := e.valueRef()
			v, ok := vr.get()
			if !ok || s.lc.isExpired(e, now) {
				continue
			}
			if !fn(e, vr, k, v) {
				return false
			}
		}
	}
	return true
}

func (s *segment[K, V]) recordRead(e *entry[K, V], now int64) {
	e.accessTime.Store(now)
	if s.recency == nil {
		return
	}
	select {
	case s.recency <- e:
	default:
	}
}

func (s *segment[K, V]) recordLockedRead(e *entry[K, V], now int64) {
	e.accessTime.Store(now)
	if s.lc.usesAccessQueue() {
		s.accessQ.push(e)
	}
}

func (s *segment[K, V]) recordWrite(e *entry[K, V], weight uint32, now int64) {
	s.drainRecency()
	s.totalWeight += int64(weight)
	e.accessTime.Store(now)
	e.writeTime.Store(now)
	if s.lc.usesAccessQueue() {
		s.accessQ.push(e)
	}
	if s.lc.usesWriteQueue() {
		s.writeQ.push(e)
	}
}

// evictEntries removes least recently used entries until the segment is
// within its weight bound. newest goes first if it alone exceeds the bound.
func (s *segment[K, V]) evictEntries(newest *entry[K, V]) {
	if !s.lc.evictsBySize {
		return
	}
	s.drainRecency()

	if int64(newest.valueRef().weight()) > s.maxWeight {
		s.removeEntry(newest, CauseSize)
	}
	for s.totalWeight > s.maxWeight {
		e := s.nextEvictable()
		if e == nil {
			return
		}
		if !s.removeEntry(e, CauseSize) {
			s.accessQ.remove(e)
			s.writeQ.remove(e)
		}
	}
}

func (s *segment[K, V]) nextEvictable() *entry[K, V] {
	for e := s.accessQ.peek(); e != nil; e = s.accessQ.after(e) {
		if e.valueRef().weight() > 0 {
			return e
		}
	}
	return nil
}
