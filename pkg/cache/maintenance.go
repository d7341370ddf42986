package cache

// Maintenance is amortized over ordinary operations: every write runs a
// bounded cleanup under the lock it already holds, and every 64th read tries
// to take the lock for one.

func (s *segment[K, V]) enqueueReclaimed(r reclaimedRef[K, V]) {
	s.reclaimMu.Lock()
	s.reclaimed = append(s.reclaimed, r)
	s.reclaimMu.Unlock()
}

func (s *segment[K, V]) preWriteCleanup(now int64) {
	s.runLockedCleanup(now)
}

// runLockedCleanup does one bounded round of maintenance and reports whether
// work was left over.
func (s *segment[K, V]) runLockedCleanup(now int64) bool {
	more := s.drainReclaimed()
	if s.expireEntries(now) {
		more = true
	}
	s.softenValues()
	s.readCount.Store(0)
	return more
}

func (s *segment[K, V]) postReadCleanup() {
	if s.readCount.Add(1)&drainThreshold == 0 {
		s.cleanUp(false)
	}
}

// cleanUp runs maintenance. A full cleanup waits for the lock and repeats
// until nothing is left; otherwise it gives up if the lock is busy.
func (s *segment[K, V]) cleanUp(full bool) {
	if full {
		s.lock()
	} else if !s.mu.TryLock() {
		return
	}
	defer s.unlockAndNotify()

	now := s.lc.ticker.Read()
	for more := s.runLockedCleanup(now); more && full; more = s.runLockedCleanup(now) {
	}
	s.drainRecency()
}

func (s *segment[K, V]) tryDrainReclaimed() {
	if !s.hasReclaimed() || !s.mu.TryLock() {
		return
	}
	defer s.unlockAndNotify()
	s.drainReclaimed()
}

func (s *segment[K, V]) tryExpireEntries(now int64) {
	if !s.mu.TryLock() {
		return
	}
	defer s.unlockAndNotify()
	s.expireEntries(now)
}

func (s *segment[K, V]) hasReclaimed() bool {
	s.reclaimMu.Lock()
	defer s.reclaimMu.Unlock()
	return len(s.reclaimed) > 0
}

// drainReclaimed removes entries whose key or value was collected, at most
// drainMax per call.
func (s *segment[K, V]) drainReclaimed() bool {
	s.reclaimMu.Lock()
	n := min(len(s.reclaimed), drainMax)
	if n == 0 {
		s.reclaimMu.Unlock()
		return false
	}
	batch := make([]reclaimedRef[K, V], n)
	copy(batch, s.reclaimed)
	rest := copy(s.reclaimed, s.reclaimed[n:])
	clear(s.reclaimed[rest:])
	s.reclaimed = s.reclaimed[:rest]
	s.reclaimMu.Unlock()

	for _, r := range batch {
		if !s.chainContains(r.e) {
			continue
		}
		if r.ref != nil && r.e.valueRef() != r.ref {
			continue
		}
		s.removeEntry(r.e, CauseCollected)
	}
	return rest > 0
}

// expireEntries removes expired entries from the heads of both order
// queues, at most expireMax per queue.
func (s *segment[K, V]) expireEntries(now int64) bool {
	if !s.lc.expires() {
		return false
	}
	s.drainRecency()
	more := false
	for _, q := range []*entryQueue[K, V]{&s.writeQ, &s.accessQ} {
		for i := 0; ; i++ {
			e := q.peek()
			if e == nil {
				break
			}
			if !s.lc.isExpired(e, now) {
				// A live head read more recently than its successor lost
				// that read from the recency buffer. Requeue it so the
				// entries behind it can expire.
				if q == &s.accessQ && i < expireMax && s.readOutOfOrder(e) {
					q.push(e)
					continue
				}
				break
			}
			if i == expireMax {
				more = true
				break
			}
			if !s.removeEntry(e, CauseExpired) {
				s.accessQ.remove(e)
				s.writeQ.remove(e)
			}
		}
	}
	return more
}

func (s *segment[K, V]) readOutOfOrder(e *entry[K, V]) bool {
	next := s.accessQ.after(e)
	return next != nil && e.accessTime.Load() > next.accessTime.Load()
}

// drainRecency replays buffered reads into the access queue. Entries that
// left the queue since the read are skipped.
func (s *segment[K, V]) drainRecency() {
	if s.recency == nil {
		return
	}
	for {
		select {
		case e := <-s.recency:
			if s.accessQ.contains(e) {
				s.accessQ.push(e)
			}
		default:
			return
		}
	}
}

func (s *segment[K, V]) discardRecency() {
	if s.recency == nil {
		return
	}
	for {
		select {
		case <-s.recency:
		default:
			return
		}
	}
}

// softenValues unpins soft values that went unread for a full collection
// cycle. It runs at most once per cycle.
func (s *segment[K, V]) softenValues() {
	if s.lc.valueStrength != Soft {
		return
	}
	epoch := gcEpoch.Load()
	if epoch == s.softEpoch {
		return
	}
	s.softEpoch = epoch
	b := s.buckets.Load()
	for i := range b.slots {
		for n := b.slots[i].Load(); n != nil; n = n.next {
			if sv, ok := n.e.valueRef().(softener); ok {
				sv.soften(epoch)
			}
		}
	}
}
