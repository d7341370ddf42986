package cache

import (
	"sync/atomic"
)

const (
	accessOrder = iota
	writeOrder
)

// entry is the stable handle for one key. Bucket chains and the order queues
// point at it; chains are rebuilt on change, entries are not.
type entry[K comparable, V any] struct {
	key  keyRef[K]
	hash uint32
	ref  atomic.Pointer[refBox[V]]

	accessTime atomic.Int64
	writeTime  atomic.Int64

	// guarded by the owning segment's lock
	links [2]queueLinks[K, V]
}

type refBox[V any] struct {
	ref valueRef[V]
}

type queueLinks[K comparable, V any] struct {
	prev, next *entry[K, V]
}

func (e *entry[K, V]) valueRef() valueRef[V] {
	if b := e.ref.Load(); b != nil {
		return b.ref
	}
	return nil
}

func (e *entry[K, V]) setValueRef(r valueRef[V]) {
	e.ref.Store(&refBox[V]{ref: r})
}

// node is an immutable bucket chain link. Writers replace nodes instead of
// mutating them, so readers can walk a chain without the segment lock.
type node[K comparable, V any] struct {
	e    *entry[K, V]
	next *node[K, V]
}

type bucketArray[K comparable, V any] struct {
	slots []atomic.Pointer[node[K, V]]
}

func newBucketArray[K comparable, V any](n int) *bucketArray[K, V] {
	return &bucketArray[K, V]{slots: make([]atomic.Pointer[node[K, V]], n)}
}

func (b *bucketArray[K, V]) slot(hash uint32) *atomic.Pointer[node[K, V]] {
	return &b.slots[int(hash&uint32(len(b.slots)-1))]
}

// entryQueue is a circular doubly linked list threaded through one of the
// entry link pairs, with an embedded sentinel. The head is the eldest entry.
type entryQueue[K comparable, V any] struct {
	sentinel entry[K, V]
	order    int
}

func (q *entryQueue[K, V]) init(order int) {
	q.order = order
	q.sentinel.links[order] = queueLinks[K, V]{prev: &q.sentinel, next: &q.sentinel}
}

func (q *entryQueue[K, V]) contains(e *entry[K, V]) bool {
	return e.links[q.order].next != nil
}

// push appends e at the tail, moving it if already queued.
func (q *entryQueue[K, V]) push(e *entry[K, V]) {
	q.remove(e)
	last := q.sentinel.links[q.order].prev
	last.links[q.order].next = e
	e.links[q.order] = queueLinks[K, V]{prev: last, next: &q.sentinel}
	q.sentinel.links[q.order].prev = e
}

func (q *entryQueue[K, V]) remove(e *entry[K, V]) bool {
	l := e.links[q.order]
	if l.next == nil {
		return false
	}
	l.prev.links[q.order].next = l.next
	l.next.links[q.order].prev = l.prev
	e.links[q.order] = queueLinks[K, V]{}
	return true
}

func (q *entryQueue[K, V]) peek() *entry[K, V] {
	return q.after(&q.sentinel)
}

func (q *entryQueue[K, V]) after(e *entry[K, V]) *entry[K, V] {
	next := e.links[q.order].next
	if next == &q.sentinel {
		return nil
	}
	return next
}

func (q *entryQueue[K, V]) clear() {
	for e := q.peek(); e != nil; {
		next := q.after(e)
		e.links[q.order] = queueLinks[K, V]{}
		e = next
	}
	q.init(q.order)
}

func (q *entryQueue[K, V]) len() int {
	n := 0
	for e := q.peek(); e != nil; e = q.after(e) {
		n++
	}
	return n
}
