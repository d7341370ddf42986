package cache

import (
	"context"
	"runtime"
	"sync/atomic"
	"weak"
)

// Strength selects how the cache holds keys or values.
type Strength int

const (
	// Strong holds ordinary references.
	Strong Strength = iota
	// Weak lets the collector reclaim the referent once no one else holds it.
	Weak
	// Soft keeps recently used referents alive across collections and lets
	// idle ones become weak.
	Soft
)

func (s Strength) String() string {
	switch s {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	case Soft:
		return "soft"
	default:
		return "unknown"
	}
}

type keyRef[K comparable] interface {
	get() (K, bool)
	release()
}

type keyRefFactory[K comparable] func(key K, onCollect func()) keyRef[K]

type strongKey[K comparable] struct{ key K }

func (r *strongKey[K]) get() (K, bool) { return r.key, true }
func (*strongKey[K]) release()         {}

func newStrongKey[K comparable](key K, _ func()) keyRef[K] {
	return &strongKey[K]{key: key}
}

type weakKey[T any] struct {
	ptr     weak.Pointer[T]
	cleanup runtime.Cleanup
}

func (r *weakKey[T]) get() (*T, bool) {
	p := r.ptr.Value()
	return p, p != nil
}

func (r *weakKey[T]) release() { r.cleanup.Stop() }

func newWeakKey[T any](key *T, onCollect func()) keyRef[*T] {
	r := &weakKey[T]{ptr: weak.Make(key)}
	r.cleanup = runtime.AddCleanup(key, runCleanup, onCollect)
	return r
}

func runCleanup(f func()) { f() }

// valueRef is the capability set shared by every value holder: a strong,
// weak or soft reference, or a placeholder for an in-flight load.
type valueRef[V any] interface {
	// get returns the value, or false when it was collected or a load has
	// no previous value to serve.
	get() (V, bool)
	weight() uint32
	isLoading() bool
	// isActive is false only for a load placeholder without a previous
	// value; such entries do not count toward the size.
	isActive() bool
	release()
}

type valueRefFactory[V any] func(value V, weight uint32, onCollect func(valueRef[V])) valueRef[V]

type strongValue[V any] struct {
	value V
	w     uint32
}

func (r *strongValue[V]) get() (V, bool)  { return r.value, true }
func (r *strongValue[V]) weight() uint32  { return r.w }
func (*strongValue[V]) isLoading() bool   { return false }
func (*strongValue[V]) isActive() bool    { return true }
func (*strongValue[V]) release()          {}

func newStrongValue[V any](value V, weight uint32, _ func(valueRef[V])) valueRef[V] {
	return &strongValue[V]{value: value, w: weight}
}

type weakValue[T any] struct {
	ptr     weak.Pointer[T]
	w       uint32
	cleanup runtime.Cleanup
}

func (r *weakValue[T]) get() (*T, bool) {
	p := r.ptr.Value()
	return p, p != nil
}

func (r *weakValue[T]) weight() uint32 { return r.w }
func (*weakValue[T]) isLoading() bool  { return false }
func (*weakValue[T]) isActive() bool   { return true }
func (r *weakValue[T]) release()       { r.cleanup.Stop() }

func newWeakValue[T any](value *T, weight uint32, onCollect func(valueRef[*T])) valueRef[*T] {
	r := &weakValue[T]{ptr: weak.Make(value), w: weight}
	r.cleanup = runtime.AddCleanup(value, runCleanup, func() { onCollect(r) })
	return r
}

// softValue pins its referent with a strong pointer. Maintenance drops the
// pin once the referent has gone a full collection cycle without a read,
// after which the value behaves like a weak one until read again.
type softValue[T any] struct {
	weakValue[T]
	pin     atomic.Pointer[T]
	lastUse atomic.Uint32
}

func (r *softValue[T]) get() (*T, bool) {
	p := r.pin.Load()
	if p == nil {
		if p = r.ptr.Value(); p == nil {
			return nil, false
		}
		r.pin.Store(p)
	}
	r.lastUse.Store(gcEpoch.Load())
	return p, true
}

func (r *softValue[T]) soften(epoch uint32) {
	if epoch-r.lastUse.Load() > 1 {
		r.pin.Store(nil)
	}
}

type softener interface {
	soften(epoch uint32)
}

func newSoftValue[T any](value *T, weight uint32, onCollect func(valueRef[*T])) valueRef[*T] {
	r := &softValue[T]{weakValue: weakValue[T]{ptr: weak.Make(value), w: weight}}
	r.pin.Store(value)
	r.lastUse.Store(gcEpoch.Load())
	r.cleanup = runtime.AddCleanup(value, runCleanup, func() { onCollect(r) })
	return r
}

// gcEpoch counts completed garbage collections, observed through a sentinel
// allocation whose cleanup re-arms itself.
var gcEpoch atomic.Uint32

type gcSentinel struct {
	_ [32]byte
}

func init() {
	armGCSentinel()
}

func armGCSentinel() {
	runtime.AddCleanup(new(gcSentinel), func(struct{}) {
		gcEpoch.Add(1)
		armGCSentinel()
	}, struct{}{})
}

// loadingValue stands in for an entry while a load or refresh runs. Readers
// keep seeing the previous value, if any; waiters block on done.
type loadingValue[V any] struct {
	old  valueRef[V]
	done chan struct{}

	value V
	err   error
}

func newLoadingValue[V any](old valueRef[V]) *loadingValue[V] {
	return &loadingValue[V]{old: old, done: make(chan struct{})}
}

func (l *loadingValue[V]) get() (V, bool) {
	if l.old == nil {
		var zero V
		return zero, false
	}
	return l.old.get()
}

func (l *loadingValue[V]) weight() uint32 {
	if l.old == nil {
		return 0
	}
	return l.old.weight()
}

func (*loadingValue[V]) isLoading() bool { return true }

func (l *loadingValue[V]) isActive() bool {
	return l.old != nil && l.old.isActive()
}

func (l *loadingValue[V]) release() {
	if l.old != nil {
		l.old.release()
	}
}

func (l *loadingValue[V]) complete(value V, err error) {
	l.value, l.err = value, err
	close(l.done)
}

func (l *loadingValue[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-l.done:
		return l.value, l.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
