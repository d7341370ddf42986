package cache

import (
	"hash/maphash"
	"reflect"
)

// Equivalence decides key identity for a cache. Equal and Hash must agree:
// equal values must hash equally.
type Equivalence[T any] interface {
	Equal(a, b T) bool
	Hash(v T) uint64
}

type funcEquivalence[T any] struct {
	equal func(a, b T) bool
	hash  func(v T) uint64
}

func (f funcEquivalence[T]) Equal(a, b T) bool { return f.equal(a, b) }
func (f funcEquivalence[T]) Hash(v T) uint64    { return f.hash(v) }

// NewEquivalence builds an Equivalence from a pair of functions.
func NewEquivalence[T any](equal func(a, b T) bool, hash func(v T) uint64) Equivalence[T] {
	return funcEquivalence[T]{equal: equal, hash: hash}
}

// comparableEquivalence uses == and maphash. For pointer keys this is
// identity, which is what weakly held keys require.
type comparableEquivalence[K comparable] struct {
	seed maphash.Seed
}

func (c comparableEquivalence[K]) Equal(a, b K) bool { return a == b }
func (c comparableEquivalence[K]) Hash(v K) uint64    { return maphash.Comparable(c.seed, v) }

func defaultKeyEquivalence[K comparable]() Equivalence[K] {
	return comparableEquivalence[K]{seed: maphash.MakeSeed()}
}

func deepEqual[V any](a, b V) bool {
	return reflect.DeepEqual(a, b)
}

// spread folds a 64-bit hash to 32 bits and applies a supplemental mix so
// that poor user hashes still spread over both segment and bucket bits.
func spread(h64 uint64) uint32 {
	h := uint32(h64) ^ uint32(h64>>32)
	h += (h << 15) ^ 0xffffcd7d
	h ^= h >> 10
	h += h << 3
	h ^= h >> 6
	h += (h << 2) + (h << 14)
	return h ^ (h >> 16)
}

// nilCheck returns a predicate reporting nil for nillable kinds, or nil when
// T can never be nil.
func nilCheck[T any]() func(T) bool {
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan,
		reflect.Interface, reflect.UnsafePointer:
	default:
		return nil
	}
	return func(v T) bool {
		a := any(v)
		if a == nil {
			return true
		}
		rv := reflect.ValueOf(a)
		switch rv.Kind() {
		case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan,
			reflect.Interface, reflect.UnsafePointer:
			return rv.IsNil()
		}
		return false
	}
}
