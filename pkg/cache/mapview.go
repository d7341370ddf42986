package cache

import (
	"iter"
)

// MapView is a live, map-like view of a cache. Reads through the view do not
// record statistics. Iteration is weakly consistent: it never fails on
// concurrent change and may or may not observe writes made while it runs.
type MapView[K comparable, V any] struct {
	lc *localCache[K, V]
}

// Load returns the live value for key.
func (m *MapView[K, V]) Load(key K) (V, bool) {
	return m.lc.peek(key)
}

// Store sets the value for key.
func (m *MapView[K, V]) Store(key K, value V) error {
	_, _, err := m.lc.put("Store", key, value, false)
	return err
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores value and returns it. loaded reports whether the value was present.
func (m *MapView[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool, err error) {
	old, ok, err := m.lc.put("LoadOrStore", key, value, true)
	if err != nil {
		return actual, false, err
	}
	if ok {
		return old, true, nil
	}
	return value, false, nil
}

// LoadAndDelete removes key, returning its previous value if any.
func (m *MapView[K, V]) LoadAndDelete(key K) (V, bool) {
	return m.lc.remove(key)
}

// Delete removes key.
func (m *MapView[K, V]) Delete(key K) {
	m.lc.remove(key)
}

// Swap stores value and returns the previous value if any.
func (m *MapView[K, V]) Swap(key K, value V) (previous V, loaded bool, err error) {
	return m.lc.put("Swap", key, value, false)
}

// CompareAndSwap replaces the value for key only if it is currently
// equivalent to oldValue.
func (m *MapView[K, V]) CompareAndSwap(key K, oldValue, newValue V) (bool, error) {
	return m.lc.replace(key, oldValue, newValue)
}

// CompareAndDelete removes key only if its value is currently equivalent to
// oldValue.
func (m *MapView[K, V]) CompareAndDelete(key K, oldValue V) bool {
	return m.lc.removeIfEqual(key, oldValue)
}

// Range calls f for each live entry until f returns false.
func (m *MapView[K, V]) Range(f func(key K, value V) bool) {
	m.lc.all()(f)
}

// All returns an iterator over live entries.
func (m *MapView[K, V]) All() iter.Seq2[K, V] {
	return m.lc.all()
}

// Keys returns an iterator over the keys of live entries.
func (m *MapView[K, V]) Keys() iter.Seq[K] {
	return func(yield func(K) bool) {
		for k := range m.lc.all() {
			if !yield(k) {
				return
			}
		}
	}
}

// Values returns an iterator over the values of live entries.
func (m *MapView[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for _, v := range m.lc.all() {
			if !yield(v) {
				return
			}
		}
	}
}

// DeleteFunc removes every entry for which del returns true and reports how
// many were removed. An entry rewritten after del saw it is kept.
func (m *MapView[K, V]) DeleteFunc(del func(key K, value V) bool) int {
	return m.lc.removeMatching(del)
}

// Clear removes every entry.
func (m *MapView[K, V]) Clear() {
	m.lc.clear()
}

// Len returns the approximate number of entries.
func (m *MapView[K, V]) Len() int {
	return m.lc.size()
}
