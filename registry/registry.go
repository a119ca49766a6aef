// Package registry provides a concurrent map used to track live connections.
// Insert and Remove report whether the call changed membership, which lets
// callers run registration and teardown side effects exactly once.
package registry

import "sync"

// Registry is a concurrent map from connection identity to connection state.
// It is safe for use by multiple goroutines: typically an accept loop
// inserting, per-connection loops removing, and broadcasters scanning.
//
// Registry must not be copied after first use.
type Registry[K comparable, V any] struct {
	m sync.Map
}

// New returns an empty Registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{}
}

// Insert stores v under k unless k is already present.
//
// Parameters:
//   - k: The identity to register
//   - v: The value to associate with k
//
// Returns:
//   - true if this call inserted the entry, false if k was already registered
func (r *Registry[K, V]) Insert(k K, v V) bool {
	_, loaded := r.m.LoadOrStore(k, v)
	return !loaded
}

// Remove deletes the entry for k. When several goroutines race to remove the
// same key exactly one of them observes true.
//
// Parameters:
//   - k: The identity to remove
//
// Returns:
//   - The removed value, or the zero value of V if k was not present
//   - true if this call removed the entry
func (r *Registry[K, V]) Remove(k K) (V, bool) {
	v, loaded := r.m.LoadAndDelete(k)
	if !loaded {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// Get returns the value registered under k.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	v, found := r.m.Load(k)
	if !found {
		var zero V
		return zero, false
	}

	return v.(V), true
}

// Has reports whether k is registered.
func (r *Registry[K, V]) Has(k K) bool {
	_, found := r.m.Load(k)
	return found
}

// Range calls f for each entry until f returns false. Entries inserted or
// removed concurrently may or may not be visited.
func (r *Registry[K, V]) Range(f func(k K, v V) bool) {
	r.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Values returns a point-in-time copy of all registered values.
func (r *Registry[K, V]) Values() []V {
	var values []V
	r.Range(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})

	return values
}

// Len returns the number of entries. It is O(n).
func (r *Registry[K, V]) Len() int {
	n := 0
	r.Range(func(K, V) bool {
		n++
		return true
	})

	return n
}
