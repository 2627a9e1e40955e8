// Package registry provides the identity registry backing the orchestrators:
// a keyed store mapping a composite workload key to its tracked state.
//
// Keys must be comparable value types (plain structs of strings work), which
// gives structural equality for free: a key reconstructed from parsed labels
// hits the same entry as the key retained from creation. The store is not
// thread-safe; each orchestrator serializes access under its own mutex.
package registry

// Store maps comparable keys to state records. Insertion overwrites, so at
// most one entry exists per key. Keys() and Values() carry no ordering
// guarantee.
type Store[K comparable, V any] struct {
	entries map[K]V
}

// New returns an empty store.
func New[K comparable, V any]() *Store[K, V] {
	return &Store[K, V]{entries: make(map[K]V)}
}

// Get returns the value for key and whether it exists.
func (s *Store[K, V]) Get(key K) (V, bool) {
	v, ok := s.entries[key]
	return v, ok
}

// Set inserts or overwrites the value for key.
func (s *Store[K, V]) Set(key K, value V) {
	s.entries[key] = value
}

// Delete removes the entry for key, if present.
func (s *Store[K, V]) Delete(key K) {
	delete(s.entries, key)
}

// Has reports whether key is present.
func (s *Store[K, V]) Has(key K) bool {
	_, ok := s.entries[key]
	return ok
}

// Len returns the number of entries.
func (s *Store[K, V]) Len() int { return len(s.entries) }

// Keys returns all keys in unspecified order.
func (s *Store[K, V]) Keys() []K {
	out := make([]K, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Values returns all values in unspecified order.
func (s *Store[K, V]) Values() []V {
	out := make([]V, 0, len(s.entries))
	for _, v := range s.entries {
		out = append(out, v)
	}
	return out
}

// Clear removes every entry.
func (s *Store[K, V]) Clear() {
	s.entries = make(map[K]V)
}
