// Package correlation tracks requests awaiting an asynchronous reply.
//
// A Registry maps a correlation key to the state of one pending request.
// Removal is the completion primitive: whichever caller removes an entry owns
// its terminal outcome, so a request completes at most once no matter how
// many replies, timeouts or failures race for it.
package correlation

import (
	"sync"
	"sync/atomic"
)

// Registry is a mutex-guarded map of pending requests. The zero value is not
// usable; construct with New.
type Registry[K comparable, V any] struct {
	next atomic.Uint64

	mu      sync.Mutex
	entries map[K]V
}

// New returns an empty registry.
func New[K comparable, V any]() *Registry[K, V] {
	return &Registry[K, V]{entries: make(map[K]V)}
}

// NextID returns a fresh numeric ID. IDs start at 0 and never repeat for the
// lifetime of the registry.
func (r *Registry[K, V]) NextID() uint64 {
	return r.next.Add(1) - 1
}

// Put registers v under k. It returns false without modifying the registry
// if k is already pending.
func (r *Registry[K, V]) Put(k K, v V) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[k]; ok {
		return false
	}
	r.entries[k] = v
	return true
}

// Get returns the entry for k without removing it.
func (r *Registry[K, V]) Get(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[k]
	return v, ok
}

// Take removes and returns the entry for k. Only one caller ever observes
// ok == true for a given registration.
func (r *Registry[K, V]) Take(k K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[k]
	if ok {
		delete(r.entries, k)
	}
	return v, ok
}

// Update runs fn on the entry for k while holding the registry lock. If fn
// returns true the entry is removed in the same critical section and done is
// true. ok is false when no entry exists for k, in which case fn is not called.
func (r *Registry[K, V]) Update(k K, fn func(v V) bool) (v V, done, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok = r.entries[k]
	if !ok {
		return v, false, false
	}
	if fn(v) {
		delete(r.entries, k)
		return v, true, true
	}
	return v, false, true
}

// Len returns the number of pending entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
