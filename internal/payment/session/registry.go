package session

import (
	"sync"
	"time"
)

// Registry holds the payment views mounted in each browser session.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[registryKey]*registryEntry[T]
	now     func() time.Time
}

type registryKey struct {
	session string
	key     string
}

type registryEntry[T any] struct {
	value   T
	touched time.Time
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[registryKey]*registryEntry[T]), now: time.Now}
}

// GetOrCreate returns the view mounted under (session, key), creating it
// with create if absent. The bool reports whether it already existed.
func (r *Registry[T]) GetOrCreate(session, key string, create func() (T, error)) (T, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := registryKey{session, key}
	if e, ok := r.entries[k]; ok {
		e.touched = r.now()
		return e.value, true, nil
	}
	v, err := create()
	if err != nil {
		var zero T
		return zero, false, err
	}
	r.entries[k] = &registryEntry[T]{value: v, touched: r.now()}
	return v, false, nil
}

// Put mounts v under (session, key), replacing any previous view.
func (r *Registry[T]) Put(session, key string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[registryKey{session, key}] = &registryEntry[T]{value: v, touched: r.now()}
}

func (r *Registry[T]) Get(session, key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[registryKey{session, key}]
	if !ok {
		var zero T
		return zero, false
	}
	e.touched = r.now()
	return e.value, true
}

func (r *Registry[T]) Remove(session, key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := registryKey{session, key}
	e, ok := r.entries[k]
	if !ok {
		var zero T
		return zero, false
	}
	delete(r.entries, k)
	return e.value, true
}

// Any reports whether some view in session satisfies match. match runs
// outside the registry lock and may block.
func (r *Registry[T]) Any(session string, match func(T) bool) bool {
	r.mu.Lock()
	var views []T
	for k, e := range r.entries {
		if k.session == session {
			views = append(views, e.value)
		}
	}
	r.mu.Unlock()

	for _, v := range views {
		if match(v) {
			return true
		}
	}
	return false
}

// Sweep unmounts views untouched for longer than idle, calling evict on each.
func (r *Registry[T]) Sweep(idle time.Duration, evict func(T)) int {
	r.mu.Lock()
	cutoff := r.now().Add(-idle)
	var stale []T
	for k, e := range r.entries {
		if e.touched.Before(cutoff) {
			stale = append(stale, e.value)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, v := range stale {
		evict(v)
	}
	return len(stale)
}

// Len returns the number of mounted views.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
