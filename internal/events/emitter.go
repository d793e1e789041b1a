// Package events provides a small typed subscription mechanism: listeners
// register a callback and receive a disposer to unregister. Emission happens
// synchronously in registration order, on the emitting goroutine.
package events

import "sync"

type listener[T any] struct {
	id int
	fn func(T)
}

// Emitter fans a value out to all registered listeners.
// The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners []listener[T]
}

// Subscribe registers fn and returns a disposer that unregisters it.
// The disposer is idempotent.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit calls every registered listener with v, in registration order.
// Listeners run on the caller's goroutine; callers must not hold locks
// that listener callbacks may take.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
