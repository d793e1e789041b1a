// Package undo implements a bounded two-stack undo/redo journal. The manager
// stores opaque operation descriptors supplied by the caller and never
// interprets them; applying inverses is the caller's job.
package undo

import "sync"

// DefaultLimit is the per-stack capacity when none is given.
const DefaultLimit = 100

// Manager holds the undo and redo stacks. All methods are safe for
// concurrent use.
//
// The replay flag set by PopUndo/PopRedo and cleared by Finish exists for one
// reason: applying an inverse goes through the same mutation paths that
// record operations, and the act of undoing must not record itself as a new
// operation. Push is a no-op while the flag is set.
type Manager[T any] struct {
	mu        sync.Mutex
	undo      []T
	redo      []T
	limit     int
	replaying bool
}

// NewManager creates a manager with the given per-stack capacity.
// A non-positive limit selects DefaultLimit.
func NewManager[T any](limit int) *Manager[T] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager[T]{limit: limit}
}

// Push records op on the undo stack and clears the redo stack, since a new
// edit invalidates any redo chain. When the stack is full the oldest entry
// is evicted. Push reports whether the operation was recorded; it never
// records while a replay is in progress.
func (m *Manager[T]) Push(op T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaying {
		return false
	}
	if len(m.undo) >= m.limit {
		m.undo = m.undo[1:]
	}
	m.undo = append(m.undo, op)
	m.redo = m.redo[:0]
	return true
}

// PopUndo moves the newest undo entry to the redo stack, marks a replay in
// progress, and returns the entry. The caller must apply the operation's
// inverse and then call Finish. Returns false when there is nothing to undo.
func (m *Manager[T]) PopUndo() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.undo) == 0 {
		return zero, false
	}
	op := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	if len(m.redo) >= m.limit {
		m.redo = m.redo[1:]
	}
	m.redo = append(m.redo, op)
	m.replaying = true
	return op, true
}

// PopRedo moves the newest redo entry back to the undo stack, marks a replay
// in progress, and returns the entry. The caller must replay the operation
// and then call Finish. Returns false when there is nothing to redo.
func (m *Manager[T]) PopRedo() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if len(m.redo) == 0 {
		return zero, false
	}
	op := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	if len(m.undo) >= m.limit {
		m.undo = m.undo[1:]
	}
	m.undo = append(m.undo, op)
	m.replaying = true
	return op, true
}

// Finish clears the replay flag set by PopUndo/PopRedo. It must be called
// after the popped operation has been applied, error or not.
func (m *Manager[T]) Finish() {
	m.mu.Lock()
	m.replaying = false
	m.mu.Unlock()
}

// IsReplaying reports whether an undo or redo is currently being applied.
func (m *Manager[T]) IsReplaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaying
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager[T]) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager[T]) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depths returns the current undo and redo stack sizes.
func (m *Manager[T]) Depths() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

// Clear drops both stacks and the replay flag.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.undo = nil
	m.redo = nil
	m.replaying = false
	m.mu.Unlock()
}
