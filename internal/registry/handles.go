// Copyright (C) 2022 K2 Cyber Security Inc.

package registry

import "sync"

// Handles hands out small non-zero integers standing for Go values, so that
// generated code can carry a reference without holding a Go pointer.
type Handles[T any] struct {
	mu     sync.RWMutex
	next   uintptr
	values map[uintptr]T
}

// NewHandles returns an empty table.
func NewHandles[T any]() *Handles[T] {
	return &Handles[T]{values: make(map[uintptr]T)}
}

// Put stores v and returns its handle.
func (h *Handles[T]) Put(v T) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.values[h.next] = v
	return h.next
}

// Get resolves a handle.
func (h *Handles[T]) Get(id uintptr) (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.values[id]
	return v, ok
}

// Drop releases a handle. Handles are never reused.
func (h *Handles[T]) Drop(id uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.values, id)
}
