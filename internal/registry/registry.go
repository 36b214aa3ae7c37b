// Copyright (C) 2022 K2 Cyber Security Inc.

// Package registry maps hooked addresses to the records that own them.
package registry

import (
	"errors"
	"sync"
)

// ErrOccupied means another owner already registered the address
var ErrOccupied = errors.New("address already registered")

// Registry is a mutex guarded address -> owner map holding at most one
// owner per address.
type Registry[T comparable] struct {
	mu      sync.RWMutex
	entries map[uintptr]T
}

// New returns an empty registry.
func New[T comparable]() *Registry[T] {
	return &Registry[T]{entries: make(map[uintptr]T)}
}

// Insert registers owner for addr.
func (r *Registry[T]) Insert(addr uintptr, owner T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[addr]; ok {
		return ErrOccupied
	}
	r.entries[addr] = owner
	return nil
}

// Remove drops addr if it is registered to owner.
func (r *Registry[T]) Remove(addr uintptr, owner T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[addr]; !ok || cur != owner {
		return false
	}
	delete(r.entries, addr)
	return true
}

// Lookup returns the owner of addr.
func (r *Registry[T]) Lookup(addr uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.entries[addr]
	return owner, ok
}

// Count returns the number of owners matching keep.
func (r *Registry[T]) Count(keep func(T) bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, owner := range r.entries {
		if keep == nil || keep(owner) {
			n++
		}
	}
	return n
}
