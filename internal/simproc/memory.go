// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build amd64 || arm64

package simproc

import (
	"github.com/pkg/errors"

	"github.com/k2io/detour/proc"
)

const pageSize = 0x1000

type page struct {
	data     [pageSize]byte
	readOnly bool
}

// mapPages backs [addr, addr+size) with zeroed pages. Callers hold m.mu.
func (m *Machine) mapPages(addr, size uintptr) {
	for p := addr &^ (pageSize - 1); p < addr+size; p += pageSize {
		if _, ok := m.pages[p]; !ok {
			m.pages[p] = &page{}
		}
	}
}

func (m *Machine) unmapPages(addr, size uintptr) {
	for p := addr &^ (pageSize - 1); p < addr+size; p += pageSize {
		delete(m.pages, p)
	}
}

func (m *Machine) read(addr uintptr, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		a := addr + uintptr(len(out))
		pg, ok := m.pages[a&^(pageSize-1)]
		if !ok {
			return nil, errors.WithMessagef(proc.ErrMemoryAccess, "read %d bytes at %#x", n, addr)
		}
		off := int(a & (pageSize - 1))
		chunk := pageSize - off
		if chunk > n-len(out) {
			chunk = n - len(out)
		}
		out = append(out, pg.data[off:off+chunk]...)
	}
	return out, nil
}

func (m *Machine) write(addr uintptr, b []byte, force bool) error {
	// all-or-nothing: check every page first
	for p := addr &^ (pageSize - 1); p < addr+uintptr(len(b)); p += pageSize {
		pg, ok := m.pages[p]
		if !ok || (pg.readOnly && !force) {
			return errors.WithMessagef(proc.ErrMemoryAccess, "write %d bytes at %#x", len(b), addr)
		}
	}
	for i := 0; i < len(b); {
		a := addr + uintptr(i)
		pg := m.pages[a&^(pageSize-1)]
		i += copy(pg.data[a&(pageSize-1):], b[i:])
	}
	return nil
}

// ReadMemory implements proc.Memory.
func (m *Machine) ReadMemory(addr uintptr, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(addr, n)
}

// WriteMemory implements proc.Memory.
func (m *Machine) WriteMemory(addr uintptr, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	return m.write(addr, b, false)
}

// Protect makes the pages of [addr, addr+n) reject writes, or accept them
// again.
func (m *Machine) Protect(addr uintptr, n int, readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := addr &^ (pageSize - 1); p < addr+uintptr(n); p += pageSize {
		if pg, ok := m.pages[p]; ok {
			pg.readOnly = readOnly
		}
	}
}

// Writes counts WriteMemory calls.
func (m *Machine) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// AllocCode implements proc.CodeAllocator. Allocations come from a region
// within rel32 reach of the functions, or from far away after Far(true).
func (m *Machine) AllocCode(near uintptr, size int) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAlloc {
		return 0, errors.WithMessagef(proc.ErrMemoryAccess, "no free pages near %#x", near)
	}
	length := (uintptr(size) + pageSize - 1) &^ (pageSize - 1)
	next := &m.nearNext
	if m.far {
		next = &m.farNext
	}
	addr := *next
	*next += length + pageSize
	m.mapPages(addr, length)
	m.allocs[addr] = length
	return addr, nil
}

// FreeCode implements proc.CodeAllocator.
func (m *Machine) FreeCode(addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	length, ok := m.allocs[addr]
	if !ok {
		return errors.WithMessagef(proc.ErrMemoryAccess, "%#x was not allocated", addr)
	}
	delete(m.allocs, addr)
	m.unmapPages(addr, length)
	return nil
}

// Far sends later allocations out of rel32 reach of the functions.
func (m *Machine) Far(far bool) {
	m.mu.Lock()
	m.far = far
	m.mu.Unlock()
}

// FailAlloc makes AllocCode fail.
func (m *Machine) FailAlloc(fail bool) {
	m.mu.Lock()
	m.failAlloc = fail
	m.mu.Unlock()
}

// Allocations is the number of live code allocations.
func (m *Machine) Allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocs)
}
