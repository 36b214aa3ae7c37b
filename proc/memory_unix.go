// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix

package proc

import (
	"runtime/debug"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// localMemory accesses the address space of the calling process.
type localMemory struct {
	pageSize uintptr
}

func makeSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// guarded runs f with memory faults turned into an error.
func guarded(f func()) (err error) {
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("fault: %v", r)
		}
	}()
	f()
	return nil
}

func (m localMemory) ReadMemory(addr uintptr, n int) ([]byte, error) {
	if addr == 0 || n < 0 {
		return nil, errors.WithMessagef(ErrMemoryAccess, "read %d bytes at %#x", n, addr)
	}
	b := make([]byte, n)
	if err := guarded(func() { copy(b, makeSlice(addr, n)) }); err != nil {
		return nil, errors.WithMessagef(ErrMemoryAccess, "read %d bytes at %#x: %v", n, addr, err)
	}
	return b, nil
}

// WriteMemory makes the pages writable for the copy and then puts back the
// protection each page had before.
func (m localMemory) WriteMemory(addr uintptr, b []byte) error {
	if addr == 0 {
		return errors.WithMessagef(ErrMemoryAccess, "write %d bytes at %#x", len(b), addr)
	}
	if len(b) == 0 {
		return nil
	}
	start, length := m.pages(addr, uintptr(len(b)))
	prots, err := pageProts(start, length, m.pageSize)
	if err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "write %d bytes at %#x: %v", len(b), addr, err)
	}
	if err := m.protectPages(start, length, func(int) int {
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	}); err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "unprotect %#x: %v", addr, err)
	}
	werr := guarded(func() { copy(makeSlice(addr, len(b)), b) })
	if err := m.protectPages(start, length, func(i int) int { return prots[i] }); err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "reprotect %#x: %v", addr, err)
	}
	if werr != nil {
		return errors.WithMessagef(ErrMemoryAccess, "write %d bytes at %#x: %v", len(b), addr, werr)
	}
	return nil
}

// pages rounds [addr, addr+size) out to whole pages.
func (m localMemory) pages(addr, size uintptr) (start, length uintptr) {
	start = m.pageSize * (addr / m.pageSize)
	length = m.pageSize * ((addr + size + m.pageSize - 1 - start) / m.pageSize)
	return start, length
}

func (m localMemory) protectPages(start, length uintptr, prot func(page int) int) error {
	for i := uintptr(0); i < length; i += m.pageSize {
		if err := unix.Mprotect(makeSlice(start+i, int(m.pageSize)), prot(int(i/m.pageSize))); err != nil {
			return err
		}
	}
	return nil
}
