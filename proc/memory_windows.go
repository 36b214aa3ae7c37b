// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows

package proc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	kernel32                  = windows.NewLazySystemDLL("kernel32.dll")
	procFlushInstructionCache = kernel32.NewProc("FlushInstructionCache")
)

// handleMemory accesses the address space behind a process handle.
type handleMemory struct {
	process windows.Handle
}

func (m handleMemory) ReadMemory(addr uintptr, n int) ([]byte, error) {
	if addr == 0 || n < 0 {
		return nil, errors.WithMessagef(ErrMemoryAccess, "read %d bytes at %#x", n, addr)
	}
	b := make([]byte, n)
	if n == 0 {
		return b, nil
	}
	var done uintptr
	if err := windows.ReadProcessMemory(m.process, addr, &b[0], uintptr(n), &done); err != nil || done != uintptr(n) {
		return nil, errors.WithMessagef(ErrMemoryAccess, "read %d bytes at %#x: %v", n, addr, err)
	}
	return b, nil
}

func (m handleMemory) WriteMemory(addr uintptr, b []byte) error {
	if addr == 0 {
		return errors.WithMessagef(ErrMemoryAccess, "write %d bytes at %#x", len(b), addr)
	}
	if len(b) == 0 {
		return nil
	}
	size := uintptr(len(b))
	var old uint32
	if err := windows.VirtualProtectEx(m.process, addr, size, windows.PAGE_EXECUTE_READWRITE, &old); err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "unprotect %#x: %v", addr, err)
	}
	var done uintptr
	werr := windows.WriteProcessMemory(m.process, addr, &b[0], size, &done)
	var tmp uint32
	perr := windows.VirtualProtectEx(m.process, addr, size, old, &tmp)
	if werr != nil || done != size {
		return errors.WithMessagef(ErrMemoryAccess, "write %d bytes at %#x: %v", len(b), addr, werr)
	}
	if perr != nil {
		return errors.WithMessagef(ErrMemoryAccess, "reprotect %#x: %v", addr, perr)
	}
	procFlushInstructionCache.Call(uintptr(m.process), addr, size)
	return nil
}
