// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix

package proc

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// highest address probed for near allocations
const userTop = ^uintptr(0) &^ 0xffff

type mmapCode struct {
	pageSize uintptr

	mu      sync.Mutex
	lengths map[uintptr]uintptr
}

func newMmapCode(pageSize uintptr) *mmapCode {
	return &mmapCode{pageSize: pageSize, lengths: make(map[uintptr]uintptr)}
}

func (c *mmapCode) mmap(hint, length uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), length,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

func (c *mmapCode) AllocCode(near uintptr, size int) (uintptr, error) {
	length := c.pageSize * ((uintptr(size) + c.pageSize - 1) / c.pageSize)
	if near == 0 {
		addr, err := c.mmap(0, length)
		if err != nil {
			return 0, errors.WithMessagef(ErrMemoryAccess, "mmap %d bytes: %v", length, err)
		}
		c.track(addr, length)
		return addr, nil
	}
	addr, ok := searchNear(near, c.pageSize, c.pageSize, userTop, func(hint uintptr) (uintptr, bool) {
		got, err := c.mmap(hint, length)
		if err != nil {
			return 0, false
		}
		if !within(near, got) {
			unix.MunmapPtr(unsafe.Pointer(got), length)
			return 0, false
		}
		return got, true
	})
	if !ok {
		return 0, errors.WithMessagef(ErrMemoryAccess, "no free pages near %#x", near)
	}
	c.track(addr, length)
	return addr, nil
}

func (c *mmapCode) track(addr, length uintptr) {
	c.mu.Lock()
	c.lengths[addr] = length
	c.mu.Unlock()
}

func (c *mmapCode) FreeCode(addr uintptr) error {
	c.mu.Lock()
	length, ok := c.lengths[addr]
	delete(c.lengths, addr)
	c.mu.Unlock()
	if !ok {
		return errors.WithMessagef(ErrMemoryAccess, "%#x was not allocated here", addr)
	}
	if err := unix.MunmapPtr(unsafe.Pointer(addr), length); err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "munmap %#x: %v", addr, err)
	}
	return nil
}
