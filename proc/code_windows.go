// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows

package proc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

const (
	// VirtualAlloc reserves in units of the allocation granularity
	granularity = 0x10000
	lowestAlloc = 0x10000
	highestUser = ^uintptr(0) &^ 0xffff
)

type virtualCode struct{}

func (virtualCode) alloc(at uintptr, size int) (uintptr, error) {
	return windows.VirtualAlloc(at, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
}

func (c virtualCode) AllocCode(near uintptr, size int) (uintptr, error) {
	if near == 0 {
		addr, err := c.alloc(0, size)
		if err != nil {
			return 0, errors.WithMessagef(ErrMemoryAccess, "VirtualAlloc %d bytes: %v", size, err)
		}
		return addr, nil
	}
	addr, ok := searchNear(near, granularity, lowestAlloc, highestUser, func(candidate uintptr) (uintptr, bool) {
		got, err := c.alloc(candidate, size)
		if err != nil || got == 0 {
			return 0, false
		}
		return got, true
	})
	if !ok {
		return 0, errors.WithMessagef(ErrMemoryAccess, "no free region near %#x", near)
	}
	return addr, nil
}

func (virtualCode) FreeCode(addr uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return errors.WithMessagef(ErrMemoryAccess, "VirtualFree %#x: %v", addr, err)
	}
	return nil
}
