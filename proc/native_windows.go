// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows

package proc

import (
	"syscall"

	"golang.org/x/sys/windows"
)

type nativeCalls struct{}

func newNative() Native { return nativeCalls{} }

func (nativeCalls) Call(addr uintptr, args ...uintptr) (uintptr, error) {
	r, _, _ := syscall.SyscallN(addr, args...)
	return r, nil
}

func (nativeCalls) CurrentThread() int {
	return int(windows.GetCurrentThreadId())
}

func (nativeCalls) NewCallback(fn func(args []uintptr) uintptr) (uintptr, error) {
	return windows.NewCallback(func(a0, a1, a2, a3, a4, a5 uintptr) uintptr {
		return fn([]uintptr{a0, a1, a2, a3, a4, a5})
	}), nil
}
