// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix

package proc

import (
	"os"
	"unsafe"

	"github.com/k2io/detour/emit"
)

func newLocal() (*Process, error) {
	pageSize := uintptr(os.Getpagesize())
	return &Process{
		PID:     os.Getpid(),
		Mode:    int(unsafe.Sizeof(uintptr(0))) * 8,
		Slot:    emit.Slot{Segment: emit.FS, Offset: 0x28},
		Memory:  localMemory{pageSize: pageSize},
		Code:    newMmapCode(pageSize),
		Threads: procThreads{pid: int32(os.Getpid())},
		Vector:  unsupported{},
		Native:  localNative{},
	}, nil
}

func attach(pid int) (*Process, error) {
	if pid == os.Getpid() {
		return Local()
	}
	return &Process{
		PID:     pid,
		Mode:    int(unsafe.Sizeof(uintptr(0))) * 8,
		Threads: procThreads{pid: int32(pid)},
	}, nil
}
