// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows

package proc

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/k2io/detour/emit"
)

func mode() int {
	return int(unsafe.Sizeof(uintptr(0))) * 8
}

// slot is NT_TIB.ArbitraryUserPointer of the current thread
func slot() emit.Slot {
	if mode() == 64 {
		return emit.Slot{Segment: emit.GS, Offset: 0x28}
	}
	return emit.Slot{Segment: emit.FS, Offset: 0x14}
}

func newLocal() (*Process, error) {
	pid := int(windows.GetCurrentProcessId())
	mem := handleMemory{process: windows.CurrentProcess()}
	return &Process{
		PID:     pid,
		Mode:    mode(),
		Slot:    slot(),
		Memory:  mem,
		Code:    virtualCode{},
		Threads: newThreads(uint32(pid)),
		Vector:  newVectorer(mem),
		Native:  newNative(),
	}, nil
}

func attach(pid int) (*Process, error) {
	if uint32(pid) == windows.GetCurrentProcessId() {
		return Local()
	}
	h, err := windows.OpenProcess(windows.PROCESS_VM_OPERATION|windows.PROCESS_VM_READ|windows.PROCESS_VM_WRITE|windows.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return nil, errors.WithMessagef(err, "open process %d", pid)
	}
	return &Process{
		PID:     pid,
		Mode:    mode(),
		Memory:  handleMemory{process: h},
		Threads: newThreads(uint32(pid)),
	}, nil
}
