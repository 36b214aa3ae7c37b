// Copyright (C) 2022 K2 Cyber Security Inc.

// Package proc describes the process facilities a detour needs: memory
// access, executable allocations, thread debug registers, exception
// vectoring and native calls. Platform back-ends live in the _unix and
// _windows files.
package proc

import (
	"errors"
	"sync"

	"github.com/k2io/detour/emit"
)

var (
	// ErrUnsupported means the back-end cannot provide the facility
	ErrUnsupported = errors.New("not supported on this platform")
	// ErrThreadGone means the thread exited before it could be changed
	ErrThreadGone = errors.New("thread exited")
	// ErrMemoryAccess means memory could not be read or written
	ErrMemoryAccess = errors.New("memory access failed")
)

// Memory reads and writes process memory. Writes to code pages handle page
// protection themselves and are all-or-nothing.
type Memory interface {
	ReadMemory(addr uintptr, n int) ([]byte, error)
	WriteMemory(addr uintptr, b []byte) error
}

// CodeAllocator hands out executable memory, preferably within rel32 reach
// of near.
type CodeAllocator interface {
	AllocCode(near uintptr, size int) (uintptr, error)
	FreeCode(addr uintptr) error
}

// Threads programs execute breakpoints into thread debug registers.
type Threads interface {
	// ThreadIDs is a snapshot of the live threads.
	ThreadIDs() ([]int, error)
	// SetExecBreakpoint arms a free debug register on tid and returns its
	// index. debugreg.ErrSlotsExhausted when none is free.
	SetExecBreakpoint(tid int, addr uintptr) (int, error)
	// ClearBreakpoint disarms slot on tid. ErrThreadGone when tid exited.
	ClearBreakpoint(tid int, slot int) error
}

// Code identifies an exception.
type Code uint32

const (
	Breakpoint Code = 0x80000003
	SingleStep Code = 0x80000004
)

func (c Code) String() string {
	switch c {
	case Breakpoint:
		return "breakpoint"
	case SingleStep:
		return "single step"
	}
	return "exception"
}

// Disposition is what a handler tells the vectoring layer.
type Disposition int32

const (
	ContinueSearch    Disposition = 0
	ContinueExecution Disposition = -1
)

// Flag bits of the saved flags register.
const (
	FlagTF = 1 << 8
	FlagRF = 1 << 16
)

// Context is the register state of the thread that raised an exception.
type Context interface {
	ThreadID() int
	PC() uintptr
	SetPC(pc uintptr)
	Flags() uint64
	SetFlags(f uint64)
	// Arg is the i-th integer argument of the interrupted call, per the
	// platform calling convention, read at function entry.
	Arg(i int) uintptr
	SetResult(v uintptr)
	// Return makes the thread continue as if the interrupted function had
	// returned to its caller.
	Return() error
}

// Exception is passed to an ExceptionHandler.
type Exception struct {
	Code    Code
	Address uintptr
	Context Context
}

// ExceptionHandler runs on the faulting thread.
type ExceptionHandler func(*Exception) Disposition

// Vectorer registers process-wide exception handlers.
type Vectorer interface {
	AddHandler(h ExceptionHandler) (remove func() error, err error)
}

// Native calls machine code and exposes Go functions to it.
type Native interface {
	Call(addr uintptr, args ...uintptr) (uintptr, error)
	// NewCallback returns an entry point which, called natively with up to
	// six integer arguments, runs fn and returns its result.
	NewCallback(fn func(args []uintptr) uintptr) (uintptr, error)
	// CurrentThread is the id of the calling thread.
	CurrentThread() int
}

// Process bundles the facilities of one process.
type Process struct {
	PID int
	// Mode is the instruction-set width, 32 or 64.
	Mode int
	// Slot is the thread-local cell generated code may use.
	Slot    emit.Slot
	Memory  Memory
	Code    CodeAllocator
	Threads Threads
	Vector  Vectorer
	Native  Native
}

var (
	local     *Process
	localErr  error
	localOnce sync.Once
)

// Local returns the calling process.
func Local() (*Process, error) {
	localOnce.Do(func() {
		local, localErr = newLocal()
	})
	return local, localErr
}

// Attach returns the facilities available for another process. Whatever a
// back-end cannot offer across processes is left nil.
func Attach(pid int) (*Process, error) {
	return attach(pid)
}
