// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	contextAMD64          = 0x00100000
	contextControl        = contextAMD64 | 0x0001
	contextInteger        = contextAMD64 | 0x0002
	contextDebugRegisters = contextAMD64 | 0x0010
)

type m128a struct {
	Low  uint64
	High int64
}

// threadContext is the Windows x64 CONTEXT record.
type threadContext struct {
	P1Home, P2Home, P3Home, P4Home, P5Home, P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0, Dr1, Dr2, Dr3, Dr6, Dr7 uint64

	Rax, Rcx, Rdx, Rbx, Rsp, Rbp, Rsi, Rdi uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64

	Rip uint64

	FltSave [512]byte

	VectorRegister [26]m128a
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// newThreadContext allocates a CONTEXT aligned to 16 bytes.
func newThreadContext() *threadContext {
	var c *threadContext
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*threadContext)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

type exceptionRecord struct {
	ExceptionCode    uint32
	ExceptionFlags   uint32
	ExceptionRecord  *exceptionRecord
	ExceptionAddress uintptr
	NumberParameters uint32
	_                [4]byte
	ExceptionInfo    [15]uintptr
}

type exceptionPointers struct {
	ExceptionRecord *exceptionRecord
	ContextRecord   *threadContext
}

// trapContext adapts a CONTEXT record to Context under the Microsoft x64
// calling convention.
type trapContext struct {
	tid int
	c   *threadContext
	mem Memory
}

var argRegs = [...]func(c *threadContext) uint64{
	func(c *threadContext) uint64 { return c.Rcx },
	func(c *threadContext) uint64 { return c.Rdx },
	func(c *threadContext) uint64 { return c.R8 },
	func(c *threadContext) uint64 { return c.R9 },
}

func (t *trapContext) ThreadID() int       { return t.tid }
func (t *trapContext) PC() uintptr         { return uintptr(t.c.Rip) }
func (t *trapContext) SetPC(pc uintptr)    { t.c.Rip = uint64(pc) }
func (t *trapContext) Flags() uint64       { return uint64(t.c.EFlags) }
func (t *trapContext) SetFlags(f uint64)   { t.c.EFlags = uint32(f) }
func (t *trapContext) SetResult(v uintptr) { t.c.Rax = uint64(v) }

func (t *trapContext) Arg(i int) uintptr {
	if i < len(argRegs) {
		return uintptr(argRegs[i](t.c))
	}
	// return address, then the home area of the register arguments
	b, err := t.mem.ReadMemory(uintptr(t.c.Rsp)+8+uintptr(i)*8, 8)
	if err != nil {
		return 0
	}
	return uintptr(binary.LittleEndian.Uint64(b))
}

func (t *trapContext) Return() error {
	b, err := t.mem.ReadMemory(uintptr(t.c.Rsp), 8)
	if err != nil {
		return errors.WithMessage(err, "return address")
	}
	t.c.Rip = binary.LittleEndian.Uint64(b)
	t.c.Rsp += 8
	return nil
}
