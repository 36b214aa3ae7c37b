// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build amd64 || arm64

package simproc

import (
	"errors"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

// mov r10, rcx; mov r11, rdx; nop dword [rax+rax]; xor rax, rax; nop
var prologue = []byte{
	0x4c, 0x8b, 0xd1,
	0x4c, 0x8b, 0xda,
	0x0f, 0x1f, 0x44, 0x00, 0x00,
	0x48, 0x31, 0xc0,
	0x90,
}

func add(args []uintptr) uintptr { return args[0] + args[1] }

func TestCallMachineCode(t *testing.T) {
	m := New()
	// lea rax, [rcx+rdx]; ret
	fn := m.DefineCode([]byte{0x48, 0x8d, 0x04, 0x11, 0xc3})
	r, err := m.Call(fn, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uintptr(5), r)
}

func TestDefineRunsPrologueThenBody(t *testing.T) {
	m := New()
	fn := m.Define(prologue, add)
	r, err := m.Call(fn, 40, 2)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), r)

	code, err := m.ReadMemory(fn, len(prologue)+2)
	require.NoError(t, err)
	assert.Equal(t, prologue, code[:len(prologue)])
	assert.Equal(t, []byte{0x0f, 0x0b}, code[len(prologue):])
}

func TestStackArguments(t *testing.T) {
	m := New()
	fn := m.Define(nil, func(args []uintptr) uintptr { return args[4]*10 + args[5] })
	r, err := m.Call(fn, 0, 0, 0, 0, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), r)
}

func TestCallLeavesThreadUntouched(t *testing.T) {
	m := New()
	fn := m.Define(prologue, add)
	before := m.threads[MainThread].save()
	_, err := m.Call(fn, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, before, m.threads[MainThread].save())
}

func TestThreadLocalSlot(t *testing.T) {
	m := New()
	tid := m.Spawn()
	fn := m.DefineCode([]byte{
		0x48, 0x89, 0xc8, // mov rax, rcx
		0x65, 0x48, 0x89, 0x04, 0x25, 0x28, 0, 0, 0, // mov gs:[0x28], rax
		0x48, 0x31, 0xc0, // xor rax, rax
		0x65, 0x48, 0x8b, 0x04, 0x25, 0x28, 0, 0, 0, // mov rax, gs:[0x28]
		0xc3,
	})
	r, err := m.CallOn(tid, fn, 7)
	require.NoError(t, err)
	assert.Equal(t, uintptr(7), r)
	assert.Equal(t, uint64(7), m.TLS(tid, 0x28))
	assert.Zero(t, m.TLS(MainThread, 0x28))
}

func TestBreakpointUnhandled(t *testing.T) {
	m := New()
	fn := m.DefineCode([]byte{0xcc, 0xc3})
	_, err := m.Call(fn)
	assert.True(t, pkgerrors.Is(err, ErrUnhandled), "%v", err)
}

func TestBreakpointHandled(t *testing.T) {
	m := New()
	fn := m.DefineCode([]byte{0xcc, 0xc3})
	var seen *proc.Exception
	remove, err := m.AddHandler(func(e *proc.Exception) proc.Disposition {
		seen = e
		e.Context.SetResult(e.Context.Arg(0) + 1)
		require.NoError(t, e.Context.Return())
		return proc.ContinueExecution
	})
	require.NoError(t, err)

	r, err := m.Call(fn, 41)
	require.NoError(t, err)
	assert.Equal(t, uintptr(42), r)
	require.NotNil(t, seen)
	assert.Equal(t, proc.Breakpoint, seen.Code)
	assert.Equal(t, fn, seen.Address)
	assert.Equal(t, MainThread, seen.Context.ThreadID())

	require.NoError(t, remove())
	assert.Zero(t, m.Handlers())
}

func TestHandlersSearchedInOrder(t *testing.T) {
	m := New()
	fn := m.DefineCode([]byte{0xcc, 0xc3})
	var order []string
	_, err := m.AddHandler(func(e *proc.Exception) proc.Disposition {
		order = append(order, "first")
		return proc.ContinueSearch
	})
	require.NoError(t, err)
	_, err = m.AddHandler(func(e *proc.Exception) proc.Disposition {
		order = append(order, "second")
		e.Context.SetPC(e.Context.PC() + 1)
		return proc.ContinueExecution
	})
	require.NoError(t, err)

	_, err = m.Call(fn)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestHardwareBreakpointAndResumeFlag(t *testing.T) {
	m := New()
	other := m.Spawn()
	calls := 0
	fn := m.Define(prologue, func(args []uintptr) uintptr { calls++; return add(args) })

	slot, err := m.SetExecBreakpoint(MainThread, fn)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	hits := 0
	_, err = m.AddHandler(func(e *proc.Exception) proc.Disposition {
		if e.Code != proc.SingleStep {
			return proc.ContinueSearch
		}
		hits++
		e.Context.SetFlags(e.Context.Flags() | proc.FlagRF)
		return proc.ContinueExecution
	})
	require.NoError(t, err)

	r, err := m.Call(fn, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uintptr(5), r)
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, calls)

	_, err = m.CallOn(other, fn, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	require.NoError(t, m.ClearBreakpoint(MainThread, slot))
	_, err = m.Call(fn, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestSlotsExhausted(t *testing.T) {
	m := New()
	for i := 0; i < debugreg.Slots; i++ {
		_, err := m.SetExecBreakpoint(MainThread, uintptr(0x1000*(i+1)))
		require.NoError(t, err)
	}
	_, err := m.SetExecBreakpoint(MainThread, 0x9000)
	assert.ErrorIs(t, err, debugreg.ErrSlotsExhausted)

	// same address reuses its slot
	idx, err := m.SetExecBreakpoint(MainThread, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestNestedNativeCall(t *testing.T) {
	m := New()
	inner := m.Define(prologue, add)
	outer, err := m.NewCallback(func(args []uintptr) uintptr {
		r, err := m.Call(inner, args[0], args[1])
		require.NoError(t, err)
		return r * 2
	})
	require.NoError(t, err)

	tid := m.Spawn()
	r, err := m.CallOn(tid, outer, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, uintptr(10), r)
}

func TestThreads(t *testing.T) {
	m := New()
	tid := m.Spawn()
	ids, err := m.ThreadIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{MainThread, tid}, ids)

	slot, err := m.SetExecBreakpoint(tid, 0x1000)
	require.NoError(t, err)
	m.Exit(tid)
	assert.ErrorIs(t, m.ClearBreakpoint(tid, slot), proc.ErrThreadGone)
	_, err = m.SetExecBreakpoint(tid, 0x1000)
	assert.ErrorIs(t, err, proc.ErrThreadGone)
}

func TestProtectedWriteIsAllOrNothing(t *testing.T) {
	m := New()
	fn := m.Define(prologue, add)
	m.Protect(fn, 1, true)
	err := m.WriteMemory(fn, []byte{0xcc, 0xcc})
	assert.ErrorIs(t, err, proc.ErrMemoryAccess)
	code, err := m.ReadMemory(fn, 2)
	require.NoError(t, err)
	assert.Equal(t, prologue[:2], code)

	m.Protect(fn, 1, false)
	require.NoError(t, m.WriteMemory(fn, []byte{0xcc}))
}

func TestAllocation(t *testing.T) {
	m := New()
	fn := m.Define(prologue, add)

	near, err := m.AllocCode(fn, 64)
	require.NoError(t, err)
	assert.Less(t, near-fn, uintptr(1<<31))

	m.Far(true)
	far, err := m.AllocCode(fn, 64)
	require.NoError(t, err)
	assert.Greater(t, far-fn, uintptr(1<<31))
	assert.Equal(t, 2, m.Allocations())

	require.NoError(t, m.FreeCode(near))
	require.NoError(t, m.FreeCode(far))
	assert.Zero(t, m.Allocations())
	assert.ErrorIs(t, m.FreeCode(far), proc.ErrMemoryAccess)
	_, err = m.ReadMemory(far, 1)
	assert.ErrorIs(t, err, proc.ErrMemoryAccess)

	m.FailAlloc(true)
	_, err = m.AllocCode(fn, 1)
	assert.ErrorIs(t, err, proc.ErrMemoryAccess)
}

func TestFailVectoring(t *testing.T) {
	m := New()
	boom := errors.New("denied")
	m.FailVectoring(boom)
	_, err := m.AddHandler(func(*proc.Exception) proc.Disposition { return proc.ContinueSearch })
	assert.ErrorIs(t, err, boom)
}

func TestUnsupportedInstruction(t *testing.T) {
	m := New()
	fn := m.DefineCode([]byte{0x0f, 0xa2, 0xc3}) // cpuid
	_, err := m.Call(fn)
	assert.ErrorIs(t, err, ErrFault)
}

func TestConditionalJump(t *testing.T) {
	m := New()
	// mov eax, 1; cmp rcx, 0; jne +5; mov eax, 2; ret
	fn := m.DefineCode([]byte{
		0xb8, 0x01, 0, 0, 0,
		0x48, 0x83, 0xf9, 0x00,
		0x75, 0x05,
		0xb8, 0x02, 0, 0, 0,
		0xc3,
	})
	r, err := m.Call(fn, 0)
	require.NoError(t, err)
	assert.Equal(t, uintptr(2), r)
	r, err = m.Call(fn, 9)
	require.NoError(t, err)
	assert.Equal(t, uintptr(1), r)
}
