// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"

	"github.com/k2io/detour/proc/debugreg"
)

var (
	procSuspendThread    = kernel32.NewProc("SuspendThread")
	procGetThreadContext = kernel32.NewProc("GetThreadContext")
	procSetThreadContext = kernel32.NewProc("SetThreadContext")
)

type toolhelpThreads struct {
	pid uint32
}

func newThreads(pid uint32) Threads {
	return toolhelpThreads{pid: pid}
}

func (t toolhelpThreads) ThreadIDs() ([]int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPTHREAD, 0)
	if err != nil {
		return nil, errors.WithMessage(err, "thread snapshot")
	}
	defer windows.CloseHandle(snap)

	var ids []int
	var te windows.ThreadEntry32
	te.Size = uint32(unsafe.Sizeof(te))
	for err = windows.Thread32First(snap, &te); err == nil; err = windows.Thread32Next(snap, &te) {
		if te.OwnerProcessID == t.pid {
			ids = append(ids, int(te.ThreadID))
		}
	}
	if err != windows.ERROR_NO_MORE_FILES {
		return nil, errors.WithMessage(err, "walk threads")
	}
	return ids, nil
}

// withDebugRegisters suspends tid, hands its debug registers to edit and
// writes them back when edit succeeds.
func (t toolhelpThreads) withDebugRegisters(tid int, edit func(r *debugreg.Registers) error) error {
	if uint32(tid) == windows.GetCurrentThreadId() {
		// a thread cannot reliably change its own context; do it from a
		// second OS thread while this one is pinned
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done := make(chan error, 1)
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			done <- t.editContext(tid, edit)
		}()
		return <-done
	}
	return t.editContext(tid, edit)
}

func (t toolhelpThreads) editContext(tid int, edit func(r *debugreg.Registers) error) error {
	h, err := windows.OpenThread(windows.THREAD_GET_CONTEXT|windows.THREAD_SET_CONTEXT|windows.THREAD_SUSPEND_RESUME, false, uint32(tid))
	if err != nil {
		return errors.WithMessagef(ErrThreadGone, "open thread %d: %v", tid, err)
	}
	defer windows.CloseHandle(h)

	if r, _, err := procSuspendThread.Call(uintptr(h)); int32(r) == -1 {
		return errors.WithMessagef(ErrThreadGone, "suspend thread %d: %v", tid, err)
	}
	defer windows.ResumeThread(h)

	c := newThreadContext()
	c.ContextFlags = contextDebugRegisters
	if r, _, err := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(c))); r == 0 {
		return errors.WithMessagef(err, "get context of thread %d", tid)
	}

	regs := debugreg.Registers{
		Addr: [debugreg.Slots]uint64{c.Dr0, c.Dr1, c.Dr2, c.Dr3},
		DR6:  c.Dr6,
		DR7:  c.Dr7,
	}
	if err := edit(&regs); err != nil {
		return err
	}
	c.Dr0, c.Dr1, c.Dr2, c.Dr3 = regs.Addr[0], regs.Addr[1], regs.Addr[2], regs.Addr[3]
	c.Dr6, c.Dr7 = 0, regs.DR7
	c.ContextFlags = contextDebugRegisters
	if r, _, err := procSetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(c))); r == 0 {
		return errors.WithMessagef(err, "set context of thread %d", tid)
	}
	return nil
}

func (t toolhelpThreads) SetExecBreakpoint(tid int, addr uintptr) (int, error) {
	slot := -1
	err := t.withDebugRegisters(tid, func(r *debugreg.Registers) error {
		if idx, ok := r.Slot(uint64(addr)); ok {
			slot = idx
			return nil
		}
		idx, err := r.FreeSlot()
		if err != nil {
			return err
		}
		slot = idx
		return r.SetExecute(idx, uint64(addr))
	})
	if err != nil {
		return -1, err
	}
	return slot, nil
}

func (t toolhelpThreads) ClearBreakpoint(tid int, slot int) error {
	return t.withDebugRegisters(tid, func(r *debugreg.Registers) error {
		r.Clear(slot)
		return nil
	})
}
