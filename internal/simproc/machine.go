// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build amd64 || arm64

// Package simproc is an in-memory x86-64 process: sparse paged memory,
// threads with debug registers and thread-local storage, vectored
// exception handlers and an interpreter for the subset of the instruction
// set that detour emits and relocates. It implements every facility of
// proc.Process so hooks can be installed and driven without touching the
// host process.
package simproc

import (
	"errors"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/k2io/detour/emit"
	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

// ErrUnhandled means no handler continued execution after an exception
var ErrUnhandled = errors.New("unhandled exception")

// ErrFault means the interpreter met code it cannot run
var ErrFault = errors.New("fault")

const (
	// PID is the process id the machine reports.
	PID = 4242
	// MainThread is the id of the thread created with the machine.
	MainThread = 1

	codeBase  = 0x140000000
	nearBase  = 0x150000000
	farBase   = 0x7ff000000000
	stackBase = 0x00100000
	stackSize = 0x10000
	tlsOffset = 0x28

	// return address of outermost frames
	sentinel = 0xdead0000
)

// Body is a host function standing for the rest of a defined function. It
// receives the six integer arguments and returns the result register.
type Body func(args []uintptr) uintptr

type handlerEntry struct {
	id int
	h  proc.ExceptionHandler
}

// Machine is a simulated process.
type Machine struct {
	mu        sync.Mutex
	pages     map[uintptr]*page
	writes    int
	allocs    map[uintptr]uintptr
	nearNext  uintptr
	farNext   uintptr
	far       bool
	failAlloc bool
	codeNext  uintptr
	markers   map[uintptr]Body

	threads map[int]*thread
	nextTID int
	cur     *thread

	handlers    []handlerEntry
	nextHandler int
	vectorErr   error
}

// New returns a machine with one thread.
func New() *Machine {
	m := &Machine{
		pages:    make(map[uintptr]*page),
		allocs:   make(map[uintptr]uintptr),
		nearNext: nearBase,
		farNext:  farBase,
		codeNext: codeBase,
		markers:  make(map[uintptr]Body),
		threads:  make(map[int]*thread),
	}
	m.Spawn()
	return m
}

// Process bundles the machine as a proc.Process.
func (m *Machine) Process() *proc.Process {
	return &proc.Process{
		PID:     PID,
		Mode:    64,
		Slot:    emit.Slot{Segment: emit.GS, Offset: tlsOffset},
		Memory:  m,
		Code:    m,
		Threads: m,
		Vector:  m,
		Native:  m,
	}
}

// place copies code into the function area and returns its address.
func (m *Machine) place(code []byte) uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := m.codeNext
	m.codeNext = (addr + uintptr(len(code)) + 15) &^ 15
	// slack so a full prologue window can always be read
	m.mapPages(addr, uintptr(len(code))+64)
	m.write(addr, code, true)
	return addr
}

// Define places prologue followed by a marker that runs body and returns
// to the caller.
func (m *Machine) Define(prologue []byte, body Body) uintptr {
	code := append(append([]byte{}, prologue...), 0x0f, 0x0b) // UD2
	addr := m.place(code)
	m.mu.Lock()
	m.markers[addr+uintptr(len(prologue))] = body
	m.mu.Unlock()
	return addr
}

// DefineCode places raw machine code.
func (m *Machine) DefineCode(code []byte) uintptr {
	return m.place(code)
}

func (m *Machine) marker(addr uintptr) (Body, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.markers[addr]
	return b, ok
}

// Spawn creates a thread and returns its id.
func (m *Machine) Spawn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTID++
	t := &thread{
		id:  m.nextTID,
		tls: make(map[uint32]uint64),
	}
	base := uintptr(stackBase + t.id*stackSize)
	m.mapPages(base, stackSize)
	t.regs[regRSP] = uint64(base + stackSize - 0x100)
	m.threads[t.id] = t
	return t.id
}

// Exit removes a thread.
func (m *Machine) Exit(tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, tid)
}

func (m *Machine) thread(tid int) (*thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[tid]
	if !ok {
		return nil, pkgerrors.WithMessagef(proc.ErrThreadGone, "thread %d", tid)
	}
	return t, nil
}

// Registers returns the debug registers of tid.
func (m *Machine) Registers(tid int) debugreg.Registers {
	t, err := m.thread(tid)
	if err != nil {
		return debugreg.Registers{}
	}
	return t.dr
}

// ThreadIDs implements proc.Threads.
func (m *Machine) ThreadIDs() ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, 0, len(m.threads))
	for id := range m.threads {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// SetExecBreakpoint implements proc.Threads.
func (m *Machine) SetExecBreakpoint(tid int, addr uintptr) (int, error) {
	t, err := m.thread(tid)
	if err != nil {
		return -1, err
	}
	if idx, ok := t.dr.Slot(uint64(addr)); ok {
		return idx, nil
	}
	idx, err := t.dr.FreeSlot()
	if err != nil {
		return -1, err
	}
	return idx, t.dr.SetExecute(idx, uint64(addr))
}

// ClearBreakpoint implements proc.Threads.
func (m *Machine) ClearBreakpoint(tid int, slot int) error {
	t, err := m.thread(tid)
	if err != nil {
		return err
	}
	t.dr.Clear(slot)
	return nil
}

// AddHandler implements proc.Vectorer.
func (m *Machine) AddHandler(h proc.ExceptionHandler) (func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vectorErr != nil {
		return nil, m.vectorErr
	}
	m.nextHandler++
	id := m.nextHandler
	m.handlers = append(m.handlers, handlerEntry{id: id, h: h})
	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, e := range m.handlers {
			if e.id == id {
				m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
				return nil
			}
		}
		return nil
	}, nil
}

// FailVectoring makes AddHandler return err; nil restores it.
func (m *Machine) FailVectoring(err error) {
	m.mu.Lock()
	m.vectorErr = err
	m.mu.Unlock()
}

// Handlers is the number of registered exception handlers.
func (m *Machine) Handlers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

func (m *Machine) handlerList() []proc.ExceptionHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proc.ExceptionHandler, len(m.handlers))
	for i, e := range m.handlers {
		out[i] = e.h
	}
	return out
}

// NewCallback implements proc.Native.
func (m *Machine) NewCallback(fn func(args []uintptr) uintptr) (uintptr, error) {
	addr := m.place([]byte{0x0f, 0x0b})
	m.mu.Lock()
	m.markers[addr] = fn
	m.mu.Unlock()
	return addr, nil
}

// Call implements proc.Native. It runs on the thread currently executing
// machine code, or on the main thread.
func (m *Machine) Call(addr uintptr, args ...uintptr) (uintptr, error) {
	t := m.cur
	if t == nil {
		var err error
		if t, err = m.thread(MainThread); err != nil {
			return 0, err
		}
	}
	return m.call(t, addr, args)
}

// CurrentThread implements proc.Native.
func (m *Machine) CurrentThread() int {
	if m.cur != nil {
		return m.cur.id
	}
	return MainThread
}

// CallOn runs the function at addr on thread tid.
func (m *Machine) CallOn(tid int, addr uintptr, args ...uintptr) (uintptr, error) {
	t, err := m.thread(tid)
	if err != nil {
		return 0, err
	}
	return m.call(t, addr, args)
}
