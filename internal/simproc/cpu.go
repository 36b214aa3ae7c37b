// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build amd64 || arm64

package simproc

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
	regRSP = 4
	regR8  = 8
	regR9  = 9

	flagZF = 1 << 6

	maxSteps = 1 << 20
)

// argument registers of the Microsoft x64 convention
var argRegs = [...]int{regRCX, regRDX, regR8, regR9}

type thread struct {
	id     int
	regs   [16]uint64
	rip    uint64
	rflags uint64
	dr     debugreg.Registers
	tls    map[uint32]uint64
}

type frame struct {
	regs   [16]uint64
	rip    uint64
	rflags uint64
}

func (t *thread) save() frame {
	return frame{regs: t.regs, rip: t.rip, rflags: t.rflags}
}

func (t *thread) load(f frame) {
	t.regs, t.rip, t.rflags = f.regs, f.rip, f.rflags
}

// TLS returns the thread-local cell at offset of tid.
func (m *Machine) TLS(tid int, offset uint32) uint64 {
	t, err := m.thread(tid)
	if err != nil {
		return 0
	}
	return t.tls[offset]
}

func (m *Machine) readU64(addr uint64) (uint64, error) {
	b, err := m.ReadMemory(uintptr(addr), 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Machine) writeU64(addr, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(uintptr(addr), b, false)
}

func (m *Machine) push(t *thread, v uint64) error {
	t.regs[regRSP] -= 8
	return m.writeU64(t.regs[regRSP], v)
}

func (m *Machine) pop(t *thread) (uint64, error) {
	v, err := m.readU64(t.regs[regRSP])
	if err != nil {
		return 0, err
	}
	t.regs[regRSP] += 8
	return v, nil
}

// arg reads argument i at function entry.
func (m *Machine) arg(t *thread, i int) uintptr {
	if i < len(argRegs) {
		return uintptr(t.regs[argRegs[i]])
	}
	v, _ := m.readU64(t.regs[regRSP] + 8 + uint64(i)*8)
	return uintptr(v)
}

// call runs addr on t to completion and leaves t as it found it.
func (m *Machine) call(t *thread, addr uintptr, args []uintptr) (uintptr, error) {
	saved := t.save()
	prev := m.cur
	m.cur = t
	defer func() {
		t.load(saved)
		m.cur = prev
	}()

	rsp := (t.regs[regRSP]-0x200)&^0xf - 8
	t.regs[regRSP] = rsp
	if err := m.writeU64(rsp, sentinel); err != nil {
		return 0, err
	}
	for i, a := range args {
		if i < len(argRegs) {
			t.regs[argRegs[i]] = uint64(a)
			continue
		}
		if err := m.writeU64(rsp+8+uint64(i)*8, uint64(a)); err != nil {
			return 0, err
		}
	}
	t.rip = uint64(addr)
	t.rflags = 0

	if err := m.run(t); err != nil {
		return 0, err
	}
	return uintptr(t.regs[regRAX]), nil
}

func (m *Machine) raise(t *thread, code proc.Code) error {
	e := &proc.Exception{
		Code:    code,
		Address: uintptr(t.rip),
		Context: &context{m: m, t: t},
	}
	for _, h := range m.handlerList() {
		if h(e) == proc.ContinueExecution {
			return nil
		}
	}
	return errors.WithMessagef(ErrUnhandled, "%v at %#x on thread %d", code, t.rip, t.id)
}

// fetch reads up to 15 bytes of code at addr.
func (m *Machine) fetch(addr uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var code []byte
	for i := uint64(0); i < 15; i++ {
		b, err := m.read(uintptr(addr+i), 1)
		if err != nil {
			break
		}
		code = append(code, b[0])
	}
	return code
}

func (m *Machine) run(t *thread) error {
	for steps := 0; ; steps++ {
		if steps > maxSteps {
			return errors.WithMessagef(ErrFault, "runaway at %#x", t.rip)
		}
		if t.rip == sentinel {
			return nil
		}

		if t.rflags&proc.FlagRF == 0 {
			if idx, ok := t.dr.Slot(t.rip); ok {
				t.dr.DR6 |= 1 << uint(idx)
				if err := m.raise(t, proc.SingleStep); err != nil {
					return err
				}
				continue
			}
		}
		t.rflags &^= proc.FlagRF

		if body, ok := m.marker(uintptr(t.rip)); ok {
			args := make([]uintptr, 6)
			for i := range args {
				args[i] = m.arg(t, i)
			}
			r := body(args)
			t.regs[regRAX] = uint64(r)
			ret, err := m.pop(t)
			if err != nil {
				return err
			}
			t.rip = ret
			continue
		}

		code := m.fetch(t.rip)
		if len(code) == 0 {
			return errors.WithMessagef(ErrFault, "execute unmapped %#x", t.rip)
		}
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return errors.WithMessagef(ErrFault, "decode at %#x: %v", t.rip, err)
		}
		if inst.Op == x86asm.INT && inst.Args[0] == x86asm.Imm(3) {
			if err := m.raise(t, proc.Breakpoint); err != nil {
				return err
			}
			continue
		}
		if err := m.exec(t, inst); err != nil {
			return errors.WithMessagef(err, "%v at %#x", inst, t.rip)
		}
	}
}

func regIndex(r x86asm.Reg) (idx int, wide bool, ok bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), true, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), false, true
	}
	return 0, false, false
}

func (m *Machine) address(t *thread, mem x86asm.Mem, next uint64) uint64 {
	var a uint64
	switch {
	case mem.Base == x86asm.RIP:
		a = next
	case mem.Base != 0:
		if idx, _, ok := regIndex(mem.Base); ok {
			a = t.regs[idx]
		}
	}
	if mem.Index != 0 {
		if idx, _, ok := regIndex(mem.Index); ok {
			a += t.regs[idx] * uint64(mem.Scale)
		}
	}
	return a + uint64(mem.Disp)
}

func (m *Machine) get(t *thread, inst x86asm.Inst, a x86asm.Arg, next uint64) (uint64, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		idx, wide, ok := regIndex(a)
		if !ok {
			return 0, errors.WithMessagef(ErrFault, "register %v", a)
		}
		if wide {
			return t.regs[idx], nil
		}
		return t.regs[idx] & 0xffffffff, nil
	case x86asm.Imm:
		return uint64(a), nil
	case x86asm.Mem:
		if a.Segment == x86asm.GS {
			return t.tls[uint32(a.Disp)], nil
		}
		n := inst.MemBytes
		if n == 0 {
			n = 8
		}
		b, err := m.ReadMemory(uintptr(m.address(t, a, next)), n)
		if err != nil {
			return 0, err
		}
		var v uint64
		for i := n - 1; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}
		return v, nil
	case x86asm.Rel:
		return next + uint64(int64(a)), nil
	}
	return 0, errors.WithMessagef(ErrFault, "operand %v", a)
}

func (m *Machine) set(t *thread, inst x86asm.Inst, a x86asm.Arg, v uint64, next uint64) error {
	switch a := a.(type) {
	case x86asm.Reg:
		idx, wide, ok := regIndex(a)
		if !ok {
			return errors.WithMessagef(ErrFault, "register %v", a)
		}
		if !wide {
			v &= 0xffffffff
		}
		t.regs[idx] = v
		return nil
	case x86asm.Mem:
		if a.Segment == x86asm.GS {
			t.tls[uint32(a.Disp)] = v
			return nil
		}
		n := inst.MemBytes
		if n == 0 {
			n = 8
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(v >> (8 * i))
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.write(uintptr(m.address(t, a, next)), b, false)
	}
	return errors.WithMessagef(ErrFault, "destination %v", a)
}

func (m *Machine) exec(t *thread, inst x86asm.Inst) error {
	next := t.rip + uint64(inst.Len)
	get := func(i int) (uint64, error) { return m.get(t, inst, inst.Args[i], next) }

	switch inst.Op {
	case x86asm.NOP:

	case x86asm.MOV:
		v, err := get(1)
		if err != nil {
			return err
		}
		if err := m.set(t, inst, inst.Args[0], v, next); err != nil {
			return err
		}

	case x86asm.LEA:
		mem, ok := inst.Args[1].(x86asm.Mem)
		if !ok {
			return ErrFault
		}
		if err := m.set(t, inst, inst.Args[0], m.address(t, mem, next), next); err != nil {
			return err
		}

	case x86asm.XOR, x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.CMP, x86asm.TEST:
		a, err := get(0)
		if err != nil {
			return err
		}
		b, err := get(1)
		if err != nil {
			return err
		}
		var r uint64
		switch inst.Op {
		case x86asm.XOR:
			r = a ^ b
		case x86asm.ADD:
			r = a + b
		case x86asm.SUB, x86asm.CMP:
			r = a - b
		case x86asm.AND, x86asm.TEST:
			r = a & b
		case x86asm.OR:
			r = a | b
		}
		if _, wide, ok := regIndex(regOf(inst.Args[0])); ok && !wide {
			r &= 0xffffffff
		}
		if r == 0 {
			t.rflags |= flagZF
		} else {
			t.rflags &^= flagZF
		}
		if inst.Op != x86asm.CMP && inst.Op != x86asm.TEST {
			if err := m.set(t, inst, inst.Args[0], r, next); err != nil {
				return err
			}
		}

	case x86asm.PUSH:
		v, err := get(0)
		if err != nil {
			return err
		}
		if err := m.push(t, v); err != nil {
			return err
		}

	case x86asm.POP:
		v, err := m.pop(t)
		if err != nil {
			return err
		}
		if err := m.set(t, inst, inst.Args[0], v, next); err != nil {
			return err
		}

	case x86asm.JMP:
		target, err := get(0)
		if err != nil {
			return err
		}
		t.rip = target
		return nil

	case x86asm.JE, x86asm.JNE:
		target, err := get(0)
		if err != nil {
			return err
		}
		zero := t.rflags&flagZF != 0
		if zero == (inst.Op == x86asm.JE) {
			t.rip = target
			return nil
		}

	case x86asm.CALL:
		target, err := get(0)
		if err != nil {
			return err
		}
		if err := m.push(t, next); err != nil {
			return err
		}
		t.rip = target
		return nil

	case x86asm.RET:
		ret, err := m.pop(t)
		if err != nil {
			return err
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			t.regs[regRSP] += uint64(imm)
		}
		t.rip = ret
		return nil

	default:
		return errors.WithMessagef(ErrFault, "unsupported instruction %v", inst.Op)
	}
	t.rip = next
	return nil
}

func regOf(a x86asm.Arg) x86asm.Reg {
	r, _ := a.(x86asm.Reg)
	return r
}

// context exposes a stopped thread as proc.Context.
type context struct {
	m *Machine
	t *thread
}

func (c *context) ThreadID() int       { return c.t.id }
func (c *context) PC() uintptr         { return uintptr(c.t.rip) }
func (c *context) SetPC(pc uintptr)    { c.t.rip = uint64(pc) }
func (c *context) Flags() uint64       { return c.t.rflags }
func (c *context) SetFlags(f uint64)   { c.t.rflags = f }
func (c *context) Arg(i int) uintptr   { return c.m.arg(c.t, i) }
func (c *context) SetResult(v uintptr) { c.t.regs[regRAX] = uint64(v) }

func (c *context) Return() error {
	ret, err := c.m.pop(c.t)
	if err != nil {
		return err
	}
	c.t.rip = ret
	return nil
}
