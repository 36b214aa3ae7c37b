// Copyright (C) 2022 K2 Cyber Security Inc.

// Package debugreg encodes x86 debug registers for execute breakpoints, as
// described in the Intel 64 and IA-32 Architectures Software Developer's
// Manual, Vol. 3B, section 17.2.
package debugreg

import (
	"errors"
	"fmt"
)

// ErrSlotsExhausted means DR0-DR3 are all in use
var ErrSlotsExhausted = errors.New("hardware breakpoints exhausted")

// Slots is the number of address registers.
const Slots = 4

// Registers is a copy of the debug registers of one thread.
type Registers struct {
	Addr [Slots]uint64
	DR6  uint64
	DR7  uint64
}

func lenrwBitsOffset(idx int) uint {
	return uint(16 + idx*4)
}

func enableBitOffset(idx int) uint {
	return uint(idx * 2)
}

// Enabled reports whether slot idx is armed.
func (r *Registers) Enabled(idx int) bool {
	return r.DR7&(1<<enableBitOffset(idx)) != 0
}

// FreeSlot returns the lowest disabled slot.
func (r *Registers) FreeSlot() (int, error) {
	for idx := 0; idx < Slots; idx++ {
		if !r.Enabled(idx) {
			return idx, nil
		}
	}
	return -1, ErrSlotsExhausted
}

// Slot returns the enabled slot watching addr.
func (r *Registers) Slot(addr uint64) (int, bool) {
	for idx := 0; idx < Slots; idx++ {
		if r.Enabled(idx) && r.Addr[idx] == addr {
			return idx, true
		}
	}
	return -1, false
}

// SetExecute arms slot idx as a one byte execute breakpoint on addr.
// Re-arming a slot on the same address does nothing.
func (r *Registers) SetExecute(idx int, addr uint64) error {
	if idx < 0 || idx >= Slots {
		return ErrSlotsExhausted
	}
	if r.Enabled(idx) {
		if r.Addr[idx] != addr {
			return fmt.Errorf("hardware breakpoint %d already in use (address %#x)", idx, r.Addr[idx])
		}
		return nil
	}
	r.Addr[idx] = addr
	// execute breakpoints have RW=00 and LEN=00
	r.DR7 &^= 0xf << lenrwBitsOffset(idx)
	r.DR7 |= 1 << enableBitOffset(idx)
	return nil
}

// Clear disarms slot idx.
func (r *Registers) Clear(idx int) {
	if idx < 0 || idx >= Slots {
		return
	}
	r.DR7 &^= 1 << enableBitOffset(idx)
	r.DR7 &^= 0xf << lenrwBitsOffset(idx)
	r.Addr[idx] = 0
}

// Hit returns the slot that raised the last debug exception and resets the
// condition bits.
func (r *Registers) Hit() (int, bool) {
	for idx := 0; idx < Slots; idx++ {
		if !r.Enabled(idx) {
			continue
		}
		if r.DR6&(1<<uint(idx)) != 0 {
			r.DR6 &^= 0xf
			return idx, true
		}
	}
	return -1, false
}
