// Copyright (C) 2022 K2 Cyber Security Inc.

package emit

import (
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Inst is a decoded instruction and its offset from the function start.
type Inst struct {
	x86asm.Inst
	Offset int
}

// Prologue is the run of whole instructions a redirect overwrites.
type Prologue struct {
	Code  []byte
	Insts []Inst
	// Relocatable is false when some instruction has a PC-relative operand
	// that Relocate must rewrite.
	Relocatable bool
}

// Len is the number of bytes covered.
func (p Prologue) Len() int { return len(p.Code) }

// Scan decodes src until at least size bytes of whole instructions are
// covered.
func Scan(src []byte, mode, size int) (Prologue, error) {
	p := Prologue{Relocatable: true}
	length := 0
	for length < size {
		if length >= len(src) {
			return p, errors.WithMessagef(ErrPrologueTooShort, "need %d bytes, window is %d", size, len(src))
		}
		inst, err := x86asm.Decode(src[length:], mode)
		if err != nil {
			return p, errors.WithMessagef(ErrPrologueTooShort, "decode at +%d: %v", length, err)
		}
		if isTrap(inst) {
			// int3 padding follows the end of the function
			return p, errors.WithMessagef(ErrPrologueTooShort, "int3 at +%d", length)
		}
		p.Insts = append(p.Insts, Inst{Inst: inst, Offset: length})
		p.Relocatable = p.Relocatable && inst.PCRel == 0
		length += inst.Len
		if length < size && endsFlow(inst) {
			return p, errors.WithMessagef(ErrPrologueTooShort, "%v at +%d", inst.Op, length-inst.Len)
		}
	}
	p.Code = append([]byte(nil), src[:length]...)
	return p, nil
}

func isTrap(inst x86asm.Inst) bool {
	if inst.Op != x86asm.INT || inst.Len != 1 {
		return false
	}
	imm, ok := inst.Args[0].(x86asm.Imm)
	return ok && imm == 3
}

// endsFlow reports instructions after which the next bytes may not belong
// to the function.
func endsFlow(inst x86asm.Inst) bool {
	switch inst.Op {
	case x86asm.RET, x86asm.LRET, x86asm.JMP, x86asm.LJMP, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}
