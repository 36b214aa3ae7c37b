// Copyright (C) 2022 K2 Cyber Security Inc.

package emit

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Relocate re-encodes p, found at from, so that it runs at to. Short
// branches are widened to rel32, every other PC-relative operand keeps its
// encoding and gets a new displacement.
func Relocate(p Prologue, from, to uintptr, mode int) ([]byte, error) {
	end := from + uintptr(p.Len())
	out := make([]byte, 0, p.Len()+4*len(p.Insts))
	for _, in := range p.Insts {
		raw := p.Code[in.Offset : in.Offset+in.Len]
		if in.PCRel == 0 {
			out = append(out, raw...)
			continue
		}
		pc := from + uintptr(in.Offset)
		target := pc + uintptr(in.Len) + uintptr(displacement(raw, in))
		if isBranch(in.Inst) && target > from && target < end {
			return nil, errors.WithMessagef(ErrRelativeAddr, "%v at +%d targets the patched region", in.Op, in.Offset)
		}
		at := to + uintptr(len(out))
		var (
			code []byte
			err  error
		)
		switch in.PCRel {
		case 1:
			code, err = widen(raw, in, at, target, mode)
		case 4:
			code, err = retarget(raw, in, at, target, mode)
		default:
			err = errors.WithMessagef(ErrRelativeAddr, "%d-byte displacement in %v", in.PCRel, in.Op)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, code...)
	}
	return out, nil
}

func displacement(raw []byte, in Inst) int64 {
	switch in.PCRel {
	case 1:
		return int64(int8(raw[in.PCRelOff]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(raw[in.PCRelOff:])))
	}
	return int64(int32(binary.LittleEndian.Uint32(raw[in.PCRelOff:])))
}

func isBranch(inst x86asm.Inst) bool {
	_, ok := inst.Args[0].(x86asm.Rel)
	return ok
}

// widen turns a rel8 JMP or Jcc into its rel32 form.
func widen(raw []byte, in Inst, at, target uintptr, mode int) ([]byte, error) {
	op := raw[in.PCRelOff-1]
	var code []byte
	switch {
	case op == 0xeb:
		code = []byte{0xe9, 0, 0, 0, 0}
	case op >= 0x70 && op <= 0x7f:
		code = []byte{0x0f, 0x80 + op - 0x70, 0, 0, 0, 0}
	default:
		// JCXZ, LOOPcc have no rel32 form
		return nil, errors.WithMessagef(ErrRelativeAddr, "cannot widen %v", in.Op)
	}
	disp, err := relocated(at, target, len(code), mode)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(code[len(code)-4:], uint32(disp))
	return code, nil
}

func retarget(raw []byte, in Inst, at, target uintptr, mode int) ([]byte, error) {
	disp, err := relocated(at, target, in.Len, mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "%v at +%d", in.Op, in.Offset)
	}
	code := append([]byte(nil), raw...)
	binary.LittleEndian.PutUint32(code[in.PCRelOff:], uint32(disp))
	return code, nil
}

func relocated(at, target uintptr, n, mode int) (int32, error) {
	if mode == 32 {
		return int32(uint32(target) - uint32(at) - uint32(n)), nil
	}
	d, ok := rel32(at, target, n)
	if !ok {
		return 0, ErrPatchUnencodable
	}
	return d, nil
}
