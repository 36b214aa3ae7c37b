// Copyright (C) 2022 K2 Cyber Security Inc.

/*
Package emit builds the machine-code fragments a detour needs.

TARGET FUNCTION
  - first N bytes replaced by a jump to the THUNK (padded with NOP to N)

THUNK
  - stores the hook handle in a thread-local slot
  - jumps to the shared dispatch entry

RELOCATED COPY
  - the N saved bytes, PC-relative operands re-targeted
  - a jump back to TARGET+N

Each instruction-set width has its own Emitter; everything else in the
package is shared.
*/
package emit

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrPatchUnencodable means a jump or PC-relative operand cannot reach its target
	ErrPatchUnencodable = errors.New("patch unencodable")
	// ErrPrologueTooShort means not enough whole instructions before the function flow ends
	ErrPrologueTooShort = errors.New("prologue too short")
	// ErrRelativeAddr means an instruction cannot be moved out of the patched region
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrInvalidMode means the instruction-set width is not 32 or 64
	ErrInvalidMode = errors.New("invalid instruction set width")
)

const (
	// Trap is the int3 opcode.
	Trap = 0xcc
	// Nop pads patched regions.
	Nop = 0x90

	jmpRel32Len = 5
)

// Segment is the prefix byte of the segment register holding the thread block.
type Segment uint8

const (
	FS Segment = 0x64
	GS Segment = 0x65
)

// Slot is a pointer-sized thread-local cell at Segment:[Offset].
type Slot struct {
	Segment Segment
	Offset  uint32
}

// Emitter generates code for one instruction-set width.
type Emitter interface {
	// Mode is the width in bits, as understood by x86asm.Decode.
	Mode() int
	// JumpLen is the size of the redirect Jump would emit for from->to.
	JumpLen(from, to uintptr, near bool) (int, error)
	// Jump emits an unconditional jump placed at from. With near set only
	// the relative form is allowed.
	Jump(from, to uintptr, near bool) ([]byte, error)
	// ThunkLen is the size of every thunk.
	ThunkLen() int
	// Thunk emits, for address at, code that stores handle in slot and
	// jumps to entry.
	Thunk(at uintptr, slot Slot, handle, entry uintptr) ([]byte, error)
	// SlotReader emits a function returning the value of slot.
	SlotReader(slot Slot) []byte
}

// For returns the emitter for mode.
func For(mode int) (Emitter, error) {
	switch mode {
	case 32:
		return x86{}, nil
	case 64:
		return x64{}, nil
	}
	return nil, ErrInvalidMode
}

// Pad extends code with NOP up to n bytes.
func Pad(code []byte, n int) []byte {
	for len(code) < n {
		code = append(code, Nop)
	}
	return code
}

// rel32 returns the displacement of a rel32 operand ending an instruction
// of length n at from, when to is reachable.
func rel32(from, to uintptr, n int) (int32, bool) {
	d := int64(to) - int64(from) - int64(n)
	if d < -1<<31 || d > 1<<31-1 {
		return 0, false
	}
	return int32(d), true
}

func jmpRel32(disp int32) []byte {
	seq := []byte{0xe9, 0, 0, 0, 0} // JMP rel32
	binary.LittleEndian.PutUint32(seq[1:], uint32(disp))
	return seq
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
