// Copyright (C) 2022 K2 Cyber Security Inc.

package emit

type x64 struct{}

// mov r11, imm64; jmp r11
const absJumpLen = 13

func (x64) Mode() int { return 64 }

func (x64) JumpLen(from, to uintptr, near bool) (int, error) {
	if _, ok := rel32(from, to, jmpRel32Len); ok {
		return jmpRel32Len, nil
	}
	if near {
		return 0, ErrPatchUnencodable
	}
	return absJumpLen, nil
}

func (e x64) Jump(from, to uintptr, near bool) ([]byte, error) {
	if d, ok := rel32(from, to, jmpRel32Len); ok {
		return jmpRel32(d), nil
	}
	if near {
		return nil, ErrPatchUnencodable
	}
	// r11 is scratch at a call boundary in both the SysV and Win64 ABIs
	seq := []byte{0x49, 0xbb} // MOV R11, imm64
	seq = append(seq, le64(uint64(to))...)
	seq = append(seq, 0x41, 0xff, 0xe3) // JMP R11
	return seq, nil
}

func (x64) ThunkLen() int { return 31 }

func (x64) Thunk(at uintptr, slot Slot, handle, entry uintptr) ([]byte, error) {
	seq := []byte{0x48, 0xb8} // MOV RAX, handle
	seq = append(seq, le64(uint64(handle))...)
	seq = append(seq, byte(slot.Segment), 0x48, 0x89, 0x04, 0x25) // MOV seg:[off], RAX
	seq = append(seq, le32(slot.Offset)...)
	seq = append(seq, 0x48, 0xb8) // MOV RAX, entry
	seq = append(seq, le64(uint64(entry))...)
	seq = append(seq, 0xff, 0xe0) // JMP RAX
	return seq, nil
}

func (x64) SlotReader(slot Slot) []byte {
	seq := []byte{byte(slot.Segment), 0x48, 0x8b, 0x04, 0x25} // MOV RAX, seg:[off]
	seq = append(seq, le32(slot.Offset)...)
	return append(seq, 0xc3) // RET
}
