// Copyright (C) 2022 K2 Cyber Security Inc.

package emit

// x86 addresses wrap at 4GiB, so a rel32 jump always reaches.
type x86 struct{}

func (x86) Mode() int { return 32 }

func (x86) JumpLen(from, to uintptr, near bool) (int, error) {
	return jmpRel32Len, nil
}

func (x86) Jump(from, to uintptr, near bool) ([]byte, error) {
	return jmpRel32(int32(uint32(to) - uint32(from) - jmpRel32Len)), nil
}

func (x86) ThunkLen() int { return 16 }

func (x86) Thunk(at uintptr, slot Slot, handle, entry uintptr) ([]byte, error) {
	seq := []byte{byte(slot.Segment), 0xc7, 0x05} // MOV dword seg:[off], handle
	seq = append(seq, le32(slot.Offset)...)
	seq = append(seq, le32(uint32(handle))...)
	from := uint32(at) + uint32(len(seq))
	return append(seq, jmpRel32(int32(uint32(entry)-from-jmpRel32Len))...), nil
}

func (x86) SlotReader(slot Slot) []byte {
	seq := []byte{byte(slot.Segment), 0xa1} // MOV EAX, seg:[moffs32]
	seq = append(seq, le32(slot.Offset)...)
	return append(seq, 0xc3) // RET
}
