// Copyright (C) 2022 K2 Cyber Security Inc.

// Package vault keeps the bytes a hook overwrote so they can be put back
// exactly.
package vault

import (
	"errors"

	pkgerrors "github.com/pkg/errors"

	"github.com/k2io/detour/proc"
)

var (
	// ErrOccupied means the vault already holds code
	ErrOccupied = errors.New("vault already holds code")
	// ErrEmpty means nothing was saved
	ErrEmpty = errors.New("vault is empty")
)

// Vault holds the original code of one address.
type Vault struct {
	addr uintptr
	code []byte
}

// Save reads n bytes at addr.
func (v *Vault) Save(mem proc.Memory, addr uintptr, n int) error {
	if v.code != nil {
		return ErrOccupied
	}
	code, err := mem.ReadMemory(addr, n)
	if err != nil {
		return pkgerrors.WithMessagef(err, "save %d bytes at %#x", n, addr)
	}
	return v.Keep(addr, code)
}

// Keep stores code already read from addr.
func (v *Vault) Keep(addr uintptr, code []byte) error {
	if v.code != nil {
		return ErrOccupied
	}
	v.addr = addr
	v.code = append([]byte{}, code...)
	return nil
}

// Rewrite writes the saved bytes back and keeps them.
func (v *Vault) Rewrite(mem proc.Memory) error {
	if v.code == nil {
		return ErrEmpty
	}
	if err := mem.WriteMemory(v.addr, v.code); err != nil {
		return pkgerrors.WithMessagef(err, "restore %d bytes at %#x", len(v.code), v.addr)
	}
	return nil
}

// Restore writes the saved bytes back and empties the vault. A failed
// write leaves the vault untouched.
func (v *Vault) Restore(mem proc.Memory) error {
	if err := v.Rewrite(mem); err != nil {
		return err
	}
	v.Discard()
	return nil
}

// Discard forgets the saved bytes.
func (v *Vault) Discard() {
	v.addr = 0
	v.code = nil
}

// Bytes returns a copy of the saved bytes.
func (v *Vault) Bytes() []byte {
	if v.code == nil {
		return nil
	}
	return append([]byte{}, v.code...)
}

func (v *Vault) Len() int      { return len(v.code) }
func (v *Vault) Addr() uintptr { return v.addr }
func (v *Vault) Empty() bool   { return v.code == nil }
