// Copyright (C) 2022 K2 Cyber Security Inc.

package vault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detour/proc"
)

// flatMemory is a byte slice based at 0x1000.
type flatMemory struct {
	data     []byte
	readOnly bool
}

func (m *flatMemory) ReadMemory(addr uintptr, n int) ([]byte, error) {
	off := int(addr) - 0x1000
	if off < 0 || off+n > len(m.data) {
		return nil, proc.ErrMemoryAccess
	}
	return append([]byte{}, m.data[off:off+n]...), nil
}

func (m *flatMemory) WriteMemory(addr uintptr, b []byte) error {
	off := int(addr) - 0x1000
	if m.readOnly || off < 0 || off+len(b) > len(m.data) {
		return proc.ErrMemoryAccess
	}
	copy(m.data[off:], b)
	return nil
}

func TestSaveRestore(t *testing.T) {
	mem := &flatMemory{data: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	var v Vault
	assert.True(t, v.Empty())

	require.NoError(t, v.Save(mem, 0x1002, 3))
	assert.Equal(t, []byte{3, 4, 5}, v.Bytes())
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, uintptr(0x1002), v.Addr())

	require.NoError(t, mem.WriteMemory(0x1002, []byte{0xcc, 0xcc, 0xcc}))
	require.NoError(t, v.Restore(mem))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, mem.data)
	assert.True(t, v.Empty())
}

func TestSaveTwice(t *testing.T) {
	mem := &flatMemory{data: make([]byte, 8)}
	var v Vault
	require.NoError(t, v.Save(mem, 0x1000, 1))
	assert.ErrorIs(t, v.Save(mem, 0x1000, 1), ErrOccupied)
	assert.ErrorIs(t, v.Keep(0x1000, []byte{1}), ErrOccupied)
}

func TestSaveReadFailure(t *testing.T) {
	var v Vault
	err := v.Save(&flatMemory{}, 0x1000, 4)
	assert.True(t, errors.Is(err, proc.ErrMemoryAccess))
	assert.True(t, v.Empty())
}

func TestRestoreFailureKeepsBytes(t *testing.T) {
	mem := &flatMemory{data: []byte{1, 2}}
	var v Vault
	require.NoError(t, v.Save(mem, 0x1000, 2))
	mem.readOnly = true
	assert.True(t, errors.Is(v.Restore(mem), proc.ErrMemoryAccess))
	assert.Equal(t, []byte{1, 2}, v.Bytes())

	mem.readOnly = false
	require.NoError(t, v.Rewrite(mem))
	assert.False(t, v.Empty())
}

func TestRestoreEmpty(t *testing.T) {
	var v Vault
	assert.ErrorIs(t, v.Restore(&flatMemory{}), ErrEmpty)
}

func TestKeepCopies(t *testing.T) {
	code := []byte{1, 2}
	var v Vault
	require.NoError(t, v.Keep(0x1000, code))
	code[0] = 9
	assert.Equal(t, []byte{1, 2}, v.Bytes())
}
