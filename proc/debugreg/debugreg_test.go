// Copyright (C) 2022 K2 Cyber Security Inc.

package debugreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetExecuteEncodesDR7(t *testing.T) {
	var r Registers
	require.NoError(t, r.SetExecute(0, 0x1000))
	require.NoError(t, r.SetExecute(2, 0x3000))
	assert.Equal(t, uint64(1|1<<4), r.DR7)
	assert.Equal(t, uint64(0x1000), r.Addr[0])
	assert.Equal(t, uint64(0x3000), r.Addr[2])

	idx, ok := r.Slot(0x3000)
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	_, ok = r.Slot(0x2000)
	assert.False(t, ok)
}

func TestSetExecuteClearsLenRW(t *testing.T) {
	r := Registers{DR7: 0xf << 20}
	require.NoError(t, r.SetExecute(1, 0x1000))
	assert.Equal(t, uint64(1<<2), r.DR7)
}

func TestSetExecuteBusySlot(t *testing.T) {
	var r Registers
	require.NoError(t, r.SetExecute(0, 0x1000))
	require.NoError(t, r.SetExecute(0, 0x1000))
	assert.Error(t, r.SetExecute(0, 0x2000))
	assert.ErrorIs(t, r.SetExecute(4, 0x2000), ErrSlotsExhausted)
}

func TestFreeSlot(t *testing.T) {
	var r Registers
	for i := 0; i < Slots; i++ {
		idx, err := r.FreeSlot()
		require.NoError(t, err)
		assert.Equal(t, i, idx)
		require.NoError(t, r.SetExecute(idx, uint64(0x1000*(i+1))))
	}
	_, err := r.FreeSlot()
	assert.ErrorIs(t, err, ErrSlotsExhausted)

	r.Clear(1)
	idx, err := r.FreeSlot()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Zero(t, r.Addr[1])
}

func TestHitResetsConditionBits(t *testing.T) {
	var r Registers
	require.NoError(t, r.SetExecute(3, 0x1000))
	r.DR6 = 1<<3 | 1<<14

	idx, ok := r.Hit()
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, uint64(1<<14), r.DR6)

	_, ok = r.Hit()
	assert.False(t, ok)
}
