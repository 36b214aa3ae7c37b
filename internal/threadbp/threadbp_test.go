// Copyright (C) 2022 K2 Cyber Security Inc.

package threadbp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

type fakeThreads struct {
	ids      []int
	listErr  error
	regs     map[int]*debugreg.Registers
	gone     map[int]bool
	clearErr error
}

func newFake(ids ...int) *fakeThreads {
	f := &fakeThreads{ids: ids, regs: map[int]*debugreg.Registers{}, gone: map[int]bool{}}
	for _, id := range ids {
		f.regs[id] = &debugreg.Registers{}
	}
	return f
}

func (f *fakeThreads) ThreadIDs() ([]int, error) { return f.ids, f.listErr }

func (f *fakeThreads) SetExecBreakpoint(tid int, addr uintptr) (int, error) {
	r := f.regs[tid]
	idx, err := r.FreeSlot()
	if err != nil {
		return -1, err
	}
	return idx, r.SetExecute(idx, uint64(addr))
}

func (f *fakeThreads) ClearBreakpoint(tid int, slot int) error {
	if f.gone[tid] {
		return proc.ErrThreadGone
	}
	if f.clearErr != nil {
		return f.clearErr
	}
	f.regs[tid].Clear(slot)
	return nil
}

func TestInstallOnAllThreads(t *testing.T) {
	f := newFake(1, 2, 3)
	m := New(f, zaptest.NewLogger(t))

	cov, err := m.InstallOnAllThreads(0x1000)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cov.Covered)
	assert.True(t, cov.Complete())
	assert.Equal(t, map[int]int{1: 0, 2: 0, 3: 0}, m.Slots(0x1000))

	cov, err = m.InstallOnAllThreads(0x2000)
	require.NoError(t, err)
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1}, m.Slots(0x2000))

	// a second pass over the same address changes nothing
	cov, err = m.InstallOnAllThreads(0x1000)
	require.NoError(t, err)
	assert.Len(t, cov.Covered, 3)
	assert.Equal(t, uint64(1|1<<2), f.regs[2].DR7)
}

func TestInstallPartialCoverage(t *testing.T) {
	f := newFake(1, 2)
	for i := 0; i < debugreg.Slots; i++ {
		require.NoError(t, f.regs[2].SetExecute(i, uint64(0x9000+i)))
	}
	m := New(f, nil)

	cov, err := m.InstallOnAllThreads(0x1000)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, cov.Covered)
	assert.False(t, cov.Complete())
	assert.ErrorIs(t, cov.Failed[2], debugreg.ErrSlotsExhausted)
	assert.ErrorIs(t, cov.Err(), debugreg.ErrSlotsExhausted)
	assert.Equal(t, map[int]int{1: 0}, m.Slots(0x1000))
}

func TestInstallEnumerationFailure(t *testing.T) {
	f := newFake()
	f.listErr = errors.New("no access")
	_, err := New(f, nil).InstallOnAllThreads(0x1000)
	assert.Error(t, err)
}

func TestRemoveFromAllThreads(t *testing.T) {
	f := newFake(1, 2, 3)
	m := New(f, zaptest.NewLogger(t))
	_, err := m.InstallOnAllThreads(0x1000)
	require.NoError(t, err)
	_, err = m.InstallOnAllThreads(0x2000)
	require.NoError(t, err)

	f.gone[2] = true
	require.NoError(t, m.RemoveFromAllThreads(0x1000))
	assert.Empty(t, m.Slots(0x1000))
	assert.Len(t, m.Slots(0x2000), 3)
	assert.False(t, f.regs[1].Enabled(0))
	assert.True(t, f.regs[1].Enabled(1))
}

func TestRemoveAggregatesErrors(t *testing.T) {
	f := newFake(1, 2)
	m := New(f, nil)
	_, err := m.InstallOnAllThreads(0x1000)
	require.NoError(t, err)

	boom := errors.New("access denied")
	f.clearErr = boom
	err = m.RemoveFromAllThreads(0x1000)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, m.Slots(0x1000))
}
