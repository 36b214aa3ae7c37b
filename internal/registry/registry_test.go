// Copyright (C) 2022 K2 Cyber Security Inc.

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type owner struct{ name string }

func TestRegistryOneOwnerPerAddress(t *testing.T) {
	r := New[*owner]()
	a, b := &owner{"a"}, &owner{"b"}

	require.NoError(t, r.Insert(0x1000, a))
	assert.ErrorIs(t, r.Insert(0x1000, b), ErrOccupied)
	require.NoError(t, r.Insert(0x2000, b))

	got, ok := r.Lookup(0x1000)
	require.True(t, ok)
	assert.Same(t, a, got)
	got, ok = r.Lookup(0x2000)
	require.True(t, ok)
	assert.Same(t, b, got)

	_, ok = r.Lookup(0x3000)
	assert.False(t, ok)
}

func TestRegistryRemoveChecksOwner(t *testing.T) {
	r := New[*owner]()
	a, b := &owner{"a"}, &owner{"b"}
	require.NoError(t, r.Insert(0x1000, a))

	assert.False(t, r.Remove(0x1000, b))
	_, ok := r.Lookup(0x1000)
	assert.True(t, ok)

	assert.True(t, r.Remove(0x1000, a))
	_, ok = r.Lookup(0x1000)
	assert.False(t, ok)
	assert.False(t, r.Remove(0x1000, a))
}

func TestRegistryCount(t *testing.T) {
	r := New[*owner]()
	require.NoError(t, r.Insert(1, &owner{"x"}))
	require.NoError(t, r.Insert(2, &owner{"y"}))
	require.NoError(t, r.Insert(3, &owner{"x"}))
	assert.Equal(t, 3, r.Count(nil))
	assert.Equal(t, 2, r.Count(func(o *owner) bool { return o.name == "x" }))
}

func TestRegistryConcurrentInsert(t *testing.T) {
	r := New[*owner]()
	var wg sync.WaitGroup
	wins := make(chan *owner, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := &owner{}
			if r.Insert(0x1000, o) == nil {
				wins <- o
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
}

func TestHandles(t *testing.T) {
	h := NewHandles[string]()
	a := h.Put("a")
	b := h.Put("b")
	assert.NotZero(t, a)
	assert.NotEqual(t, a, b)

	v, ok := h.Get(b)
	require.True(t, ok)
	assert.Equal(t, "b", v)

	h.Drop(a)
	_, ok = h.Get(a)
	assert.False(t, ok)
	assert.NotEqual(t, a, h.Put("c"))
}
