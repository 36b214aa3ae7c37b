// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sym "github.com/k2io/detour/internal/objSymbols"
)

func TestRebase(t *testing.T) {
	fixed := sym.Layout{Base: 0x400000}
	assert.Equal(t, uintptr(0x401000), rebase(0x401000, fixed, 0x7f0000000000))

	pie := sym.Layout{Base: 0, Relocatable: true}
	assert.Equal(t, uintptr(0x7f0000001000), rebase(0x1000, pie, 0x7f0000000000))
	assert.Equal(t, uintptr(0x1000), rebase(0x1000, pie, 0))

	dll := sym.Layout{Base: 0x140000000, Relocatable: true}
	assert.Equal(t, uintptr(0x7ff600001234), rebase(0x140001234, dll, 0x7ff600000000))
}

func TestTargetBySymbol(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("symbol names checked for ELF only")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	syms, err := GetSymbols(exe)
	require.NoError(t, err)
	want, ok := syms["runtime.main"]
	require.True(t, ok)

	got, err := TargetBySymbol(exe, "runtime.main", 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = TargetBySymbol(exe, "no.such.symbol", 0)
	assert.ErrorIs(t, err, ErrSymbolNotFound)

	_, err = TargetBySymbol(filepath.Join(t.TempDir(), "missing"), "main.main", 0)
	assert.Error(t, err)
}
