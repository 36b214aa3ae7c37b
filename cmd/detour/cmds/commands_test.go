// Copyright (C) 2022 K2 Cyber Security Inc.

package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k2io/detour"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, debug, symbolFilter, planFar = "", false, "", false
	t.Cleanup(func() { detour.SetLogger(nil) })

	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func elfOnly(t *testing.T) string {
	t.Helper()
	if runtime.GOOS != "linux" || runtime.GOARCH != "amd64" {
		t.Skip("needs an x86-64 ELF test binary")
	}
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func TestSymbols(t *testing.T) {
	exe := elfOnly(t)
	out, err := run(t, "symbols", exe, "--filter", "runtime.main")
	require.NoError(t, err)
	assert.Contains(t, out, "runtime.main\n")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.Contains(t, line, "runtime.main")
	}
}

func TestPlanSymbols(t *testing.T) {
	exe := elfOnly(t)
	out, err := run(t, "plan", exe, "runtime.main")
	require.NoError(t, err)
	assert.Contains(t, out, "runtime.main at 0x")
	assert.Contains(t, out, "codepatch, callback-first, return original")
	assert.Contains(t, out, "  +0")

	out, err = run(t, "plan", "--far", exe, "runtime.main")
	require.NoError(t, err)
	assert.Contains(t, out, "codepatch")

	out, err = run(t, "plan", exe, "no.such.symbol")
	assert.Error(t, err)
	assert.Contains(t, out, "no.such.symbol: symbol not found")
}

func TestPlanFromConfig(t *testing.T) {
	exe := elfOnly(t)
	path := filepath.Join(t.TempDir(), "detour.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
defaults:
  return: callback
hooks:
  - symbol: runtime.main
    mechanism: trap
  - symbol: runtime.gopanic
    mechanism: hardware
    order: original-first
`), 0o644))

	out, err := run(t, "plan", "--config", path, exe)
	require.NoError(t, err)
	assert.Contains(t, out, "trap, callback-first, return callback, 1 bytes patched")
	assert.Contains(t, out, "hardware, original-first, return callback, 0 bytes patched")
}

func TestPlanNeedsTargets(t *testing.T) {
	_, err := run(t, "plan", "whatever")
	assert.ErrorContains(t, err, "no symbols given")
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detour.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))
	_, err := run(t, "symbols", "--config", path, "whatever")
	assert.ErrorContains(t, err, "validate config")
}

func TestWatchNeedsConfig(t *testing.T) {
	_, err := run(t, "watch", "whatever")
	assert.ErrorContains(t, err, "--config")
}

func TestThreads(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("thread listing checked on linux")
	}
	out, err := run(t, "threads", strconv.Itoa(os.Getpid()))
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	_, err = run(t, "threads", "self")
	assert.Error(t, err)
}

func TestSymbolTableCache(t *testing.T) {
	exe := elfOnly(t)
	tables.Purge()
	_, err := run(t, "plan", exe, "runtime.main")
	require.NoError(t, err)
	assert.Equal(t, 1, tables.Len())
	_, err = run(t, "plan", exe, "runtime.gopanic")
	require.NoError(t, err)
	assert.Equal(t, 1, tables.Len())
}
