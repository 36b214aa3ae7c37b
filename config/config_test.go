// Copyright (C) 2022 K2 Cyber Security Inc.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap"

	"github.com/k2io/detour"
)

func write(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detour.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	m, err := cfg.Defaults.Mech()
	require.NoError(t, err)
	assert.Equal(t, detour.CodePatch, m)
	o, err := cfg.Defaults.CallOrder()
	require.NoError(t, err)
	assert.Equal(t, detour.CallbackFirst, o)
	r, err := cfg.Defaults.ReturnPolicy()
	require.NoError(t, err)
	assert.Equal(t, detour.UseOriginal, r)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, lvl)
}

func TestLoad(t *testing.T) {
	path := write(t, `
log_level: debug
defaults:
  mechanism: trap
  return: callback
hooks:
  - symbol: main.add
  - symbol: main.sub
    mechanism: hardware
    order: original-first
    args: 6
    near_jump: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)
	require.Len(t, cfg.Hooks, 2)

	add := cfg.Resolve(cfg.Hooks[0].HookConfig)
	assert.Equal(t, "trap", add.Mechanism)
	assert.Equal(t, "callback-first", add.Order)
	assert.Equal(t, "callback", add.Return)
	assert.Equal(t, detour.DefaultArgs, add.Args)
	assert.Equal(t, detour.DefaultSearchWindow, add.SearchWindow)

	sub := cfg.Resolve(cfg.Hooks[1].HookConfig)
	m, err := sub.Mech()
	require.NoError(t, err)
	assert.Equal(t, detour.HardwareBreakpoint, m)
	o, err := sub.CallOrder()
	require.NoError(t, err)
	assert.Equal(t, detour.OriginalFirst, o)
	opts, err := sub.Options()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(write(t, "defaults: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(write(t, `
log_level: loud
defaults:
  mechanism: inline
hooks:
  - mechanism: trap
  - symbol: f
    args: 9
  - symbol: f
`))
	require.Error(t, err)
	// every problem is reported
	for _, want := range []string{
		"validate config",
		`log_level "loud"`,
		"defaults",
		"hooks[0]: symbol is required",
		"args 9",
		"hooks[2]: f listed twice",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DETOUR_MECHANISM", "hardware")
	t.Setenv("DETOUR_LOG_LEVEL", "warn")
	cfg, err := Load(write(t, "log_level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "hardware", cfg.Defaults.Mechanism)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvOverrideBlank(t *testing.T) {
	t.Setenv("DETOUR_LOG_LEVEL", "  ")
	cfg, err := Load(write(t, "log_level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestOptionsRange(t *testing.T) {
	_, err := HookConfig{Args: detour.MaxArgs + 1}.Options()
	assert.ErrorIs(t, err, detour.ErrInvalidOption)
	_, err = HookConfig{SearchWindow: 300}.Options()
	assert.ErrorIs(t, err, detour.ErrInvalidOption)
	opts, err := HookConfig{}.Options()
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	l, err := cfg.Logger(false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = cfg.Logger(true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	cfg.LogLevel = "loud"
	_, err = cfg.Logger(false)
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	path := write(t, "log_level: info\n")
	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config) { got <- c }, zap.NewNop())
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// broken files are skipped
	require.NoError(t, os.WriteFile(path, []byte("log_level: loud\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("log_level: error\n"), 0o644))

	select {
	case c := <-got:
		assert.Equal(t, "error", c.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}
