// Copyright (C) 2022 K2 Cyber Security Inc.

// Package config loads hook defaults, named hook targets and logging
// settings from YAML.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/k2io/detour"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string     `yaml:"log_level"`
	Defaults HookConfig `yaml:"defaults"`
	Hooks    []HookSpec `yaml:"hooks"`
}

// HookConfig is how one hook is applied. Empty fields take the defaults.
type HookConfig struct {
	Mechanism    string `yaml:"mechanism"`
	Order        string `yaml:"order"`
	Return       string `yaml:"return"`
	Args         int    `yaml:"args"`
	SearchWindow int    `yaml:"search_window"`
	NearJump     bool   `yaml:"near_jump"`
}

// HookSpec names a target by symbol.
type HookSpec struct {
	Symbol     string `yaml:"symbol"`
	HookConfig `yaml:",inline"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Defaults: HookConfig{
			Mechanism:    detour.CodePatch.String(),
			Order:        detour.CallbackFirst.String(),
			Return:       detour.UseOriginal.String(),
			Args:         detour.DefaultArgs,
			SearchWindow: detour.DefaultSearchWindow,
		},
	}
}

// Load reads and validates a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WithMessage(err, "parse config")
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "validate config")
	}
	return cfg, nil
}

// ApplyEnvOverrides lets DETOUR_* variables win over the file.
func (c *Config) ApplyEnvOverrides() {
	overrides := map[string]*string{
		"DETOUR_LOG_LEVEL": &c.LogLevel,
		"DETOUR_MECHANISM": &c.Defaults.Mechanism,
	}
	for key, target := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*target = v
		}
	}
}

// Resolve fills the empty fields of h from the defaults.
func (c *Config) Resolve(h HookConfig) HookConfig {
	d := c.Defaults
	if h.Mechanism == "" {
		h.Mechanism = d.Mechanism
	}
	if h.Order == "" {
		h.Order = d.Order
	}
	if h.Return == "" {
		h.Return = d.Return
	}
	if h.Args == 0 {
		h.Args = d.Args
	}
	if h.SearchWindow == 0 {
		h.SearchWindow = d.SearchWindow
	}
	h.NearJump = h.NearJump || d.NearJump
	return h
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs error
	if _, err := c.Level(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.Defaults.validate(); err != nil {
		errs = multierr.Append(errs, errors.WithMessage(err, "defaults"))
	}
	seen := make(map[string]bool, len(c.Hooks))
	for i, h := range c.Hooks {
		if h.Symbol == "" {
			errs = multierr.Append(errs, errors.Errorf("hooks[%d]: symbol is required", i))
			continue
		}
		if seen[h.Symbol] {
			errs = multierr.Append(errs, errors.Errorf("hooks[%d]: %s listed twice", i, h.Symbol))
		}
		seen[h.Symbol] = true
		if err := c.Resolve(h.HookConfig).validate(); err != nil {
			errs = multierr.Append(errs, errors.WithMessagef(err, "hooks[%d] %s", i, h.Symbol))
		}
	}
	return errs
}

func (h HookConfig) validate() error {
	var errs error
	if _, err := h.Options(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := h.Mech(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := h.CallOrder(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := h.ReturnPolicy(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// Mech parses the mechanism.
func (h HookConfig) Mech() (detour.Mechanism, error) {
	return detour.ParseMechanism(h.Mechanism)
}

// CallOrder parses the order.
func (h HookConfig) CallOrder() (detour.CallOrder, error) {
	return detour.ParseCallOrder(h.Order)
}

// ReturnPolicy parses the return policy.
func (h HookConfig) ReturnPolicy() (detour.ReturnPolicy, error) {
	return detour.ParseReturnPolicy(h.Return)
}

// Options turns the numeric settings into Hook options.
func (h HookConfig) Options() ([]detour.Option, error) {
	if h.Args < 0 || h.Args > detour.MaxArgs {
		return nil, errors.WithMessagef(detour.ErrInvalidOption, "args %d", h.Args)
	}
	if h.SearchWindow < 0 || h.SearchWindow > 256 {
		return nil, errors.WithMessagef(detour.ErrInvalidOption, "search_window %d", h.SearchWindow)
	}
	var opts []detour.Option
	if h.Args > 0 {
		opts = append(opts, detour.WithArgs(h.Args))
	}
	if h.SearchWindow > 0 {
		opts = append(opts, detour.WithSearchWindow(h.SearchWindow))
	}
	if h.NearJump {
		opts = append(opts, detour.WithNearJump())
	}
	return opts, nil
}

// Level maps LogLevel to a zap level.
func (c *Config) Level() (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return l, errors.Errorf("log_level %q", c.LogLevel)
	}
	return l, nil
}

// Logger builds a production logger at the configured level, or a
// development one when debug is set.
func (c *Config) Logger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	lvl, err := c.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	return zc.Build()
}
