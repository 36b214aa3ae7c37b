// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import "github.com/pkg/errors"

const (
	// DefaultArgs is the number of arguments forwarded to callbacks.
	DefaultArgs = 4
	// MaxArgs is the most arguments a callback can see.
	MaxArgs = 6
	// DefaultSearchWindow is how many bytes of prologue are decoded.
	DefaultSearchWindow = 32
)

type options struct {
	args   int
	window int
	near   bool
}

// Option tunes one Hook call.
type Option func(*options)

// WithArgs sets how many integer arguments are read at the call and passed
// on to the original.
func WithArgs(n int) Option {
	return func(o *options) { o.args = n }
}

// WithSearchWindow sets how many bytes of the target are decoded when
// looking for instructions to move.
func WithSearchWindow(n int) Option {
	return func(o *options) { o.window = n }
}

// WithNearJump allows only the five byte relative redirect.
func WithNearJump() Option {
	return func(o *options) { o.near = true }
}

func newOptions(opts []Option) (options, error) {
	o := options{args: DefaultArgs, window: DefaultSearchWindow}
	for _, opt := range opts {
		opt(&o)
	}
	if o.args < 0 || o.args > MaxArgs {
		return o, errors.WithMessagef(ErrInvalidOption, "%d arguments, at most %d", o.args, MaxArgs)
	}
	if o.window < 1 || o.window > 256 {
		return o, errors.WithMessagef(ErrInvalidOption, "search window %d", o.window)
	}
	return o, nil
}
