// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import "go.uber.org/zap"

// Call is one intercepted invocation as seen by a callback.
type Call struct {
	d      *Detour
	target uintptr
	mech   Mechanism
	thread int
	args   []uintptr

	ran     bool
	skipped bool
	result  uintptr
	err     error
}

// Args returns a copy of the arguments.
func (c *Call) Args() []uintptr {
	return append([]uintptr{}, c.args...)
}

// Arg returns argument i, zero past the forwarded ones.
func (c *Call) Arg(i int) uintptr {
	if i < 0 || i >= len(c.args) {
		return 0
	}
	return c.args[i]
}

// SetArg changes what the original will receive. It has no effect once the
// original ran.
func (c *Call) SetArg(i int, v uintptr) {
	if c.ran || i < 0 || i >= len(c.args) {
		return
	}
	c.args[i] = v
}

// Original runs the original behaviour once and returns its result; later
// calls return the same value.
func (c *Call) Original() uintptr {
	if !c.ran {
		c.ran = true
		c.result, c.err = c.d.callOriginal(c.target, c.mech, c.thread, c.args)
		if c.err != nil {
			lg().Warn("original call failed", zap.Uintptr("target", c.target), zap.Error(c.err))
		}
	}
	return c.result
}

// Ran reports whether the original has run.
func (c *Call) Ran() bool { return c.ran }

// Skip suppresses the original in CallbackFirst order.
func (c *Call) Skip() { c.skipped = true }

// Err is the error of the original call, if any.
func (c *Call) Err() error { return c.err }

// Target is the hooked address.
func (c *Call) Target() uintptr { return c.target }

// Thread is the id of the thread that made the call.
func (c *Call) Thread() int { return c.thread }

// Detour is the detour that intercepted the call.
func (c *Call) Detour() *Detour { return c.d }

// dispatch runs callback and original in the configured order and picks
// the value to return.
func (d *Detour) dispatch(thread int, args []uintptr) uintptr {
	d.enter()
	defer d.leave()
	c := &Call{d: d, target: d.target, mech: d.mech, thread: thread, args: args}
	var v uintptr
	if d.order == OriginalFirst {
		c.Original()
		v = d.cb.Invoke(c)
	} else {
		v = d.cb.Invoke(c)
		if !c.skipped {
			c.Original()
		}
	}
	if d.ret == UseCallback || !c.ran {
		return v
	}
	return c.result
}

// callOriginal runs the original behaviour per mechanism. A target restored
// in the meantime is called directly.
func (d *Detour) callOriginal(target uintptr, m Mechanism, thread int, args []uintptr) (uintptr, error) {
	switch m {
	case CodePatch:
		if at := d.moved(); at != 0 {
			return d.eng.p.Native.Call(at, args...)
		}
		return d.eng.p.Native.Call(target, args...)
	case TrapException:
		return d.callTrapped(target, args)
	case HardwareBreakpoint:
		return d.callGuarded(target, thread, args)
	}
	return 0, ErrUnknownMechanism
}

// CallOriginal runs the original behaviour from outside a callback.
func (d *Detour) CallOriginal(args ...uintptr) (uintptr, error) {
	if !d.installed {
		return 0, ErrNotInstalled
	}
	d.enter()
	defer d.leave()
	return d.callOriginal(d.target, d.mech, d.eng.p.Native.CurrentThread(), args)
}
