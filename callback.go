// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

// Callback is what a detour runs instead of, or around, the target. It is
// either a free function or a method bound to a host value.
type Callback struct {
	fn    func(*Call) uintptr
	bound bool
}

// Fn wraps a free function.
func Fn(fn func(*Call) uintptr) Callback {
	return Callback{fn: fn}
}

// Bind wraps method called on host.
func Bind[H any](host H, method func(H, *Call) uintptr) Callback {
	if method == nil {
		return Callback{}
	}
	return Callback{
		fn:    func(c *Call) uintptr { return method(host, c) },
		bound: true,
	}
}

// Valid reports whether there is something to call.
func (cb Callback) Valid() bool { return cb.fn != nil }

// Bound reports whether the callback carries a host.
func (cb Callback) Bound() bool { return cb.bound }

// Invoke runs the callback.
func (cb Callback) Invoke(c *Call) uintptr {
	return cb.fn(c)
}
