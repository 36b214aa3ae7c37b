// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"go.uber.org/zap"

	"github.com/k2io/detour/proc"
)

// handleException is the one handler an engine registers. It only claims
// exceptions raised at the address of a trap or hardware detour of the
// matching kind; everything else goes to the next handler.
func (e *Engine) handleException(ex *proc.Exception) proc.Disposition {
	var want Mechanism
	switch ex.Code {
	case proc.Breakpoint:
		want = TrapException
	case proc.SingleStep:
		want = HardwareBreakpoint
	default:
		return proc.ContinueSearch
	}
	d, ok := e.hooks.Lookup(ex.Address)
	if !ok || d.mech != want {
		return proc.ContinueSearch
	}

	ctx := ex.Context
	tid := ctx.ThreadID()
	if want == HardwareBreakpoint && d.reentered(tid) {
		// the original itself: run the instruction once without the breakpoint
		ctx.SetFlags(ctx.Flags() | proc.FlagRF)
		return proc.ContinueExecution
	}

	args := make([]uintptr, d.opts.args)
	for i := range args {
		args[i] = ctx.Arg(i)
	}
	r := d.dispatch(tid, args)
	ctx.SetResult(r)
	if err := ctx.Return(); err != nil {
		lg().Error("return from detour", zap.Uintptr("target", d.target), zap.Int("thread", tid), zap.Error(err))
		return proc.ContinueSearch
	}
	return proc.ContinueExecution
}
