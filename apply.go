// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Hook diverts calls of target to cb using mechanism m. order decides
// whether cb or the original runs first and ret which result the caller
// gets. On failure nothing of the attempt is left behind.
func (d *Detour) Hook(target uintptr, cb Callback, m Mechanism, order CallOrder, ret ReturnPolicy, opts ...Option) error {
	if d.installed {
		return ErrAlreadyInstalled
	}
	if !cb.Valid() {
		return ErrNoCallback
	}
	o, err := newOptions(opts)
	if err != nil {
		return err
	}

	prevTarget, prevMech := d.target, d.mech
	d.target, d.cb, d.mech, d.order, d.ret, d.opts = target, cb, m, order, ret, o
	switch m {
	case CodePatch:
		err = d.applyPatch()
	case TrapException:
		err = d.applyTrap()
	case HardwareBreakpoint:
		err = d.applyHardware()
	default:
		err = ErrUnknownMechanism
	}
	if err != nil {
		d.target, d.mech = prevTarget, prevMech
		lg().Debug("hook failed", zap.Uintptr("target", target), zap.Stringer("mechanism", m), zap.Error(err))
		return errors.WithMessagef(err, "hook %#x", target)
	}
	d.installed = true
	lg().Debug("hooked", zap.Uintptr("target", target), zap.Stringer("mechanism", m),
		zap.Stringer("order", order), zap.Stringer("return", ret))
	return nil
}

// Restore undoes Hook. If the original code cannot be written back the
// detour stays installed and Restore may be retried.
func (d *Detour) Restore() error {
	if !d.installed {
		return ErrNotInstalled
	}
	var err error
	switch d.mech {
	case CodePatch:
		err = d.restorePatch()
	case TrapException:
		err = d.restoreTrap()
	case HardwareBreakpoint:
		// always uninstalls; err only reports threads left armed
		err = d.restoreHardware()
		d.release()
		return err
	}
	if err != nil {
		return errors.WithMessagef(err, "restore %#x", d.target)
	}
	d.release()
	return nil
}

func (d *Detour) release() {
	d.eng.hooks.Remove(d.target, d)
	lg().Debug("restored", zap.Uintptr("target", d.target), zap.Stringer("mechanism", d.mech))
	d.installed = false
}

// rollback collects undo steps of a partial install.
type rollback []func()

func (r *rollback) add(f func()) { *r = append(*r, f) }

func (r rollback) run() {
	for i := len(r) - 1; i >= 0; i-- {
		r[i]()
	}
}

// claim registers d for its target.
func (d *Detour) claim(undo *rollback) error {
	if err := d.eng.hooks.Insert(d.target, d); err != nil {
		return ErrDoubleHook
	}
	undo.add(func() { d.eng.hooks.Remove(d.target, d) })
	return nil
}
