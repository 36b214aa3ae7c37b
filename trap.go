// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/k2io/detour/emit"
	"github.com/k2io/detour/proc"
)

var trapCode = []byte{emit.Trap}

// applyTrap replaces the first byte of the target with int3.
func (d *Detour) applyTrap() (err error) {
	p := d.eng.p
	if p.Memory == nil || proc.Missing(p.Native) {
		return ErrUnsupported
	}
	if err := d.eng.ensureHandler(); err != nil {
		return err
	}

	var undo rollback
	defer func() {
		if err != nil {
			undo.run()
		}
	}()
	if err := d.claim(&undo); err != nil {
		return err
	}
	if err := d.saved.Save(p.Memory, d.target, 1); err != nil {
		return err
	}
	undo.add(d.saved.Discard)

	d.armMu.Lock()
	d.armed, d.depth = true, 0
	d.armMu.Unlock()
	undo.add(func() {
		d.armMu.Lock()
		d.armed = false
		d.armMu.Unlock()
	})
	return p.Memory.WriteMemory(d.target, trapCode)
}

func (d *Detour) restoreTrap() error {
	d.armMu.Lock()
	defer d.armMu.Unlock()
	if d.depth > 0 {
		// the original is running with the trap lifted: keep the bytes as
		// they are and stop re-arming
		d.saved.Discard()
		d.armed = false
		return nil
	}
	if err := d.saved.Restore(d.eng.p.Memory); err != nil {
		return err
	}
	d.armed = false
	return nil
}

// callTrapped lifts the trap, runs the target and puts the trap back when
// the outermost original call returns.
func (d *Detour) callTrapped(target uintptr, args []uintptr) (uintptr, error) {
	mem := d.eng.p.Memory

	d.armMu.Lock()
	d.depth++
	if d.depth == 1 && d.armed {
		if err := d.saved.Rewrite(mem); err != nil {
			d.depth--
			d.armMu.Unlock()
			return 0, errors.WithMessage(err, "lift trap")
		}
	}
	d.armMu.Unlock()

	r, err := d.eng.p.Native.Call(target, args...)

	d.armMu.Lock()
	d.depth--
	if d.depth == 0 && d.armed {
		if werr := mem.WriteMemory(target, trapCode); werr != nil {
			lg().Error("re-arm trap", zap.Uintptr("target", target), zap.Error(werr))
			if err == nil {
				err = errors.WithMessage(werr, "re-arm trap")
			}
		}
	}
	d.armMu.Unlock()
	return r, err
}
