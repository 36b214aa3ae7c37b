// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

// applyHardware arms an execute breakpoint on every thread; the code stays
// untouched.
func (d *Detour) applyHardware() (err error) {
	e := d.eng
	if e.threads == nil || proc.Missing(e.p.Native) {
		return ErrUnsupported
	}
	if err := e.ensureHandler(); err != nil {
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
	cov, err := e.threads.InstallOnAllThreads(d.target)
	if err != nil {
		return err
	}
	undo.add(func() { e.threads.RemoveFromAllThreads(d.target) })
	if len(cov.Covered) == 0 {
		return noCoverage(cov)
	}
	if !cov.Complete() {
		lg().Warn("hardware breakpoint missing on some threads",
			zap.Uintptr("target", d.target), zap.Ints("covered", cov.Covered), zap.Error(cov.Err()))
	}
	d.coverage = cov
	return nil
}

// noCoverage explains why not a single thread took the breakpoint.
func noCoverage(cov Coverage) error {
	for _, err := range cov.Failed {
		if !errors.Is(err, debugreg.ErrSlotsExhausted) {
			return errors.WithMessage(cov.Err(), "no thread covered")
		}
	}
	return errors.WithMessagef(ErrSlotExhausted, "no thread covered out of %d", len(cov.Failed))
}

// Refresh arms a HardwareBreakpoint detour on threads started after Hook.
func (d *Detour) Refresh() (Coverage, error) {
	if !d.installed {
		return Coverage{}, ErrNotInstalled
	}
	if d.mech != HardwareBreakpoint {
		return d.coverage, nil
	}
	cov, err := d.eng.threads.InstallOnAllThreads(d.target)
	if err != nil {
		return d.coverage, err
	}
	d.coverage = cov
	return cov, nil
}

func (d *Detour) restoreHardware() error {
	err := d.eng.threads.RemoveFromAllThreads(d.target)
	d.coverage = Coverage{}
	return err
}

// callGuarded runs the target on thread with its breakpoint answered by
// the resume flag.
func (d *Detour) callGuarded(target uintptr, thread int, args []uintptr) (uintptr, error) {
	d.busyMu.Lock()
	if d.busy == nil {
		d.busy = make(map[int]int)
	}
	d.busy[thread]++
	d.busyMu.Unlock()

	defer func() {
		d.busyMu.Lock()
		if d.busy[thread]--; d.busy[thread] == 0 {
			delete(d.busy, thread)
		}
		d.busyMu.Unlock()
	}()
	return d.eng.p.Native.Call(target, args...)
}

func (d *Detour) reentered(thread int) bool {
	d.busyMu.Lock()
	defer d.busyMu.Unlock()
	return d.busy[thread] > 0
}
