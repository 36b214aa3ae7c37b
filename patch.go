// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/k2io/detour/emit"
	"github.com/k2io/detour/proc"
)

// applyPatch installs a CodePatch detour:
//
//	target:  jmp stub                 (padded with nop to whole instructions)
//	stub:    thunk -> dispatch entry
//	copyAt:  moved instructions; jmp target+n
func (d *Detour) applyPatch() (err error) {
	e := d.eng
	p := e.p
	if p.Memory == nil || p.Code == nil || proc.Missing(p.Native) {
		return ErrUnsupported
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

	window, err := p.Memory.ReadMemory(d.target, d.opts.window)
	if err != nil {
		return err
	}
	entry, err := e.dispatchEntry()
	if err != nil {
		return err
	}

	copyOff := (e.emit.ThunkLen() + 15) &^ 15
	// short branches grow to rel32 when moved; leave room for that and the jump back
	size := copyOff + 4*d.opts.window
	stub, err := p.Code.AllocCode(d.target, size)
	if err != nil {
		return err
	}
	undo.add(func() { p.Code.FreeCode(stub) })

	n, err := e.emit.JumpLen(d.target, stub, d.opts.near)
	if err != nil {
		return err
	}
	pro, err := emit.Scan(window, e.emit.Mode(), n)
	if err != nil {
		return err
	}
	if err := d.saved.Keep(d.target, pro.Code); err != nil {
		return err
	}
	undo.add(d.saved.Discard)

	handle := e.handles.Put(d)
	undo.add(func() { e.handles.Drop(handle) })

	thunk, err := e.emit.Thunk(stub, p.Slot, handle, entry)
	if err != nil {
		return err
	}
	copyAt := stub + uintptr(copyOff)
	moved, err := emit.Relocate(pro, d.target, copyAt, e.emit.Mode())
	if err != nil {
		return err
	}
	back, err := e.emit.Jump(copyAt+uintptr(len(moved)), d.target+uintptr(pro.Len()), false)
	if err != nil {
		return err
	}
	code := append(emit.Pad(thunk, copyOff), moved...)
	code = append(code, back...)
	if len(code) > size {
		return errors.WithMessagef(ErrPatchUnencodable, "stub needs %d bytes", len(code))
	}
	if err := p.Memory.WriteMemory(stub, code); err != nil {
		return err
	}

	redirect, err := e.emit.Jump(d.target, stub, d.opts.near)
	if err != nil {
		return err
	}
	// last step: nothing to undo after it succeeds
	if err := p.Memory.WriteMemory(d.target, emit.Pad(redirect, pro.Len())); err != nil {
		return err
	}

	d.flightMu.Lock()
	d.stub, d.copyAt, d.handle = stub, copyAt, handle
	d.flightMu.Unlock()
	lg().Debug("patched", zap.Uintptr("target", d.target), zap.Int("length", pro.Len()),
		zap.Uintptr("stub", stub), zap.Bool("pcrel", !pro.Relocatable))
	return nil
}

func (d *Detour) restorePatch() error {
	p := d.eng.p
	if err := d.saved.Restore(p.Memory); err != nil {
		return err
	}
	d.eng.handles.Drop(d.handle)

	d.flightMu.Lock()
	stub := d.stub
	d.stub, d.copyAt, d.handle = 0, 0, 0
	if d.flight > 0 {
		// a dispatch may still run the moved instructions
		d.orphan, stub = stub, 0
	}
	d.flightMu.Unlock()
	d.freeStub(stub)
	return nil
}

func (d *Detour) freeStub(stub uintptr) {
	if stub == 0 {
		return
	}
	if err := d.eng.p.Code.FreeCode(stub); err != nil {
		lg().Warn("free stub", zap.Uintptr("stub", stub), zap.Error(err))
	}
}

// enter and leave bracket a dispatch or a CallOriginal.
func (d *Detour) enter() {
	d.flightMu.Lock()
	d.flight++
	d.flightMu.Unlock()
}

func (d *Detour) leave() {
	d.flightMu.Lock()
	d.flight--
	var stub uintptr
	if d.flight == 0 {
		stub, d.orphan = d.orphan, 0
	}
	d.flightMu.Unlock()
	d.freeStub(stub)
}

// moved returns the relocated prologue, zero once the target is restored.
func (d *Detour) moved() uintptr {
	d.flightMu.Lock()
	defer d.flightMu.Unlock()
	return d.copyAt
}
