// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/k2io/detour/emit"
	"github.com/k2io/detour/internal/registry"
	"github.com/k2io/detour/internal/threadbp"
	"github.com/k2io/detour/proc"
)

// Engine owns the detours of one process: the address registry, the
// exception handler and the shared dispatch entry.
type Engine struct {
	p    *proc.Process
	emit emit.Emitter

	// hooks applied with target addresses as keys
	hooks   *registry.Registry[*Detour]
	handles *registry.Handles[*Detour]
	threads *threadbp.Manager

	mu            sync.Mutex
	removeHandler func() error
	entry         uintptr
	reader        uintptr
}

var engines sync.Map // *proc.Process -> *Engine

// Attach returns the engine of p, creating it on first use.
func Attach(p *proc.Process) (*Engine, error) {
	if p == nil {
		return nil, errors.WithMessage(ErrUnsupported, "no process")
	}
	if e, ok := engines.Load(p); ok {
		return e.(*Engine), nil
	}
	em, err := emit.For(p.Mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "process %d", p.PID)
	}
	e := &Engine{
		p:       p,
		emit:    em,
		hooks:   registry.New[*Detour](),
		handles: registry.NewHandles[*Detour](),
	}
	if p.Threads != nil {
		e.threads = threadbp.New(p.Threads, lg().Named("threadbp"))
	}
	got, _ := engines.LoadOrStore(p, e)
	return got.(*Engine), nil
}

// Local returns the engine of the calling process.
func Local() (*Engine, error) {
	p, err := proc.Local()
	if err != nil {
		return nil, err
	}
	return Attach(p)
}

// New returns an uninstalled detour.
func (e *Engine) New() *Detour {
	return &Detour{eng: e}
}

// Process is the process the engine patches.
func (e *Engine) Process() *proc.Process { return e.p }

// Lookup returns the detour installed at addr.
func (e *Engine) Lookup(addr uintptr) (*Detour, bool) {
	return e.hooks.Lookup(addr)
}

// Len is the number of installed detours.
func (e *Engine) Len() int {
	return e.hooks.Count(nil)
}

// ReleaseHandler unregisters the exception handler once no trap or hardware
// detour is left. The next such Hook registers it again.
func (e *Engine) ReleaseHandler() error {
	if e.hooks.Count(needsHandler) > 0 {
		return ErrHandlerBusy
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeHandler == nil {
		return nil
	}
	if err := e.removeHandler(); err != nil {
		return errors.WithMessage(err, "remove exception handler")
	}
	e.removeHandler = nil
	lg().Debug("exception handler released", zap.Int("pid", e.p.PID))
	return nil
}

func needsHandler(d *Detour) bool {
	return d.mech == TrapException || d.mech == HardwareBreakpoint
}

// ensureHandler registers the exception handler once.
func (e *Engine) ensureHandler() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removeHandler != nil {
		return nil
	}
	if e.p.Vector == nil {
		return errors.WithMessage(ErrHandlerRegistration, ErrUnsupported.Error())
	}
	remove, err := e.p.Vector.AddHandler(e.handleException)
	if err != nil {
		return errors.WithMessage(ErrHandlerRegistration, err.Error())
	}
	e.removeHandler = remove
	lg().Debug("exception handler registered", zap.Int("pid", e.p.PID))
	return nil
}

// dispatchEntry returns the native entry every CodePatch thunk jumps to,
// creating it and the slot reader on first use.
func (e *Engine) dispatchEntry() (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.entry != 0 {
		return e.entry, nil
	}
	if e.p.Native == nil || e.p.Code == nil || e.p.Memory == nil {
		return 0, ErrUnsupported
	}

	code := e.emit.SlotReader(e.p.Slot)
	reader, err := e.p.Code.AllocCode(0, len(code))
	if err != nil {
		return 0, errors.WithMessage(err, "slot reader")
	}
	if err := e.p.Memory.WriteMemory(reader, code); err != nil {
		e.p.Code.FreeCode(reader)
		return 0, errors.WithMessage(err, "slot reader")
	}
	entry, err := e.p.Native.NewCallback(e.enter)
	if err != nil {
		e.p.Code.FreeCode(reader)
		return 0, errors.WithMessage(err, "dispatch entry")
	}
	e.reader, e.entry = reader, entry
	return entry, nil
}

// enter runs on the hooked thread after a thunk stored the handle of its
// detour in the thread slot.
func (e *Engine) enter(args []uintptr) uintptr {
	h, err := e.p.Native.Call(e.reader)
	if err != nil {
		lg().Error("read detour handle", zap.Error(err))
		return 0
	}
	d, ok := e.handles.Get(h)
	if !ok {
		lg().Error("stale detour handle", zap.Uintptr("handle", h))
		return 0
	}
	return d.dispatch(e.p.Native.CurrentThread(), append([]uintptr{}, args[:d.opts.args]...))
}
