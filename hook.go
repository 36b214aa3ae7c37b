// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/k2io/detour/emit"
	"github.com/k2io/detour/internal/threadbp"
	"github.com/k2io/detour/internal/vault"
	"github.com/k2io/detour/proc"
	"github.com/k2io/detour/proc/debugreg"
)

var (
	// ErrAlreadyInstalled means Hook was called on an installed detour
	ErrAlreadyInstalled = errors.New("already installed")
	// ErrNotInstalled means Restore was called on an uninstalled detour
	ErrNotInstalled = errors.New("not installed")
	// ErrDoubleHook means another detour already owns the address
	ErrDoubleHook = errors.New("double hook")
	// ErrPatchUnencodable means a jump or relocated operand cannot reach its target
	ErrPatchUnencodable = emit.ErrPatchUnencodable
	// ErrPrologueTooShort means the function ends before a redirect fits
	ErrPrologueTooShort = emit.ErrPrologueTooShort
	// ErrRelativeAddr means cannot move an instruction out of the patched region
	ErrRelativeAddr = emit.ErrRelativeAddr
	// ErrMemoryAccess means the target could not be read or written
	ErrMemoryAccess = proc.ErrMemoryAccess
	// ErrHandlerRegistration means the exception handler could not be registered
	ErrHandlerRegistration = errors.New("exception handler registration failed")
	// ErrSlotExhausted means no thread had a free debug register
	ErrSlotExhausted = debugreg.ErrSlotsExhausted
	// ErrUnsupported means the process lacks a facility the mechanism needs
	ErrUnsupported = proc.ErrUnsupported
	// ErrNoCallback means the callback is empty
	ErrNoCallback = errors.New("no callback")
	// ErrUnknownMechanism means the mechanism value is out of range
	ErrUnknownMechanism = errors.New("unknown mechanism")
	// ErrHandlerBusy means trap or hardware detours still need the handler
	ErrHandlerBusy = errors.New("exception handler still in use")
	// ErrInvalidOption means an option value is out of range
	ErrInvalidOption = errors.New("invalid option")
)

// Mechanism is how control is diverted from the target.
type Mechanism int

const (
	// CodePatch overwrites the prologue with a jump.
	CodePatch Mechanism = iota
	// TrapException overwrites the first byte with int3.
	TrapException
	// HardwareBreakpoint arms an execute breakpoint in every thread.
	HardwareBreakpoint
)

var mechanismNames = [...]string{"codepatch", "trap", "hardware"}

func (m Mechanism) String() string {
	if m < 0 || int(m) >= len(mechanismNames) {
		return fmt.Sprintf("mechanism(%d)", int(m))
	}
	return mechanismNames[m]
}

// ParseMechanism is the inverse of String.
func ParseMechanism(s string) (Mechanism, error) {
	for i, n := range mechanismNames {
		if strings.EqualFold(s, n) {
			return Mechanism(i), nil
		}
	}
	return 0, pkgerrors.WithMessagef(ErrUnknownMechanism, "%q", s)
}

// CallOrder is whether the callback runs before or after the original.
type CallOrder int

const (
	CallbackFirst CallOrder = iota
	OriginalFirst
)

func (o CallOrder) String() string {
	if o == OriginalFirst {
		return "original-first"
	}
	return "callback-first"
}

// ParseCallOrder is the inverse of String.
func ParseCallOrder(s string) (CallOrder, error) {
	switch strings.ToLower(s) {
	case "callback-first":
		return CallbackFirst, nil
	case "original-first":
		return OriginalFirst, nil
	}
	return 0, pkgerrors.WithMessagef(ErrInvalidOption, "call order %q", s)
}

// ReturnPolicy picks the value the hooked call returns.
type ReturnPolicy int

const (
	UseOriginal ReturnPolicy = iota
	UseCallback
)

func (r ReturnPolicy) String() string {
	if r == UseCallback {
		return "callback"
	}
	return "original"
}

// ParseReturnPolicy is the inverse of String.
func ParseReturnPolicy(s string) (ReturnPolicy, error) {
	switch strings.ToLower(s) {
	case "original":
		return UseOriginal, nil
	case "callback":
		return UseCallback, nil
	}
	return 0, pkgerrors.WithMessagef(ErrInvalidOption, "return policy %q", s)
}

// Coverage reports which threads carry a hardware breakpoint.
type Coverage = threadbp.Coverage

// Detour is one interception of one target address.
type Detour struct {
	eng *Engine

	target    uintptr
	mech      Mechanism
	order     CallOrder
	ret       ReturnPolicy
	cb        Callback
	opts      options
	installed bool

	// the overwritten instructions
	saved vault.Vault

	// CodePatch: thunk and moved instructions share one allocation
	stub   uintptr
	copyAt uintptr
	handle uintptr

	// dispatches in progress; a stub restored under them is freed by the last
	flightMu sync.Mutex
	flight   int
	orphan   uintptr

	// TrapException: depth of original calls with the trap lifted
	armMu sync.Mutex
	armed bool
	depth int

	// HardwareBreakpoint: threads currently inside the original
	busyMu   sync.Mutex
	busy     map[int]int
	coverage Coverage
}

// Target is the address of the last successful Hook. It is kept after
// Restore and is zero before the first Hook.
func (d *Detour) Target() uintptr { return d.target }

// Installed reports whether the detour is active.
func (d *Detour) Installed() bool { return d.installed }

// Mechanism is the mechanism of the last successful Hook.
func (d *Detour) Mechanism() Mechanism { return d.mech }

// Coverage reports the threads a HardwareBreakpoint detour reached.
func (d *Detour) Coverage() Coverage { return d.coverage }

// Engine returns the engine the detour belongs to.
func (d *Detour) Engine() *Engine { return d.eng }
