// Copyright (C) 2022 K2 Cyber Security Inc.

// Package threadbp spreads one execute breakpoint over every thread of a
// process and remembers which debug register each thread used.
package threadbp

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/k2io/detour/proc"
)

// Coverage reports the outcome of spreading a breakpoint.
type Coverage struct {
	Covered []int
	Failed  map[int]error
}

// Complete reports whether every thread got the breakpoint.
func (c Coverage) Complete() bool {
	return len(c.Failed) == 0
}

// Err combines the per-thread failures.
func (c Coverage) Err() error {
	tids := maps.Keys(c.Failed)
	slices.Sort(tids)
	var err error
	for _, tid := range tids {
		err = multierr.Append(err, errors.WithMessagef(c.Failed[tid], "thread %d", tid))
	}
	return err
}

type key struct {
	tid  int
	addr uintptr
}

// Manager owns the (thread, address) -> debug register table.
type Manager struct {
	threads proc.Threads
	log     *zap.Logger

	mu    sync.Mutex
	slots map[key]int
}

// New returns a manager programming breakpoints through threads.
func New(threads proc.Threads, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		threads: threads,
		log:     log,
		slots:   make(map[key]int),
	}
}

// InstallOnAllThreads arms addr on every thread of a fresh snapshot. A
// thread that already watches addr is left alone and counted as covered.
// The error is reserved for a failed enumeration; per-thread failures are
// in the coverage.
func (m *Manager) InstallOnAllThreads(addr uintptr) (Coverage, error) {
	tids, err := m.threads.ThreadIDs()
	if err != nil {
		return Coverage{}, errors.WithMessage(err, "enumerate threads")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cov := Coverage{Failed: make(map[int]error)}
	for _, tid := range tids {
		k := key{tid: tid, addr: addr}
		if _, ok := m.slots[k]; ok {
			cov.Covered = append(cov.Covered, tid)
			continue
		}
		slot, err := m.threads.SetExecBreakpoint(tid, addr)
		if err != nil {
			m.log.Debug("breakpoint not set", zap.Int("thread", tid), zap.Uintptr("addr", addr), zap.Error(err))
			cov.Failed[tid] = err
			continue
		}
		m.log.Debug("breakpoint set", zap.Int("thread", tid), zap.Uintptr("addr", addr), zap.Int("slot", slot))
		m.slots[k] = slot
		cov.Covered = append(cov.Covered, tid)
	}
	return cov, nil
}

// RemoveFromAllThreads disarms addr wherever it was armed. Threads that
// exited meanwhile are ignored; other failures are combined. The table
// forgets addr either way.
func (m *Manager) RemoveFromAllThreads(addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var held []key
	for k := range m.slots {
		if k.addr == addr {
			held = append(held, k)
		}
	}
	slices.SortFunc(held, func(a, b key) bool { return a.tid < b.tid })

	var errs error
	for _, k := range held {
		slot := m.slots[k]
		delete(m.slots, k)
		err := m.threads.ClearBreakpoint(k.tid, slot)
		switch {
		case err == nil:
		case errors.Is(err, proc.ErrThreadGone):
			m.log.Debug("thread gone", zap.Int("thread", k.tid))
		default:
			errs = multierr.Append(errs, errors.WithMessagef(err, "thread %d", k.tid))
		}
	}
	return errs
}

// Slots returns thread -> debug register for addr.
func (m *Manager) Slots(addr uintptr) map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int)
	for k, slot := range m.slots {
		if k.addr == addr {
			out[k.tid] = slot
		}
	}
	return out
}
