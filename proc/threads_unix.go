// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix

package proc

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// procThreads lists threads through the process table. Debug registers of
// another thread can only be written by a tracer, which this back-end is
// not.
type procThreads struct {
	pid int32
}

func (t procThreads) ThreadIDs() ([]int, error) {
	p, err := process.NewProcess(t.pid)
	if err != nil {
		return nil, errors.WithMessagef(err, "process %d", t.pid)
	}
	stats, err := p.Threads()
	if err != nil {
		return nil, errors.WithMessagef(err, "threads of %d", t.pid)
	}
	ids := make([]int, 0, len(stats))
	for tid := range stats {
		ids = append(ids, int(tid))
	}
	sort.Ints(ids)
	return ids, nil
}

func (procThreads) SetExecBreakpoint(int, uintptr) (int, error) {
	return -1, ErrUnsupported
}

func (procThreads) ClearBreakpoint(int, int) error {
	return ErrUnsupported
}
