// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

var (
	procAddVectoredExceptionHandler    = kernel32.NewProc("AddVectoredExceptionHandler")
	procRemoveVectoredExceptionHandler = kernel32.NewProc("RemoveVectoredExceptionHandler")
)

type vectoredHandlers struct {
	mem Memory
}

func newVectorer(mem Memory) Vectorer {
	return vectoredHandlers{mem: mem}
}

// AddHandler registers h first in the vectored handler list. The handler
// runs on whichever thread faulted, which must be able to enter Go.
func (v vectoredHandlers) AddHandler(h ExceptionHandler) (func() error, error) {
	cb := windows.NewCallback(func(ep *exceptionPointers) uintptr {
		rec := ep.ExceptionRecord
		e := &Exception{
			Code:    Code(rec.ExceptionCode),
			Address: rec.ExceptionAddress,
			Context: &trapContext{
				tid: int(windows.GetCurrentThreadId()),
				c:   ep.ContextRecord,
				mem: v.mem,
			},
		}
		return uintptr(int(h(e)))
	})
	handle, _, err := procAddVectoredExceptionHandler.Call(1, cb)
	if handle == 0 {
		return nil, errors.WithMessage(err, "AddVectoredExceptionHandler")
	}
	return func() error {
		if r, _, err := procRemoveVectoredExceptionHandler.Call(handle); r == 0 {
			return errors.WithMessage(err, "RemoveVectoredExceptionHandler")
		}
		return nil
	}, nil
}
