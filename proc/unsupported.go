// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

// unsupported stands in for facilities a back-end cannot provide.
type unsupported struct{}

func (unsupported) ThreadIDs() ([]int, error) {
	return nil, ErrUnsupported
}

func (unsupported) SetExecBreakpoint(int, uintptr) (int, error) {
	return -1, ErrUnsupported
}

func (unsupported) ClearBreakpoint(int, int) error {
	return ErrUnsupported
}

func (unsupported) AddHandler(ExceptionHandler) (func() error, error) {
	return nil, ErrUnsupported
}

func (unsupported) Call(uintptr, ...uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) NewCallback(func([]uintptr) uintptr) (uintptr, error) {
	return 0, ErrUnsupported
}

func (unsupported) CurrentThread() int {
	return 0
}

// standIn is implemented by every facility built on unsupported.
type standIn interface{ standIn() }

func (unsupported) standIn() {}

// Missing reports whether facility f is absent or only a stand-in that
// answers ErrUnsupported.
func Missing(f any) bool {
	if f == nil {
		return true
	}
	_, ok := f.(standIn)
	return ok
}
