// Copyright (C) 2022 K2 Cyber Security Inc.

package proc

import "golang.org/x/sys/unix"

// localNative only knows which thread it runs on; calling into machine code
// from Go needs cgo here.
type localNative struct {
	unsupported
}

func (localNative) CurrentThread() int {
	return unix.Gettid()
}
