// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix && !linux

package proc

import "golang.org/x/sys/unix"

// pageProts has no portable source for the current protection here; writes
// are meant for code pages, which go back to read and execute.
func pageProts(start, length, pageSize uintptr) ([]int, error) {
	prots := make([]int, length/pageSize)
	for i := range prots {
		prots[i] = unix.PROT_READ | unix.PROT_EXEC
	}
	return prots, nil
}
