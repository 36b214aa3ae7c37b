// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build !unix && !windows

package proc

func newLocal() (*Process, error) {
	return nil, ErrUnsupported
}

func attach(int) (*Process, error) {
	return nil, ErrUnsupported
}
