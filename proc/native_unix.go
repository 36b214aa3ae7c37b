// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build unix && !linux

package proc

type localNative struct {
	unsupported
}
