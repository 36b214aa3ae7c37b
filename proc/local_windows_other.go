// Copyright (C) 2022 K2 Cyber Security Inc.

//go:build windows && !amd64

package proc

func newThreads(uint32) Threads { return unsupported{} }

func newVectorer(Memory) Vectorer { return unsupported{} }
