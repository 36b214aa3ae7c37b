// Copyright (C) 2022 K2 Cyber Security Inc.

package main

import (
	"os"

	"github.com/k2io/detour/cmd/detour/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
