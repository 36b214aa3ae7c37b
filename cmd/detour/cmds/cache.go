// Copyright (C) 2022 K2 Cyber Security Inc.

package cmds

import (
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru"

	sym "github.com/k2io/detour/internal/objSymbols"
)

// symbol tables of recently planned binaries; watch replans on every
// config change
var tables, _ = lru.New(8)

type tableKey struct {
	path string
	size int64
	mod  time.Time
}

func cachedSymbols(path string, img *sym.Image) (map[string]uintptr, error) {
	var key tableKey
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if fi, err := os.Stat(path); err == nil {
		key = tableKey{path: path, size: fi.Size(), mod: fi.ModTime()}
		if v, ok := tables.Get(key); ok {
			return v.(map[string]uintptr), nil
		}
	}
	syms, err := img.Symbols()
	if err != nil {
		return nil, err
	}
	if key.path != "" {
		tables.Add(key, syms)
	}
	return syms, nil
}
