// Copyright (C) 2022 K2 Cyber Security Inc.

package detour

import (
	"github.com/pkg/errors"

	sym "github.com/k2io/detour/internal/objSymbols"
)

// ErrSymbolNotFound means the binary has no symbol of that name
var ErrSymbolNotFound = errors.New("symbol not found")

// GetSymbols returns the link-time addresses of the symbols of the binary
// name.
func GetSymbols(name string) (map[string]uintptr, error) {
	return sym.ReadSymbols(name)
}

// TargetBySymbol resolves symbol of binary name to an address in a running
// image. loadBase is where a relocatable image was mapped; it is ignored
// for images linked at a fixed address.
func TargetBySymbol(name, symbol string, loadBase uintptr) (uintptr, error) {
	img, err := sym.Open(name)
	if err != nil {
		return 0, err
	}
	defer img.Close()
	syms, err := img.Symbols()
	if err != nil {
		return 0, errors.WithMessagef(err, "symbols of %s", name)
	}
	addr, ok := syms[symbol]
	if !ok {
		return 0, errors.WithMessagef(ErrSymbolNotFound, "%s in %s", symbol, name)
	}
	return rebase(addr, img.Layout(), loadBase), nil
}

func rebase(addr uintptr, l sym.Layout, loadBase uintptr) uintptr {
	if !l.Relocatable || loadBase == 0 {
		return addr
	}
	return addr - l.Base + loadBase
}
