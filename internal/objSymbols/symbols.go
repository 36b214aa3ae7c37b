// Copyright (C) 2022 K2 Cyber Security Inc.

// Package symbols reads symbol tables and code bytes out of executable
// files without loading them.
package symbols

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrUnknownFormat means none of the supported object formats matched.
var ErrUnknownFormat = errors.New("unrecognized object file")

// ErrNoCode means an address is outside every executable section.
var ErrNoCode = errors.New("address not in code")

type rawFile interface {
	Symbols() (map[string]uintptr, error)
	// Code reads up to n bytes of the executable section holding addr.
	Code(addr uintptr, n int) ([]byte, error)
	// Layout describes where the file wants to be loaded.
	Layout() Layout
	Close() error
}

// Layout is the load geometry of an image.
type Layout struct {
	Format string
	// Mode is 32 or 64, 0 for non-x86 machines.
	Mode int
	// Base is the lowest address the image is linked at.
	Base uintptr
	// Relocatable images run at a load address picked at runtime.
	Relocatable bool
}

var objType = []struct {
	name string
	open func(io.ReaderAt) (rawFile, error)
}{
	{"elf", openElf},
	{"macho", openMacho},
	{"pe", openPE},
}

// Image is an opened object file.
type Image struct {
	raw  rawFile
	file *os.File
}

// Open recognizes the object file name.
func Open(name string) (*Image, error) {
	r, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	var tried error
	for _, t := range objType {
		raw, err := t.open(r)
		if err == nil {
			return &Image{raw: raw, file: r}, nil
		}
		tried = multierr.Append(tried, errors.WithMessage(err, t.name))
	}
	r.Close()
	return nil, errors.WithMessagef(ErrUnknownFormat, "open %s: %v", name, tried)
}

// Symbols maps names to link-time addresses.
func (i *Image) Symbols() (map[string]uintptr, error) { return i.raw.Symbols() }

// Code reads up to n bytes at the link-time address addr. Fewer bytes come
// back at the end of a section.
func (i *Image) Code(addr uintptr, n int) ([]byte, error) { return i.raw.Code(addr, n) }

// Layout describes the image.
func (i *Image) Layout() Layout { return i.raw.Layout() }

// Close releases the file.
func (i *Image) Close() error {
	return multierr.Combine(i.raw.Close(), i.file.Close())
}

// ReadSymbols opens name and returns its symbol table.
func ReadSymbols(name string) (map[string]uintptr, error) {
	img, err := Open(name)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	return img.Symbols()
}

// readSection returns up to n bytes at off of a section reader.
func readSection(r io.ReaderAt, size, off uint64, n int) ([]byte, error) {
	if off >= size {
		return nil, ErrNoCode
	}
	if rest := size - off; uint64(n) > rest {
		n = int(rest)
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, int64(off)); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
