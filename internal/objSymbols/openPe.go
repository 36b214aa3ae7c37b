// Copyright (C) 2022 K2 Cyber Security Inc.

package symbols

import (
	"debug/pe"
	"io"

	"github.com/pkg/errors"
)

const (
	peMachineI386  = 0x14c
	peMachineAMD64 = 0x8664

	peDynamicBase = 0x40
	peCodeSection = 0x20
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (rawFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{f}, nil
}

func (f *peFile) imageBase() (base uint64, dllFlags uint16) {
	switch h := f.pe.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return uint64(h.ImageBase), h.DllCharacteristics
	case *pe.OptionalHeader64:
		return h.ImageBase, h.DllCharacteristics
	}
	return 0, 0
}

// Symbols returns COFF symbols, which only builds with debug info keep.
// Values are made absolute using the section and the image base.
func (f *peFile) Symbols() (map[string]uintptr, error) {
	base, _ := f.imageBase()
	off := make(map[string]uintptr, len(f.pe.Symbols))
	for _, s := range f.pe.Symbols {
		if s.SectionNumber <= 0 || int(s.SectionNumber) > len(f.pe.Sections) {
			continue
		}
		sect := f.pe.Sections[s.SectionNumber-1]
		off[s.Name] = uintptr(base + uint64(sect.VirtualAddress) + uint64(s.Value))
	}
	return off, nil
}

func (f *peFile) Code(addr uintptr, n int) ([]byte, error) {
	base, _ := f.imageBase()
	rva := uint64(addr) - base
	for _, s := range f.pe.Sections {
		if s.Characteristics&peCodeSection == 0 {
			continue
		}
		start := uint64(s.VirtualAddress)
		if rva >= start && rva < start+uint64(s.VirtualSize) {
			size := uint64(s.Size)
			if uint64(s.VirtualSize) < size {
				size = uint64(s.VirtualSize)
			}
			return readSection(s, size, rva-start, n)
		}
	}
	return nil, errors.WithMessagef(ErrNoCode, "%#x", addr)
}

func (f *peFile) Layout() Layout {
	base, flags := f.imageBase()
	l := Layout{Format: "pe", Base: uintptr(base), Relocatable: flags&peDynamicBase != 0}
	switch f.pe.Machine {
	case peMachineAMD64:
		l.Mode = 64
	case peMachineI386:
		l.Mode = 32
	}
	return l
}

func (f *peFile) Close() error { return f.pe.Close() }
