// Copyright (C) 2022 K2 Cyber Security Inc.

package symbols

import (
	"debug/macho"
	"io"

	"github.com/pkg/errors"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (rawFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{f}, nil
}

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	if f.macho.Symtab == nil {
		return map[string]uintptr{}, nil
	}
	off := make(map[string]uintptr, len(f.macho.Symtab.Syms))
	for _, s := range f.macho.Symtab.Syms {
		// N_SECT: defined in a section of this image
		if s.Sect == 0 {
			continue
		}
		off[s.Name] = uintptr(s.Value)
	}
	return off, nil
}

func (f *machoFile) Code(addr uintptr, n int) ([]byte, error) {
	for _, s := range f.macho.Sections {
		if s.Seg != "__TEXT" {
			continue
		}
		if uint64(addr) >= s.Addr && uint64(addr) < s.Addr+s.Size {
			return readSection(s, s.Size, uint64(addr)-s.Addr, n)
		}
	}
	return nil, errors.WithMessagef(ErrNoCode, "%#x", addr)
}

func (f *machoFile) Layout() Layout {
	l := Layout{Format: "macho", Relocatable: f.macho.Flags&macho.FlagPIE != 0}
	switch f.macho.Cpu {
	case macho.CpuAmd64:
		l.Mode = 64
	case macho.Cpu386:
		l.Mode = 32
	}
	if seg := f.macho.Segment("__TEXT"); seg != nil {
		l.Base = uintptr(seg.Addr)
	}
	return l
}

func (f *machoFile) Close() error { return f.macho.Close() }
