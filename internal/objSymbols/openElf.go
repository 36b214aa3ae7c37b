// Copyright (C) 2022 K2 Cyber Security Inc.

package symbols

import (
	"debug/elf"
	"io"

	"github.com/pkg/errors"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (rawFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{f}, nil
}

func (e *elfFile) Symbols() (map[string]uintptr, error) {
	elfSyms, err := e.elf.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		// stripped: the dynamic table is all there is
		elfSyms, err = e.elf.DynamicSymbols()
	}
	if err != nil {
		return nil, err
	}
	return getElfOff(elfSyms), nil
}

func getElfOff(stab []elf.Symbol) map[string]uintptr {
	elfOff := make(map[string]uintptr, len(stab))
	for _, k := range stab {
		if k.Name == "" || k.Section == elf.SHN_UNDEF {
			continue
		}
		elfOff[k.Name] = uintptr(k.Value)
	}
	return elfOff
}

func (e *elfFile) Code(addr uintptr, n int) ([]byte, error) {
	for _, s := range e.elf.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		if uint64(addr) >= s.Addr && uint64(addr) < s.Addr+s.Size {
			return readSection(s, s.Size, uint64(addr)-s.Addr, n)
		}
	}
	return nil, errors.WithMessagef(ErrNoCode, "%#x", addr)
}

func (e *elfFile) Layout() Layout {
	l := Layout{Format: "elf", Relocatable: e.elf.Type == elf.ET_DYN}
	switch e.elf.Machine {
	case elf.EM_X86_64:
		l.Mode = 64
	case elf.EM_386:
		l.Mode = 32
	}
	first := true
	for _, p := range e.elf.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || uintptr(p.Vaddr) < l.Base {
			l.Base = uintptr(p.Vaddr)
			first = false
		}
	}
	return l
}

func (e *elfFile) Close() error { return e.elf.Close() }
