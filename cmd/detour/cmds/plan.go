// Copyright (C) 2022 K2 Cyber Security Inc.

package cmds

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/k2io/detour"
	"github.com/k2io/detour/config"
	"github.com/k2io/detour/emit"
	sym "github.com/k2io/detour/internal/objSymbols"
)

// Plan is what installing one hook would touch.
type Plan struct {
	Symbol    string
	Addr      uintptr
	Mechanism detour.Mechanism
	Order     detour.CallOrder
	Return    detour.ReturnPolicy

	// Patched is the number of target bytes overwritten.
	Patched int
	// Prologue is set for CodePatch only.
	Prologue *emit.Prologue
}

func planHook(img *sym.Image, syms map[string]uintptr, symbol string, hc config.HookConfig, far bool) (*Plan, error) {
	addr, ok := syms[symbol]
	if !ok {
		return nil, detour.ErrSymbolNotFound
	}
	p := &Plan{Symbol: symbol, Addr: addr}
	var err error
	if p.Mechanism, err = hc.Mech(); err != nil {
		return nil, err
	}
	if p.Order, err = hc.CallOrder(); err != nil {
		return nil, err
	}
	if p.Return, err = hc.ReturnPolicy(); err != nil {
		return nil, err
	}

	switch p.Mechanism {
	case detour.TrapException:
		p.Patched = 1
		return p, nil
	case detour.HardwareBreakpoint:
		return p, nil
	}

	mode := img.Layout().Mode
	em, err := emit.For(mode)
	if err != nil {
		return nil, errors.WithMessagef(err, "%d-bit image", mode)
	}
	stub := addr
	if far {
		stub = addr ^ (^uintptr(0) >> 1)
	}
	n, err := em.JumpLen(addr, stub, hc.NearJump)
	if err != nil {
		return nil, err
	}
	window := hc.SearchWindow
	if window == 0 {
		window = detour.DefaultSearchWindow
	}
	code, err := img.Code(addr, window)
	if err != nil {
		return nil, err
	}
	pro, err := emit.Scan(code, mode, n)
	if err != nil {
		return nil, err
	}
	// a trial relocation right behind the target catches branches into
	// the patched bytes
	if _, err := emit.Relocate(pro, addr, addr+uintptr(window), mode); err != nil {
		return nil, err
	}
	p.Patched = pro.Len()
	p.Prologue = &pro
	return p, nil
}

// WriteTo prints the plan.
func (p *Plan) WriteTo(out io.Writer) (int64, error) {
	cw := &countWriter{w: out}
	fmt.Fprintf(cw, "%s at %#x: %v, %v, return %v, %d bytes patched\n",
		p.Symbol, p.Addr, p.Mechanism, p.Order, p.Return, p.Patched)
	if p.Prologue != nil {
		tw := tabwriter.NewWriter(cw, 0, 8, 2, ' ', 0)
		for _, in := range p.Prologue.Insts {
			note := ""
			if in.PCRel != 0 {
				note = "relocated"
			}
			fmt.Fprintf(tw, "  +%d\t% x\t%v\t%s\n", in.Offset, p.Prologue.Code[in.Offset:in.Offset+in.Len], in.Inst, note)
		}
		tw.Flush()
	}
	return cw.n, cw.err
}

type countWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}
