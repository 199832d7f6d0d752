package jitlink

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"
)

func pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// Dump writes a human readable listing of g to w: every section with its
// blocks, the symbols in each block and each block's edges, followed by the
// external and absolute symbols.
func Dump(w io.Writer, g *LinkGraph) error {
	var sb strings.Builder
	arch := g.triple.Arch

	fmt.Fprintf(&sb, "graph %q (%s, pointer size %d, %s)\n",
		g.name, g.triple, g.pointerSize, g.order)

	nameWidth := 8
	for _, sym := range g.defined {
		nameWidth = max(nameWidth, runewidth.StringWidth(sym.name))
	}
	for _, sym := range g.externals {
		nameWidth = max(nameWidth, runewidth.StringWidth(sym.name))
	}
	for _, sym := range g.absolutes {
		nameWidth = max(nameWidth, runewidth.StringWidth(sym.name))
	}

	for _, sec := range g.sections {
		fmt.Fprintf(&sb, "section %s %s\n", sec.Name, sec.Prot)
		for _, b := range sec.blocks {
			kind := "content"
			if b.zeroFill {
				kind = "zero-fill"
			}
			fmt.Fprintf(&sb, "  block %#016x size %#x align %d %s\n", b.addr, b.size, b.align, kind)
			for _, sym := range g.SymbolsInBlock(b) {
				name := sym.name
				if name == "" {
					name = "<anonymous>"
				}
				fmt.Fprintf(&sb, "    %s %#016x +%#x size %#x %s %s",
					pad(name, nameWidth), sym.Address(), sym.offset, sym.size, sym.linkage, sym.scope)
				if sym.callable {
					sb.WriteString(" callable")
				}
				if sym.live {
					sb.WriteString(" live")
				}
				sb.WriteByte('\n')
			}
			for _, e := range b.edges {
				fmt.Fprintf(&sb, "    edge +%#06x %s -> %s %+d\n",
					e.Offset, pad(EdgeKindName(arch, e.Kind), 24), targetName(e.Target), e.Addend)
			}
		}
	}

	if len(g.externals) > 0 {
		sb.WriteString("externals\n")
		for _, sym := range g.externals {
			fmt.Fprintf(&sb, "  %s %#016x %s\n", pad(sym.name, nameWidth), sym.addr, sym.linkage)
		}
	}
	if len(g.absolutes) > 0 {
		sb.WriteString("absolutes\n")
		for _, sym := range g.absolutes {
			fmt.Fprintf(&sb, "  %s %#016x %s %s\n", pad(sym.name, nameWidth), sym.addr, sym.linkage, sym.scope)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
