package jitlink

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/ksco/jitld/pkg/reloc"
	"github.com/ksco/jitld/pkg/triple"
)

func page(v uint64) uint64 {
	return v &^ 0xfff
}

// applyFixups patches every relocation edge into block content, which must
// already alias working memory.
func applyFixups(g *LinkGraph) error {
	for _, blk := range g.Blocks() {
		for _, e := range blk.edges {
			if !e.IsRelocation() {
				continue
			}
			if err := applyFixup(g, blk, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func applyFixup(g *LinkGraph, blk *Block, e Edge) error {
	arch := g.triple.Arch
	info, ok := lookupKind(arch, e.Kind)
	if !ok {
		return fmt.Errorf("%w: edge kind %d at %s+%#x", ErrUnsupportedRelocation,
			e.Kind, blk.section.Name, e.Offset)
	}
	if info.gotKind != 0 {
		return fmt.Errorf("%w: %s edge at %s+%#x has no GOT entry", ErrUnsupportedRelocation,
			info.name, blk.section.Name, e.Offset)
	}
	if blk.zeroFill || e.Offset+info.width > uint64(len(blk.content)) {
		return fmt.Errorf("%s edge at %s+%#x lies outside block content", info.name, blk.section.Name, e.Offset)
	}

	p := blk.addr + e.Offset
	s := e.Target.Address()
	a := uint64(e.Addend)

	var val uint64
	switch info.formula {
	case formulaAbs:
		val = s + a
	case formulaPCRel:
		val = s + a - p
	case formulaPage:
		val = page(s+a) - page(p)
	case formulaPCRelLo:
		v, err := pairedHi20Value(arch, e.Target)
		if err != nil {
			return fmt.Errorf("%s edge at %s+%#x: %w", info.name, blk.section.Name, e.Offset, err)
		}
		val = v
	}

	loc := blk.content[e.Offset:]
	var err error
	switch arch {
	case triple.ArchX86_64:
		err = reloc.ApplyX86_64(loc, elf.R_X86_64(info.reloc), val)
	case triple.ArchAArch64:
		err = reloc.ApplyAArch64(loc, elf.R_AARCH64(info.reloc), val)
	case triple.ArchRISCV64:
		err = reloc.ApplyRISCV(loc, elf.R_RISCV(info.reloc), val)
	default:
		err = fmt.Errorf("no fixups for %s", arch)
	}
	if errors.Is(err, reloc.ErrOutOfRange) || errors.Is(err, reloc.ErrMisaligned) {
		return fmt.Errorf("%w: %s edge at %s+%#x to %s: %w", ErrFixupOutOfRange,
			info.name, blk.section.Name, e.Offset, e.Target, err)
	}
	return err
}

// pairedHi20Value finds the PC-relative hi20 edge at label and returns its
// S+A-P, whose low twelve bits the lo12 instruction needs.
func pairedHi20Value(arch triple.Arch, label *Symbol) (uint64, error) {
	blk := label.Block()
	if blk == nil {
		return 0, fmt.Errorf("pcrel_lo target %s is not defined in a block", label)
	}
	for _, e := range blk.edges {
		if e.Offset != label.offset {
			continue
		}
		if e.Kind == RVPCRelHi20 {
			return e.Target.Address() + uint64(e.Addend) - (blk.addr + e.Offset), nil
		}
	}
	return 0, fmt.Errorf("no %s at %s", EdgeKindName(arch, RVPCRelHi20), label)
}
