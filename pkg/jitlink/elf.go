package jitlink

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

const commonSectionName = "__common"

// graphBuilder turns one relocatable ELF object into a LinkGraph: one block
// per SHF_ALLOC section, one symbol per symbol table entry and one edge per
// relocation.
type graphBuilder struct {
	file    *object.InputFile
	g       *LinkGraph
	arch    triple.Arch
	blocks  map[int64]*Block
	symbols []*Symbol
	common  *Section
}

// BuildGraph parses buf into a LinkGraph. Section content aliases buf.
func BuildGraph(buf object.ObjectBuffer) (*LinkGraph, error) {
	f, err := object.NewInputFile(buf)
	if err != nil {
		return nil, err
	}
	if elf.Type(f.Ehdr.Type) != elf.ET_REL {
		return nil, fmt.Errorf("%s: %w: not a relocatable object (%v)",
			buf.Name, object.ErrMalformed, elf.Type(f.Ehdr.Type))
	}
	arch := f.Arch()
	if arch == triple.ArchUnknown {
		return nil, fmt.Errorf("%s: unsupported machine %v", buf.Name, elf.Machine(f.Ehdr.Machine))
	}

	b := &graphBuilder{
		file:   f,
		g:      NewLinkGraph(buf.Name, triple.FromArch(arch), f.Order),
		arch:   arch,
		blocks: make(map[int64]*Block),
	}
	if err := b.initializeSections(); err != nil {
		return nil, err
	}
	if err := b.initializeSymbols(); err != nil {
		return nil, err
	}
	if err := b.initializeEdges(); err != nil {
		return nil, err
	}
	return b.g, nil
}

func sectionProt(flags uint64) MemProt {
	prot := MemProtRead
	if flags&uint64(elf.SHF_WRITE) != 0 {
		prot |= MemProtWrite
	}
	if flags&uint64(elf.SHF_EXECINSTR) != 0 {
		prot |= MemProtExec
	}
	return prot
}

func (b *graphBuilder) initializeSections() error {
	f := b.file
	for i := range f.ElfSections {
		shdr := &f.ElfSections[i]
		if shdr.Flags&uint64(elf.SHF_ALLOC) == 0 {
			continue
		}
		idx := int64(i)
		name := f.SectionName(idx)
		sec := b.g.FindSection(name)
		if sec == nil {
			sec = b.g.CreateSection(name, sectionProt(shdr.Flags))
		}

		if elf.SectionType(shdr.Type) == elf.SHT_NOBITS {
			b.blocks[idx] = b.g.CreateZeroFillBlock(sec, shdr.Size, shdr.AddrAlign, 0)
			continue
		}
		content, err := f.GetBytesFromShdr(shdr)
		if err != nil {
			return err
		}
		b.blocks[idx] = b.g.CreateContentBlock(sec, content, shdr.AddrAlign, 0)
	}
	return nil
}

func symbolScope(esym *object.Sym) Scope {
	if esym.IsLocal() {
		return ScopeLocal
	}
	switch elf.SymVis(esym.StVisibility()) {
	case elf.STV_HIDDEN, elf.STV_INTERNAL:
		return ScopeHidden
	}
	return ScopeDefault
}

func symbolLinkage(esym *object.Sym) Linkage {
	if esym.IsWeak() {
		return LinkageWeak
	}
	return LinkageStrong
}

func (b *graphBuilder) initializeSymbols() error {
	f := b.file
	b.symbols = make([]*Symbol, len(f.ElfSyms))

	for i := 1; i < len(f.ElfSyms); i++ {
		esym := &f.ElfSyms[i]
		name := f.SymbolName(esym)
		typ := elf.SymType(esym.Type())

		switch {
		case typ == elf.STT_FILE:
			continue
		case esym.IsUndef():
			if ext := b.g.FindExternalSymbol(name); ext != nil {
				b.symbols[i] = ext
				continue
			}
			b.symbols[i] = b.g.AddExternalSymbol(name, esym.Size, esym.IsWeak())
			continue
		case esym.IsAbs():
			b.symbols[i] = b.g.AddAbsoluteSymbol(name, esym.Val, esym.Size,
				symbolLinkage(esym), symbolScope(esym), false)
			continue
		case esym.IsCommon():
			if b.common == nil {
				b.common = b.g.CreateSection(commonSectionName, MemProtRead|MemProtWrite)
			}
			blk := b.g.CreateZeroFillBlock(b.common, esym.Size, esym.Val, 0)
			b.symbols[i] = b.g.AddDefinedSymbol(blk, 0, name, esym.Size,
				LinkageWeak, symbolScope(esym), false, false)
			continue
		}

		blk, ok := b.blocks[f.GetShndx(esym, int64(i))]
		if !ok {
			// Symbols in non-allocated sections never take part in linking.
			continue
		}
		if typ == elf.STT_SECTION {
			b.symbols[i] = b.g.AddAnonymousSymbol(blk, 0, 0, false, false)
			continue
		}
		if esym.Val > blk.Size() {
			return fmt.Errorf("%s: %w: symbol %q offset %#x beyond its section",
				b.g.Name(), object.ErrMalformed, name, esym.Val)
		}
		callable := typ == elf.STT_FUNC || typ == elf.STT_GNU_IFUNC
		b.symbols[i] = b.g.AddDefinedSymbol(blk, esym.Val, name, esym.Size,
			symbolLinkage(esym), symbolScope(esym), callable, false)
	}
	return nil
}

func (b *graphBuilder) initializeEdges() error {
	f := b.file
	for i := range f.ElfSections {
		shdr := &f.ElfSections[i]
		if elf.SectionType(shdr.Type) != elf.SHT_RELA {
			continue
		}
		blk, ok := b.blocks[int64(shdr.Info)]
		if !ok {
			continue
		}
		rels, err := f.Rels(shdr)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if skippedReloc(b.arch, r.Type) {
				continue
			}
			kind, err := edgeKindForReloc(b.arch, r.Type)
			if err != nil {
				return fmt.Errorf("%s: %s+%#x: %w", b.g.Name(), blk.Section().Name, r.Offset, err)
			}
			if int(r.Sym) >= len(b.symbols) || b.symbols[r.Sym] == nil {
				return fmt.Errorf("%s: %w: relocation at %s+%#x references bad symbol index %d",
					b.g.Name(), object.ErrMalformed, blk.Section().Name, r.Offset, r.Sym)
			}
			info, _ := lookupKind(b.arch, kind)
			if r.Offset+info.width > blk.Size() {
				return fmt.Errorf("%s: %w: relocation at %s+%#x is out of bounds",
					b.g.Name(), object.ErrMalformed, blk.Section().Name, r.Offset)
			}
			blk.AddEdge(kind, r.Offset, b.symbols[r.Sym], r.Addend)
		}
	}
	return nil
}
