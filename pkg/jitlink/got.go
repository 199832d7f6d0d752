package jitlink

import (
	"slices"

	"github.com/ksco/jitld/pkg/triple"
)

const (
	GOTSectionName   = "$__GOT"
	StubsSectionName = "$__STUBS"
)

var (
	// jmp *0(%rip)
	x86StubContent = []byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}
	// adrp x16, entry; ldr x16, [x16, :lo12:entry]; br x16
	a64StubContent = []byte{
		0x10, 0x00, 0x00, 0x90,
		0x10, 0x02, 0x40, 0xf9,
		0x00, 0x02, 0x1f, 0xd6,
	}
	// auipc t3, %pcrel_hi(entry); ld t3, %pcrel_lo(entry)(t3); jalr t1, t3; nop
	rvStubContent = []byte{
		0x17, 0x0e, 0x00, 0x00,
		0x03, 0x3e, 0x0e, 0x00,
		0x67, 0x03, 0x0e, 0x00,
		0x13, 0x00, 0x00, 0x00,
	}
)

// tableBuilder synthesizes GOT entries and call stubs. Each target gets at
// most one of each.
type tableBuilder struct {
	g       *LinkGraph
	arch    triple.Arch
	entries map[*Symbol]*Symbol
	stubs   map[*Symbol]*Symbol
	got     *Section
	stubSec *Section
}

// BuildGOTAndStubs points every GOT-requesting edge at a GOT entry for its
// target and routes every branch to an external symbol through a stub that
// jumps via the target's GOT entry.
func BuildGOTAndStubs(g *LinkGraph) error {
	b := &tableBuilder{
		g:       g,
		arch:    g.triple.Arch,
		entries: make(map[*Symbol]*Symbol),
		stubs:   make(map[*Symbol]*Symbol),
	}
	// Blocks created below carry their own edges and must not be visited.
	for _, blk := range g.Blocks() {
		for i := range blk.edges {
			e := &blk.edges[i]
			info, ok := lookupKind(b.arch, e.Kind)
			if !ok {
				continue
			}
			switch {
			case info.gotKind != 0:
				e.Target = b.entry(e.Target)
				e.Kind = info.gotKind
			case info.branch && e.Target.IsExternal():
				e.Target = b.stub(e.Target)
			}
		}
	}
	return nil
}

func (b *tableBuilder) pointerKind() EdgeKind {
	switch b.arch {
	case triple.ArchAArch64:
		return A64Pointer64
	case triple.ArchRISCV64:
		return RVPointer64
	}
	return X86Pointer64
}

func (b *tableBuilder) entry(target *Symbol) *Symbol {
	if sym, ok := b.entries[target]; ok {
		return sym
	}
	if b.got == nil {
		b.got = b.g.CreateSection(GOTSectionName, MemProtRead)
	}
	blk := b.g.CreateContentBlock(b.got, make([]byte, 8), 8, 0)
	blk.AddEdge(b.pointerKind(), 0, target, 0)
	sym := b.g.AddAnonymousSymbol(blk, 0, 8, false, true)
	b.entries[target] = sym
	return sym
}

func (b *tableBuilder) stub(target *Symbol) *Symbol {
	if sym, ok := b.stubs[target]; ok {
		return sym
	}
	if b.stubSec == nil {
		b.stubSec = b.g.CreateSection(StubsSectionName, MemProtRead|MemProtExec)
	}
	entry := b.entry(target)

	var blk *Block
	switch b.arch {
	case triple.ArchAArch64:
		blk = b.g.CreateContentBlock(b.stubSec, slices.Clone(a64StubContent), 4, 0)
		blk.AddEdge(A64Page21, 0, entry, 0)
		blk.AddEdge(A64PageOffset12, 4, entry, 0)
	case triple.ArchRISCV64:
		blk = b.g.CreateContentBlock(b.stubSec, slices.Clone(rvStubContent), 4, 0)
		blk.AddEdge(RVCallPLT, 0, entry, 0)
	default:
		blk = b.g.CreateContentBlock(b.stubSec, slices.Clone(x86StubContent), 1, 0)
		blk.AddEdge(X86Delta32, 2, entry, -4)
	}
	sym := b.g.AddAnonymousSymbol(blk, 0, blk.Size(), true, true)
	b.stubs[target] = sym
	return sym
}

// StubTarget follows a stub symbol through its GOT entry to the symbol it
// jumps to. It returns nil if sym is not a stub.
func StubTarget(sym *Symbol) *Symbol {
	blk := sym.Block()
	if blk == nil || blk.section.Name != StubsSectionName || len(blk.edges) == 0 {
		return nil
	}
	entry := blk.edges[0].Target.Block()
	if entry == nil || len(entry.edges) == 0 {
		return nil
	}
	return entry.edges[0].Target
}
