// Package jitlink links a single relocatable ELF object into memory of the
// running process. The object is parsed into a LinkGraph of blocks, symbols
// and edges, run through a configurable pass pipeline, laid out, allocated
// through a MemoryManager and fixed up. Every step reports back to a Context.
package jitlink

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/ksco/jitld/pkg/triple"
)

// MemProt is the protection a section's memory is finalized with.
type MemProt uint8

const (
	MemProtRead MemProt = 1 << iota
	MemProtWrite
	MemProtExec
)

func (p MemProt) String() string {
	b := []byte("---")
	if p&MemProtRead != 0 {
		b[0] = 'R'
	}
	if p&MemProtWrite != 0 {
		b[1] = 'W'
	}
	if p&MemProtExec != 0 {
		b[2] = 'X'
	}
	return string(b)
}

type Linkage uint8

const (
	LinkageStrong Linkage = iota
	LinkageWeak
)

func (l Linkage) String() string {
	if l == LinkageWeak {
		return "weak"
	}
	return "strong"
}

type Scope uint8

const (
	ScopeDefault Scope = iota
	ScopeHidden
	ScopeLocal
)

func (s Scope) String() string {
	switch s {
	case ScopeHidden:
		return "hidden"
	case ScopeLocal:
		return "local"
	}
	return "default"
}

// SymbolClass partitions symbols. A name is unique within its class only.
type SymbolClass uint8

const (
	ClassDefined SymbolClass = iota
	ClassExternal
	ClassAbsolute
)

func (c SymbolClass) String() string {
	switch c {
	case ClassExternal:
		return "external"
	case ClassAbsolute:
		return "absolute"
	}
	return "defined"
}

type Section struct {
	Name    string
	Prot    MemProt
	Ordinal int

	blocks []*Block
}

func (s *Section) Blocks() []*Block {
	return s.blocks
}

// Block is a contiguous chunk of content within a section. Content is nil
// for zero-fill blocks.
type Block struct {
	section     *Section
	content     []byte
	size        uint64
	zeroFill    bool
	addr        uint64
	align       uint64
	alignOffset uint64
	edges       []Edge
	live        bool
}

func (b *Block) Section() *Section   { return b.section }
func (b *Block) Address() uint64     { return b.addr }
func (b *Block) Size() uint64        { return b.size }
func (b *Block) Alignment() uint64   { return b.align }
func (b *Block) AlignOffset() uint64 { return b.alignOffset }
func (b *Block) IsZeroFill() bool    { return b.zeroFill }

// Content returns the block's bytes. After fixups have been applied it
// aliases the allocation's working memory. It must not be modified.
func (b *Block) Content() []byte {
	return b.content
}

func (b *Block) Edges() []Edge {
	return b.edges
}

func (b *Block) AddEdge(kind EdgeKind, offset uint64, target *Symbol, addend int64) {
	b.edges = append(b.edges, Edge{Kind: kind, Offset: offset, Target: target, Addend: addend})
}

func (b *Block) String() string {
	return fmt.Sprintf("block %#x size %#x in %s", b.addr, b.size, b.section.Name)
}

// EdgeKind is architecture specific above FirstRelocation; see
// EdgeKindName.
type EdgeKind uint8

const (
	EdgeInvalid EdgeKind = iota
	// EdgeKeepAlive keeps its target live without fixing anything up.
	EdgeKeepAlive
	FirstRelocation
)

type Edge struct {
	Kind   EdgeKind
	Offset uint64
	Target *Symbol
	Addend int64
}

func (e Edge) IsRelocation() bool {
	return e.Kind >= FirstRelocation
}

type Symbol struct {
	name     string
	class    SymbolClass
	block    *Block
	offset   uint64
	size     uint64
	addr     uint64
	linkage  Linkage
	scope    Scope
	callable bool
	live     bool
}

func (s *Symbol) Name() string       { return s.name }
func (s *Symbol) HasName() bool      { return s.name != "" }
func (s *Symbol) Class() SymbolClass { return s.class }
func (s *Symbol) Block() *Block      { return s.block }
func (s *Symbol) Offset() uint64     { return s.offset }
func (s *Symbol) Size() uint64       { return s.size }
func (s *Symbol) Linkage() Linkage   { return s.linkage }
func (s *Symbol) Scope() Scope       { return s.scope }
func (s *Symbol) IsCallable() bool   { return s.callable }
func (s *Symbol) IsLive() bool       { return s.live }
func (s *Symbol) SetLive(live bool)  { s.live = live }
func (s *Symbol) IsDefined() bool    { return s.class == ClassDefined }
func (s *Symbol) IsExternal() bool   { return s.class == ClassExternal }
func (s *Symbol) IsAbsolute() bool   { return s.class == ClassAbsolute }

// Address is the block address plus offset for defined symbols and the
// resolved or fixed address otherwise.
func (s *Symbol) Address() uint64 {
	if s.block != nil {
		return s.block.addr + s.offset
	}
	return s.addr
}

func (s *Symbol) String() string {
	name := s.name
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("%s (%s, %#x)", name, s.class, s.Address())
}

// LinkGraph is the parsed form of one relocatable object.
type LinkGraph struct {
	name        string
	triple      triple.Triple
	pointerSize int
	order       binary.ByteOrder

	sections  []*Section
	defined   []*Symbol
	externals []*Symbol
	absolutes []*Symbol
}

func NewLinkGraph(name string, tr triple.Triple, order binary.ByteOrder) *LinkGraph {
	return &LinkGraph{
		name:        name,
		triple:      tr,
		pointerSize: tr.Arch.PointerSize(),
		order:       order,
	}
}

func (g *LinkGraph) Name() string                 { return g.name }
func (g *LinkGraph) Triple() triple.Triple        { return g.triple }
func (g *LinkGraph) PointerSize() int             { return g.pointerSize }
func (g *LinkGraph) Endianness() binary.ByteOrder { return g.order }
func (g *LinkGraph) Sections() []*Section         { return g.sections }
func (g *LinkGraph) DefinedSymbols() []*Symbol    { return g.defined }
func (g *LinkGraph) ExternalSymbols() []*Symbol   { return g.externals }
func (g *LinkGraph) AbsoluteSymbols() []*Symbol   { return g.absolutes }

func (g *LinkGraph) FindSection(name string) *Section {
	for _, s := range g.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func (g *LinkGraph) CreateSection(name string, prot MemProt) *Section {
	s := &Section{Name: name, Prot: prot, Ordinal: len(g.sections)}
	g.sections = append(g.sections, s)
	return s
}

func (g *LinkGraph) CreateContentBlock(sec *Section, content []byte, align, alignOffset uint64) *Block {
	b := &Block{
		section:     sec,
		content:     content,
		size:        uint64(len(content)),
		align:       max(align, 1),
		alignOffset: alignOffset,
	}
	sec.blocks = append(sec.blocks, b)
	return b
}

func (g *LinkGraph) CreateZeroFillBlock(sec *Section, size, align, alignOffset uint64) *Block {
	b := &Block{
		section:     sec,
		size:        size,
		zeroFill:    true,
		align:       max(align, 1),
		alignOffset: alignOffset,
	}
	sec.blocks = append(sec.blocks, b)
	return b
}

// Blocks lists every block in section order.
func (g *LinkGraph) Blocks() []*Block {
	var out []*Block
	for _, s := range g.sections {
		out = append(out, s.blocks...)
	}
	return out
}

func (g *LinkGraph) AddDefinedSymbol(b *Block, offset uint64, name string, size uint64,
	linkage Linkage, scope Scope, callable, live bool) *Symbol {
	sym := &Symbol{
		name:     name,
		class:    ClassDefined,
		block:    b,
		offset:   offset,
		size:     size,
		linkage:  linkage,
		scope:    scope,
		callable: callable,
		live:     live,
	}
	g.defined = append(g.defined, sym)
	return sym
}

// AddAnonymousSymbol defines a nameless local symbol, e.g. for section
// relative relocations.
func (g *LinkGraph) AddAnonymousSymbol(b *Block, offset, size uint64, callable, live bool) *Symbol {
	return g.AddDefinedSymbol(b, offset, "", size, LinkageStrong, ScopeLocal, callable, live)
}

func (g *LinkGraph) AddExternalSymbol(name string, size uint64, weak bool) *Symbol {
	sym := &Symbol{name: name, class: ClassExternal, size: size, scope: ScopeDefault}
	if weak {
		sym.linkage = LinkageWeak
	}
	g.externals = append(g.externals, sym)
	return sym
}

func (g *LinkGraph) AddAbsoluteSymbol(name string, addr, size uint64, linkage Linkage, scope Scope, live bool) *Symbol {
	sym := &Symbol{
		name:    name,
		class:   ClassAbsolute,
		addr:    addr,
		size:    size,
		linkage: linkage,
		scope:   scope,
		live:    live,
	}
	g.absolutes = append(g.absolutes, sym)
	return sym
}

func findNamed(syms []*Symbol, name string) *Symbol {
	if name == "" {
		return nil
	}
	for _, s := range syms {
		if s.name == name {
			return s
		}
	}
	return nil
}

func (g *LinkGraph) FindDefinedSymbol(name string) *Symbol {
	return findNamed(g.defined, name)
}

func (g *LinkGraph) FindExternalSymbol(name string) *Symbol {
	return findNamed(g.externals, name)
}

func (g *LinkGraph) FindAbsoluteSymbol(name string) *Symbol {
	return findNamed(g.absolutes, name)
}

// SymbolsInBlock returns the defined symbols that point into b.
func (g *LinkGraph) SymbolsInBlock(b *Block) []*Symbol {
	var out []*Symbol
	for _, s := range g.defined {
		if s.block == b {
			out = append(out, s)
		}
	}
	return out
}

// removeBlock drops b and every symbol defined in it.
func (g *LinkGraph) removeBlock(b *Block) {
	sec := b.section
	sec.blocks = slices.DeleteFunc(sec.blocks, func(x *Block) bool { return x == b })
	g.defined = slices.DeleteFunc(g.defined, func(s *Symbol) bool { return s.block == b })
}
