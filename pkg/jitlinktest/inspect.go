package jitlinktest

import (
	"errors"
	"fmt"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/utils"
)

// ErrOutOfRange reports a read or decode past the end of a block.
var ErrOutOfRange = errors.New("out of range")

// FindSymbol looks name up among the defined, then the external, then the
// absolute symbols of g. It panics if there is no such symbol: tests are
// expected to ask only for names they put there.
func FindSymbol(g *jitlink.LinkGraph, name string) *jitlink.Symbol {
	if sym := g.FindDefinedSymbol(name); sym != nil {
		return sym
	}
	if sym := g.FindExternalSymbol(name); sym != nil {
		return sym
	}
	if sym := g.FindAbsoluteSymbol(name); sym != nil {
		return sym
	}
	panic(fmt.Sprintf("jitlinktest: no symbol %q in graph %s", name, g.Name()))
}

func SymbolAddr(g *jitlink.LinkGraph, name string) uint64 {
	return FindSymbol(g, name).Address()
}

// ReadInt decodes a T at offset within b using g's byte order.
func ReadInt[T utils.Integer](g *jitlink.LinkGraph, b *jitlink.Block, offset uint64) (T, error) {
	size := uint64(utils.SizeOf[T]())
	if offset > b.Size() || b.Size()-offset < size {
		return 0, fmt.Errorf("%w: %d byte read at offset %#x of %#x byte block at %#x",
			ErrOutOfRange, size, offset, b.Size(), b.Address())
	}
	if b.IsZeroFill() {
		return 0, nil
	}
	return utils.Decode[T](b.Content()[offset:], g.Endianness()), nil
}

// ReadSymbolInt reads a T at offset bytes past the defined symbol name.
func ReadSymbolInt[T utils.Integer](g *jitlink.LinkGraph, name string, offset uint64) (T, error) {
	sym := g.FindDefinedSymbol(name)
	if sym == nil {
		return 0, fmt.Errorf("%w: %s", jitlink.ErrSymbolNotFound, name)
	}
	return ReadInt[T](g, sym.Block(), sym.Offset()+offset)
}

// EdgePredicate selects edges for CountEdgesMatching.
type EdgePredicate func(jitlink.Edge) bool

func CountEdgesMatching(b *jitlink.Block, pred EdgePredicate) int {
	n := 0
	for _, e := range b.Edges() {
		if pred(e) {
			n++
		}
	}
	return n
}

// CountSymbolEdgesMatching counts matching edges of the block that defines
// name. Like FindSymbol it panics if name does not exist or has no block.
func CountSymbolEdgesMatching(g *jitlink.LinkGraph, name string, pred EdgePredicate) int {
	sym := FindSymbol(g, name)
	if sym.Block() == nil {
		panic(fmt.Sprintf("jitlinktest: symbol %q is %s and has no block", name, sym.Class()))
	}
	return CountEdgesMatching(sym.Block(), pred)
}

// IsBranchEdge matches call and jump edges for g's architecture.
func IsBranchEdge(g *jitlink.LinkGraph) EdgePredicate {
	arch := g.Triple().Arch
	return func(e jitlink.Edge) bool {
		return jitlink.IsBranchKind(arch, e.Kind)
	}
}

func EdgeKindIs(kinds ...jitlink.EdgeKind) EdgePredicate {
	return func(e jitlink.Edge) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}
