package jitlink

import "slices"

// prune dead-strips the graph: a block survives if a live symbol points
// into it or a surviving block has an edge into it. Unreferenced external
// and absolute symbols are dropped as well.
func prune(g *LinkGraph) {
	var worklist []*Block
	markSym := func(sym *Symbol) {
		sym.live = true
		if b := sym.block; b != nil && !b.live {
			b.live = true
			worklist = append(worklist, b)
		}
	}

	for _, sym := range g.defined {
		if sym.live {
			markSym(sym)
		}
	}
	for _, sym := range g.absolutes {
		if sym.live {
			markSym(sym)
		}
	}
	for len(worklist) > 0 {
		b := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		for _, e := range b.edges {
			markSym(e.Target)
		}
	}

	for _, b := range g.Blocks() {
		if !b.live {
			g.removeBlock(b)
		}
	}
	g.externals = slices.DeleteFunc(g.externals, func(s *Symbol) bool { return !s.live })
	g.absolutes = slices.DeleteFunc(g.absolutes, func(s *Symbol) bool { return !s.live })
}
