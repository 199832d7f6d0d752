package jitlink

import (
	"fmt"

	"go.uber.org/zap"
)

type linkOptions struct {
	logger *zap.Logger
}

type LinkOption func(*linkOptions)

// WithLogger sets the logger pipeline phases are reported to. The default
// is zap.L().
func WithLogger(l *zap.Logger) LinkOption {
	return func(o *linkOptions) {
		o.logger = l
	}
}

type linker struct {
	ctx    Context
	log    *zap.Logger
	g      *LinkGraph
	config PassConfiguration
	segs   []*segmentLayout
	alloc  Allocation
}

// Link links ctx's object. It returns once the link has either failed,
// finished, or suspended waiting for the lookup continuation; the outcome
// is always reported through ctx.
func Link(ctx Context, opts ...LinkOption) {
	o := linkOptions{logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	l := &linker{ctx: ctx, log: o.logger.Named("jitlink")}
	l.linkPhase1()
}

func (l *linker) fail(phase Phase, err error) {
	l.log.Debug("link failed", zap.Stringer("phase", phase), zap.Error(err))
	if l.alloc != nil {
		if derr := l.alloc.Deallocate(); derr != nil {
			l.log.Warn("failed to deallocate after link failure", zap.Error(derr))
		}
		l.alloc = nil
	}
	l.ctx.NotifyFailed(&LinkError{Phase: phase, Err: err})
}

func (l *linker) runPasses(phase Phase, passes []Pass) bool {
	for i, pass := range passes {
		if err := pass(l.g); err != nil {
			l.fail(phase, fmt.Errorf("pass %d: %w", i, err))
			return false
		}
	}
	return true
}

func (l *linker) defaultPasses() {
	tr := l.g.Triple()
	if p, ok := l.ctx.(DefaultPassesProvider); ok && !p.ShouldAddDefaultTargetPasses(tr) {
		return
	}
	markLive := Pass(MarkAllSymbolsLive)
	if p, ok := l.ctx.(MarkLiveProvider); ok {
		if pass := p.MarkLivePass(tr); pass != nil {
			markLive = pass
		}
	}
	l.config.PrePrunePasses = append(l.config.PrePrunePasses, markLive)
	l.config.PostPrunePasses = append(l.config.PostPrunePasses, BuildGOTAndStubs)
}

func (l *linker) linkPhase1() {
	buf := l.ctx.ObjectBuffer()
	g, err := BuildGraph(buf)
	if err != nil {
		l.fail(PhaseBuildGraph, err)
		return
	}
	l.g = g
	l.log = l.log.With(zap.String("graph", g.Name()))
	l.log.Debug("built link graph",
		zap.Stringer("triple", g.Triple()),
		zap.Int("sections", len(g.sections)),
		zap.Int("defined", len(g.defined)),
		zap.Int("externals", len(g.externals)))

	l.defaultPasses()
	if err := l.ctx.ModifyPassConfig(g.Triple(), &l.config); err != nil {
		l.fail(PhaseConfigure, err)
		return
	}

	if !l.runPasses(PhasePrePrune, l.config.PrePrunePasses) {
		return
	}
	prune(g)
	l.log.Debug("pruned", zap.Int("blocks", len(g.Blocks())))
	if !l.runPasses(PhasePostPrune, l.config.PostPrunePasses) {
		return
	}

	l.segs = computeLayout(g)
	alloc, err := l.ctx.MemoryManager().Allocate(g, segmentRequests(l.segs))
	if err != nil {
		l.fail(PhaseAllocate, err)
		return
	}
	l.alloc = alloc
	if n := len(alloc.Segments()); n != len(l.segs) {
		l.fail(PhaseAllocate, fmt.Errorf("memory manager returned %d segments for %d requests", n, len(l.segs)))
		return
	}
	assignAddresses(l.segs, alloc)
	for _, seg := range alloc.Segments() {
		l.log.Debug("allocated segment",
			zap.Stringer("prot", seg.Prot),
			zap.Uint64("addr", seg.Addr),
			zap.Int("size", len(seg.WorkingMem)))
	}
	if !l.runPasses(PhasePostAllocation, l.config.PostAllocationPasses) {
		return
	}

	symbols := make(LookupSet, len(g.externals))
	for _, sym := range g.externals {
		flags := RequiredSymbol
		if sym.linkage == LinkageWeak {
			flags = WeaklyReferencedSymbol
		}
		symbols[sym.name] = flags
	}
	l.log.Debug("looking up externals", zap.Strings("names", symbols.Names()))
	l.ctx.Lookup(symbols, NewLookupContinuation(l.linkPhase2))
}

func (l *linker) linkPhase2(result LookupResult, err error) {
	if err != nil {
		l.fail(PhaseLookup, err)
		return
	}
	for _, sym := range l.g.externals {
		if es, ok := result[sym.name]; ok {
			sym.addr = es.Address
			continue
		}
		if sym.linkage != LinkageWeak {
			l.fail(PhaseResolve, fmt.Errorf("%w: %s", ErrSymbolNotFound, sym.name))
			return
		}
		sym.addr = 0
	}
	if err := l.ctx.NotifyResolved(l.g); err != nil {
		l.fail(PhaseResolve, err)
		return
	}

	if !l.runPasses(PhasePreFixup, l.config.PreFixupPasses) {
		return
	}
	copyContent(l.segs, l.alloc)
	if err := applyFixups(l.g); err != nil {
		l.fail(PhaseFixup, err)
		return
	}
	if !l.runPasses(PhasePostFixup, l.config.PostFixupPasses) {
		return
	}

	l.alloc.FinalizeAsync(l.linkPhase3)
}

func (l *linker) linkPhase3(err error) {
	if err != nil {
		l.fail(PhaseFinalize, err)
		return
	}
	l.log.Debug("finalized")
	l.ctx.NotifyFinalized(l.alloc)
}
