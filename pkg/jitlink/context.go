package jitlink

import (
	"slices"
	"sync/atomic"

	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

type LookupFlags uint8

const (
	RequiredSymbol LookupFlags = iota
	WeaklyReferencedSymbol
)

// LookupSet maps each external name the graph references to how strongly
// it is referenced.
type LookupSet map[string]LookupFlags

// Names returns the requested names in sorted order.
func (s LookupSet) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type SymbolFlags uint8

const (
	FlagExported SymbolFlags = 1 << iota
	FlagCallable
	FlagWeak
)

// EvaluatedSymbol is a resolved address plus its flags.
type EvaluatedSymbol struct {
	Address uint64      `toml:"address"`
	Flags   SymbolFlags `toml:"flags"`
}

type LookupResult = map[string]EvaluatedSymbol

// LookupContinuation resumes a suspended link once external symbols are
// resolved. Run must be called exactly once; it may be called from any
// goroutine.
type LookupContinuation struct {
	ran atomic.Bool
	fn  func(LookupResult, error)
}

func NewLookupContinuation(fn func(LookupResult, error)) *LookupContinuation {
	return &LookupContinuation{fn: fn}
}

func (c *LookupContinuation) Run(result LookupResult, err error) {
	if !c.ran.CompareAndSwap(false, true) {
		panic("jitlink: lookup continuation run more than once")
	}
	c.fn(result, err)
}

// Pass mutates or inspects a graph at one point of the pipeline. A non-nil
// error aborts the link.
type Pass func(g *LinkGraph) error

type PassConfiguration struct {
	PrePrunePasses       []Pass
	PostPrunePasses      []Pass
	PostAllocationPasses []Pass
	PreFixupPasses       []Pass
	PostFixupPasses      []Pass
}

// Context is the caller's side of a link. Link reports to exactly one of
// NotifyFailed or NotifyFinalized, after which it makes no further calls.
type Context interface {
	ObjectBuffer() object.ObjectBuffer
	MemoryManager() MemoryManager
	Lookup(symbols LookupSet, cont *LookupContinuation)
	NotifyResolved(g *LinkGraph) error
	NotifyFinalized(alloc Allocation)
	NotifyFailed(err error)
	ModifyPassConfig(tr triple.Triple, config *PassConfiguration) error
}

// MarkLiveProvider lets a Context replace the default pass that marks every
// symbol live.
type MarkLiveProvider interface {
	MarkLivePass(tr triple.Triple) Pass
}

// DefaultPassesProvider lets a Context opt out of the default mark-live and
// GOT/stub passes.
type DefaultPassesProvider interface {
	ShouldAddDefaultTargetPasses(tr triple.Triple) bool
}

// MarkAllSymbolsLive is the default mark-live pass.
func MarkAllSymbolsLive(g *LinkGraph) error {
	for _, sym := range g.defined {
		sym.live = true
	}
	return nil
}
