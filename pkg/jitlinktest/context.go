package jitlinktest

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

type State uint8

const (
	StateCreated State = iota
	StateObjectSupplied
	StateResolved
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateObjectSupplied:
		return "object-supplied"
	case StateResolved:
		return "resolved"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// TestCaseFunc inspects the linked graph. It runs after fixups, so block
// content and addresses are final.
type TestCaseFunc func(g *jitlink.LinkGraph) error

type (
	ResolvedFunc     func(g *jitlink.LinkGraph)
	FinalizedFunc    func(alloc jitlink.Allocation)
	FailedFunc       func(err error)
	ModifyPassesFunc func(tr triple.Triple, config *jitlink.PassConfiguration) error
)

// Context drives one link of a Resources' object and checks that the
// linker calls back in order. It implements jitlink.Context.
type Context struct {
	t        TB
	res      *Resources
	testCase TestCaseFunc
	log      *zap.Logger

	mu          sync.Mutex
	state       State
	externals   jitlink.LookupResult
	mm          jitlink.MemoryManager
	asyncLookup bool
	onResolved  ResolvedFunc
	onFinalized FinalizedFunc
	onFailed    FailedFunc
	modify      ModifyPassesFunc
	alloc       jitlink.Allocation

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

var _ jitlink.Context = (*Context)(nil)

// NewContext returns a context for res. testCase may be nil.
func NewContext(t TB, res *Resources, testCase TestCaseFunc) *Context {
	return &Context{
		t:         t,
		res:       res,
		testCase:  testCase,
		log:       zap.L(),
		externals: jitlink.LookupResult{},
		done:      make(chan struct{}),
	}
}

// Externals is the table lookups are answered from. Fill it before Link.
func (c *Context) Externals() jitlink.LookupResult { return c.externals }

// AddExternal is shorthand for an exported, callable entry in Externals.
func (c *Context) AddExternal(name string, addr uint64) {
	c.externals[name] = jitlink.EvaluatedSymbol{
		Address: addr,
		Flags:   jitlink.FlagExported | jitlink.FlagCallable,
	}
}

func (c *Context) SetLogger(l *zap.Logger)                   { c.log = l }
func (c *Context) SetAsyncLookup(async bool)                 { c.asyncLookup = async }
func (c *Context) SetMemoryManager(mm jitlink.MemoryManager) { c.mm = mm }
func (c *Context) SetNotifyResolved(fn ResolvedFunc)         { c.onResolved = fn }
func (c *Context) SetNotifyFinalized(fn FinalizedFunc)       { c.onFinalized = fn }
func (c *Context) SetModifyPassConfig(fn ModifyPassesFunc)   { c.modify = fn }

// SetNotifyFailed marks failure as expected: fn receives the error instead
// of the test being failed.
func (c *Context) SetNotifyFailed(fn FailedFunc) { c.onFailed = fn }

func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Link links the object and waits for the outcome. The returned error
// matches jitlink.ErrLinkFailed when linking failed.
func (c *Context) Link() error {
	c.mu.Lock()
	if c.state != StateCreated {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("jitlinktest: context already used (state %s)", state)
	}
	c.mu.Unlock()

	jitlink.Link(c, jitlink.WithLogger(c.log))
	<-c.done
	return c.err
}

func (c *Context) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// transition moves from one of the states in from to to. An unexpected
// callback is reported to the test and leaves the state alone.
func (c *Context) transition(callback string, to State, from ...State) bool {
	for _, s := range from {
		if c.state == s {
			c.state = to
			return true
		}
	}
	c.t.Errorf("jitlinktest: %s called in state %s", callback, c.state)
	return false
}

func (c *Context) ObjectBuffer() object.ObjectBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transition("ObjectBuffer", StateObjectSupplied, StateCreated)
	return c.res.ObjectBuffer()
}

func (c *Context) MemoryManager() jitlink.MemoryManager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mm == nil {
		c.mm = jitlink.NewInProcessMemoryManager()
	}
	return trackingManager{c: c, mm: c.mm}
}

// trackingManager remembers the allocation so an abandoned link can
// release it.
type trackingManager struct {
	c  *Context
	mm jitlink.MemoryManager
}

func (m trackingManager) Allocate(g *jitlink.LinkGraph, reqs []jitlink.SegmentRequest) (jitlink.Allocation, error) {
	alloc, err := m.mm.Allocate(g, reqs)
	if err == nil {
		m.c.mu.Lock()
		m.c.alloc = alloc
		m.c.mu.Unlock()
	}
	return alloc, err
}

// Lookup answers from Externals. Every name must be present: the first
// missing one in sorted order fails the whole lookup.
func (c *Context) Lookup(symbols jitlink.LookupSet, cont *jitlink.LookupContinuation) {
	c.mu.Lock()
	state := c.state
	async := c.asyncLookup
	c.mu.Unlock()

	var (
		result jitlink.LookupResult
		err    error
	)
	if state != StateObjectSupplied {
		err = fmt.Errorf("jitlinktest: Lookup called in state %s", state)
	} else {
		result, err = c.resolve(symbols)
	}
	c.log.Debug("lookup",
		zap.Strings("names", symbols.Names()),
		zap.Bool("async", async),
		zap.Error(err))

	if async {
		go c.resume(cont, result, err)
		return
	}
	cont.Run(result, err)
}

// resume runs the continuation on its own goroutine. A callback that leaves
// it early, through runtime.Goexit from FailNow or through a panic, fails
// the link so that Link returns.
func (c *Context) resume(cont *jitlink.LookupContinuation, result jitlink.LookupResult, err error) {
	returned := false
	defer func() {
		if returned {
			return
		}
		cause := errors.New("link goroutine exited inside a callback")
		if p := recover(); p != nil {
			cause = fmt.Errorf("panic inside a callback: %v", p)
		}
		c.abandon(cause)
	}()
	cont.Run(result, err)
	returned = true
}

func (c *Context) abandon(cause error) {
	c.mu.Lock()
	if c.state == StateFinalized || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	phase := jitlink.PhaseResolve
	if c.state == StateResolved {
		phase = jitlink.PhasePostFixup
	}
	c.state = StateFailed
	c.err = &jitlink.LinkError{Phase: phase, Err: cause}
	alloc := c.alloc
	c.mu.Unlock()

	defer c.finish()
	c.t.Errorf("jitlinktest: %v", c.err)
	if alloc != nil {
		if err := alloc.Deallocate(); err != nil {
			c.t.Errorf("jitlinktest: deallocate: %v", err)
		}
	}
}

func (c *Context) resolve(symbols jitlink.LookupSet) (jitlink.LookupResult, error) {
	result := make(jitlink.LookupResult, len(symbols))
	for _, name := range symbols.Names() {
		es, ok := c.externals[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", jitlink.ErrSymbolNotFound, name)
		}
		result[name] = es
	}
	return result, nil
}

func (c *Context) NotifyResolved(g *jitlink.LinkGraph) error {
	c.mu.Lock()
	ok := c.transition("NotifyResolved", StateResolved, StateObjectSupplied)
	state := c.state
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("jitlinktest: unexpected resolution in state %s", state)
	}
	if c.onResolved != nil {
		c.onResolved(g)
	}
	return nil
}

// NotifyFinalized hands alloc to the finalized observer. Without one the
// allocation is released here.
func (c *Context) NotifyFinalized(alloc jitlink.Allocation) {
	c.mu.Lock()
	ok := c.transition("NotifyFinalized", StateFinalized, StateResolved)
	c.mu.Unlock()
	if !ok {
		return
	}
	defer c.finish()
	if c.onFinalized != nil {
		c.onFinalized(alloc)
		return
	}
	if err := alloc.Deallocate(); err != nil {
		c.t.Errorf("jitlinktest: deallocate: %v", err)
	}
}

func (c *Context) NotifyFailed(err error) {
	c.mu.Lock()
	ok := c.transition("NotifyFailed", StateFailed, StateCreated, StateObjectSupplied, StateResolved)
	if ok {
		c.err = err
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	defer c.finish()
	if c.onFailed != nil {
		c.onFailed(err)
		return
	}
	c.t.Errorf("%v", err)
}

// ModifyPassConfig registers the test case as a post-fixup pass, then runs
// the hook set with SetModifyPassConfig.
func (c *Context) ModifyPassConfig(tr triple.Triple, config *jitlink.PassConfiguration) error {
	if c.testCase != nil {
		config.PostFixupPasses = append(config.PostFixupPasses, jitlink.Pass(c.testCase))
	}
	if c.modify == nil {
		return nil
	}
	if err := c.modify(tr, config); err != nil {
		if errors.Is(err, jitlink.ErrConfiguration) {
			return err
		}
		return fmt.Errorf("%w: %w", jitlink.ErrConfiguration, err)
	}
	return nil
}
