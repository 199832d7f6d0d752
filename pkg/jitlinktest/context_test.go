package jitlinktest

import (
	"bytes"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/triple"
)

const callerSrc = `
	.globl caller
caller:
	call bar
	call baz
	ret
`

// eventLog collects callbacks from whichever goroutine they arrive on.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func newObservedContext(t *testing.T, tb TB, src string, log *eventLog) *Context {
	res := GetTestResources(t, src, x86Triple, false, false, mc.TargetOptions{})
	ctx := NewContext(tb, res, func(*jitlink.LinkGraph) error {
		log.add("test-case")
		return nil
	})
	ctx.SetLogger(zaptest.NewLogger(t))
	ctx.SetMemoryManager(jitlink.NewSlabMemoryManager(0x10000))
	ctx.SetNotifyResolved(func(*jitlink.LinkGraph) { log.add("resolved") })
	ctx.SetNotifyFinalized(func(alloc jitlink.Allocation) {
		log.add("finalized")
		assert.NoError(t, alloc.Deallocate())
	})
	return ctx
}

func TestContextNotificationOrder(t *testing.T) {
	for _, async := range []bool{false, true} {
		var log eventLog
		ctx := newObservedContext(t, t, callerSrc, &log)
		ctx.SetAsyncLookup(async)
		ctx.AddExternal("bar", 0x1000)
		ctx.AddExternal("baz", 0x2000)
		assert.Equal(t, StateCreated, ctx.State())

		require.NoError(t, ctx.Link())
		assert.Equal(t, []string{"resolved", "test-case", "finalized"}, log.get(), "async=%v", async)
		assert.Equal(t, StateFinalized, ctx.State())
	}
}

func TestContextLookupFailure(t *testing.T) {
	for _, async := range []bool{false, true} {
		var log eventLog
		tb := &fakeTB{}
		ctx := newObservedContext(t, tb, callerSrc, &log)
		ctx.SetAsyncLookup(async)
		ctx.AddExternal("baz", 0x2000)

		err := ctx.Link()
		require.ErrorIs(t, err, jitlink.ErrLinkFailed)
		require.ErrorIs(t, err, jitlink.ErrSymbolNotFound)
		assert.Contains(t, err.Error(), "bar")
		assert.Empty(t, log.get(), "no notification may follow a failure")
		assert.Equal(t, StateFailed, ctx.State())

		// Unexpected failures are reported to the test.
		require.Len(t, tb.errs, 1)
		assert.Contains(t, tb.errs[0], "symbol not found")
	}
}

func TestContextLookupReportsFirstMissingName(t *testing.T) {
	res := GetTestResources(t, callerSrc, x86Triple, false, false, mc.TargetOptions{})
	ctx := NewContext(t, res, nil)

	var got []jitlink.LookupResult
	var errs []error
	cont := jitlink.NewLookupContinuation(func(r jitlink.LookupResult, err error) {
		got = append(got, r)
		errs = append(errs, err)
	})
	ctx.ObjectBuffer()
	ctx.AddExternal("zed", 3)
	ctx.Lookup(jitlink.LookupSet{"zed": jitlink.RequiredSymbol, "bar": jitlink.RequiredSymbol, "baz": jitlink.RequiredSymbol}, cont)

	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], jitlink.ErrSymbolNotFound)
	assert.Equal(t, "symbol not found: bar", errs[0].Error())
	assert.Nil(t, got[0], "no partial results")

	ctx.AddExternal("bar", 1)
	ctx.AddExternal("baz", 2)
	cont = jitlink.NewLookupContinuation(func(r jitlink.LookupResult, err error) {
		require.NoError(t, err)
		got = append(got, r)
	})
	ctx.Lookup(jitlink.LookupSet{"bar": jitlink.RequiredSymbol, "baz": jitlink.WeaklyReferencedSymbol}, cont)
	want := jitlink.LookupResult{
		"bar": {Address: 1, Flags: jitlink.FlagExported | jitlink.FlagCallable},
		"baz": {Address: 2, Flags: jitlink.FlagExported | jitlink.FlagCallable},
	}
	if diff := cmp.Diff(want, got[1]); diff != "" {
		t.Errorf("lookup result mismatch (-want +got):\n%s", diff)
	}
}

func TestContextExpectedFailure(t *testing.T) {
	var log eventLog
	ctx := newObservedContext(t, t, callerSrc, &log)
	var failures []error
	ctx.SetNotifyFailed(func(err error) { failures = append(failures, err) })

	err := ctx.Link()
	require.ErrorIs(t, err, jitlink.ErrLinkFailed)
	require.Len(t, failures, 1)
	assert.Same(t, err, failures[0])
	assert.Empty(t, log.get())
}

func TestContextModifyPassConfig(t *testing.T) {
	var log eventLog
	ctx := newObservedContext(t, t, callerSrc, &log)
	ctx.AddExternal("bar", 0x1000)
	ctx.AddExternal("baz", 0x2000)

	var snaps bytes.Buffer
	ctx.SetModifyPassConfig(func(tr triple.Triple, config *jitlink.PassConfiguration) error {
		assert.Equal(t, triple.ArchX86_64, tr.Arch)
		require.Len(t, config.PostFixupPasses, 1, "test case is registered first")
		config.PostPrunePasses = append(config.PostPrunePasses, func(*jitlink.LinkGraph) error {
			log.add("post-prune")
			return nil
		})
		config.PostFixupPasses = append(config.PostFixupPasses, jitlink.SnapshotPass(&snaps))
		return nil
	})
	require.NoError(t, ctx.Link())
	assert.Equal(t, []string{"post-prune", "resolved", "test-case", "finalized"}, log.get())

	s, err := jitlink.ReadSnapshot(&snaps)
	require.NoError(t, err)
	assert.Equal(t, "<inline asm>", s.Name)
}

func TestContextConfigurationError(t *testing.T) {
	var log eventLog
	ctx := newObservedContext(t, t, callerSrc, &log)
	ctx.SetNotifyFailed(func(error) { log.add("failed") })
	rejected := errors.New("rejected")
	ctx.SetModifyPassConfig(func(triple.Triple, *jitlink.PassConfiguration) error {
		return rejected
	})

	err := ctx.Link()
	require.ErrorIs(t, err, jitlink.ErrConfiguration)
	require.ErrorIs(t, err, jitlink.ErrLinkFailed)
	require.ErrorIs(t, err, rejected)
	var linkErr *jitlink.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, jitlink.PhaseConfigure, linkErr.Phase)
	assert.Equal(t, []string{"failed"}, log.get())
}

func TestContextTestCaseError(t *testing.T) {
	res := GetTestResources(t, "ret", x86Triple, false, false, mc.TargetOptions{})
	bad := errors.New("wrong answer")
	ctx := NewContext(t, res, func(*jitlink.LinkGraph) error { return bad })
	ctx.SetLogger(zaptest.NewLogger(t))
	var failed error
	ctx.SetNotifyFailed(func(err error) { failed = err })

	err := ctx.Link()
	require.ErrorIs(t, err, bad)
	assert.Same(t, err, failed)
	assert.Equal(t, StateFailed, ctx.State())
}

func TestContextSingleUse(t *testing.T) {
	res := GetTestResources(t, "ret", x86Triple, false, false, mc.TargetOptions{})
	ctx := NewContext(t, res, nil)
	ctx.SetLogger(zaptest.NewLogger(t))
	require.NoError(t, ctx.Link())
	require.ErrorContains(t, ctx.Link(), "already used")
}

func TestContextReportsOutOfOrderCallbacks(t *testing.T) {
	res := GetTestResources(t, "ret", x86Triple, false, false, mc.TargetOptions{})
	tb := &fakeTB{}
	ctx := NewContext(tb, res, nil)

	// Resolution before the object was handed out.
	require.Error(t, ctx.NotifyResolved(nil))
	assert.Equal(t, StateCreated, ctx.State())

	ctx.ObjectBuffer()
	ctx.ObjectBuffer()
	assert.Equal(t, StateObjectSupplied, ctx.State())

	ctx.NotifyFailed(errors.New("first"))
	ctx.NotifyFailed(errors.New("second"))
	assert.Equal(t, StateFailed, ctx.State())

	require.Len(t, tb.errs, 4)
	assert.Contains(t, tb.errs[0], "NotifyResolved called in state created")
	assert.Contains(t, tb.errs[1], "ObjectBuffer called in state object-supplied")
	assert.Equal(t, "first", tb.errs[2])
	assert.Contains(t, tb.errs[3], "NotifyFailed called in state failed")
}

// allocRecorder remembers the allocation it hands out.
type allocRecorder struct {
	jitlink.MemoryManager
	mu    sync.Mutex
	alloc jitlink.Allocation
}

func (m *allocRecorder) Allocate(g *jitlink.LinkGraph, reqs []jitlink.SegmentRequest) (jitlink.Allocation, error) {
	alloc, err := m.MemoryManager.Allocate(g, reqs)
	m.mu.Lock()
	m.alloc = alloc
	m.mu.Unlock()
	return alloc, err
}

func TestContextAsyncCallbackExitsEarly(t *testing.T) {
	for name, testCase := range map[string]TestCaseFunc{
		"goexit": func(*jitlink.LinkGraph) error { runtime.Goexit(); return nil },
		"panic":  func(*jitlink.LinkGraph) error { panic("boom") },
	} {
		t.Run(name, func(t *testing.T) {
			res := GetTestResources(t, callerSrc, x86Triple, false, false, mc.TargetOptions{})
			tb := &fakeTB{}
			mm := &allocRecorder{MemoryManager: jitlink.NewSlabMemoryManager(0x10000)}
			ctx := NewContext(tb, res, testCase)
			ctx.SetLogger(zaptest.NewLogger(t))
			ctx.SetMemoryManager(mm)
			ctx.SetAsyncLookup(true)
			ctx.AddExternal("bar", 0x1000)
			ctx.AddExternal("baz", 0x2000)

			linked := make(chan error, 1)
			go func() { linked <- ctx.Link() }()
			var err error
			select {
			case err = <-linked:
			case <-time.After(10 * time.Second):
				t.Fatalf("Link still blocked, state %s", ctx.State())
			}

			require.ErrorIs(t, err, jitlink.ErrLinkFailed)
			var le *jitlink.LinkError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, jitlink.PhasePostFixup, le.Phase)
			assert.Equal(t, StateFailed, ctx.State())
			require.Len(t, tb.errs, 1)
			assert.Contains(t, tb.errs[0], "callback")

			mm.mu.Lock()
			alloc := mm.alloc
			mm.mu.Unlock()
			require.NotNil(t, alloc)
			alloc.FinalizeAsync(func(err error) {
				assert.ErrorIs(t, err, jitlink.ErrDeallocated)
			})
		})
	}
}
