package suite

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/jitlinktest"
	"github.com/ksco/jitld/pkg/mc"
)

type Status uint8

const (
	StatusPass Status = iota
	StatusFail
	StatusSkip
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusSkip:
		return "skip"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

type Result struct {
	Name     string
	Status   Status
	Messages []string
	Duration time.Duration
}

type runOptions struct {
	logger *zap.Logger
}

type Option func(*runOptions)

// WithLogger sets the logger handed to each case's link. The default is
// zap.L().
func WithLogger(l *zap.Logger) Option {
	return func(o *runOptions) {
		o.logger = l
	}
}

// Run executes every case of m, at most jobs at a time (GOMAXPROCS when
// jobs <= 0). Results are in manifest order. Cases not started before ctx
// is cancelled are reported as skipped and Run returns ctx's error.
func Run(ctx context.Context, m *Manifest, jobs int, opts ...Option) ([]Result, error) {
	o := runOptions{logger: zap.L()}
	for _, opt := range opts {
		opt(&o)
	}
	mc.InitializeAllTargets()

	if jobs <= 0 {
		jobs = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(m.Cases))
	if len(m.Cases) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(jobs, len(m.Cases)))
	for i := range m.Cases {
		c := &m.Cases[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Name: c.Name, Status: StatusSkip, Messages: []string{err.Error()}}
				return err
			}
			start := time.Now()
			results[i] = runCase(m, c, o.logger.With(zap.String("case", c.Name)))
			results[i].Duration = time.Since(start)
			return nil
		})
	}
	return results, g.Wait()
}

// errAbort unwinds a case after Fatalf or Skipf.
var errAbort = errors.New("case aborted")

// recorder collects what a case reports. It satisfies jitlinktest.TB.
type recorder struct {
	mu       sync.Mutex
	messages []string
	failed   bool
	skipped  bool
}

func (r *recorder) Helper() {}

func (r *recorder) add(failed, skipped bool, format string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, fmt.Sprintf(format, args...))
	r.failed = r.failed || failed
	r.skipped = r.skipped || skipped
}

func (r *recorder) Errorf(format string, args ...any) { r.add(true, false, format, args) }
func (r *recorder) Logf(format string, args ...any)   { r.add(false, false, format, args) }

func (r *recorder) Fatalf(format string, args ...any) {
	r.add(true, false, format, args)
	panic(errAbort)
}

func (r *recorder) Skipf(format string, args ...any) {
	r.add(false, true, format, args)
	panic(errAbort)
}

func (r *recorder) result(name string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{Name: name, Status: StatusPass, Messages: r.messages}
	switch {
	case r.failed:
		res.Status = StatusFail
	case r.skipped:
		res.Status = StatusSkip
	}
	return res
}

func runCase(m *Manifest, c *Case, log *zap.Logger) (res Result) {
	rec := &recorder{}
	defer func() {
		if p := recover(); p != nil && p != errAbort {
			rec.Errorf("panic: %v", p)
		}
		res = rec.result(c.Name)
	}()

	src, err := m.Source(c)
	if err != nil {
		rec.Fatalf("%v", err)
	}
	tr, err := jitlinktest.Create(src, c.Triple, c.PIC, c.LargeCodeModel, c.Options)
	if err != nil {
		jitlinktest.SkipIfUnsupported(rec, err)
		expectFailure(rec, c, err)
		return
	}
	for _, w := range tr.Warnings() {
		rec.Logf("%s", w)
	}

	ctx := jitlinktest.NewContext(rec, tr, func(g *jitlink.LinkGraph) error {
		check(rec, tr, g, c)
		return nil
	})
	ctx.SetLogger(log)
	for name, addr := range c.Externals {
		ctx.AddExternal(name, addr)
	}
	if c.Base != 0 {
		ctx.SetMemoryManager(jitlink.NewSlabMemoryManager(c.Base))
	}
	// Failures are judged against ExpectError below.
	ctx.SetNotifyFailed(func(error) {})

	expectFailure(rec, c, ctx.Link())
	return
}

func expectFailure(rec *recorder, c *Case, err error) {
	switch {
	case c.ExpectError == "" && err != nil:
		rec.Errorf("%v", err)
	case c.ExpectError == "":
	case err == nil:
		rec.Errorf("expected an error containing %q, but linking succeeded", c.ExpectError)
	case !strings.Contains(err.Error(), c.ExpectError):
		rec.Errorf("expected an error containing %q, got: %v", c.ExpectError, err)
	}
}

// check evaluates the case's expectations against the linked graph. A
// missing symbol is a failed expectation, not a crash.
func check(rec *recorder, tr *jitlinktest.Resources, g *jitlink.LinkGraph, c *Case) {
	find := func(name string) *jitlink.Symbol {
		if g.FindDefinedSymbol(name) == nil && g.FindExternalSymbol(name) == nil && g.FindAbsoluteSymbol(name) == nil {
			rec.Errorf("no symbol %q", name)
			return nil
		}
		return jitlinktest.FindSymbol(g, name)
	}

	for _, s := range c.Symbols {
		sym := find(s.Name)
		if sym == nil {
			continue
		}
		if s.Class != "" && sym.Class().String() != s.Class {
			rec.Errorf("symbol %s: class %s, want %s", s.Name, sym.Class(), s.Class)
		}
		if s.NonZero && sym.Address() == 0 {
			rec.Errorf("symbol %s: address is zero", s.Name)
		}
		if s.Address != 0 && sym.Address() != s.Address {
			rec.Errorf("symbol %s: address %#x, want %#x", s.Name, sym.Address(), s.Address)
		}
	}

	for _, r := range c.Reads {
		got, err := readValue(g, r)
		if err != nil {
			rec.Errorf("read %s+%#x: %v", r.Symbol, r.Offset, err)
			continue
		}
		if got != r.Value {
			rec.Errorf("read %s+%#x: got %d (%#x), want %d", r.Symbol, r.Offset, got, got, r.Value)
		}
	}

	arch := g.Triple().Arch
	for _, e := range c.Edges {
		sym := find(e.Symbol)
		if sym == nil {
			continue
		}
		if sym.Block() == nil {
			rec.Errorf("edges of %s: symbol has no block", e.Symbol)
			continue
		}
		var pred jitlinktest.EdgePredicate
		switch e.Kind {
		case "":
			pred = func(jitlink.Edge) bool { return true }
		case "branch":
			pred = jitlinktest.IsBranchEdge(g)
		default:
			pred = func(edge jitlink.Edge) bool { return jitlink.EdgeKindName(arch, edge.Kind) == e.Kind }
		}
		if n := jitlinktest.CountEdgesMatching(sym.Block(), pred); n != e.Count {
			rec.Errorf("edges of %s matching %q: got %d, want %d", e.Symbol, e.Kind, n, e.Count)
		}
	}

	for _, im := range c.Imms {
		sym := find(im.Symbol)
		if sym == nil {
			continue
		}
		if sym.Block() == nil {
			rec.Errorf("decode %s: symbol has no block", im.Symbol)
			continue
		}
		off := sym.Offset() + im.Offset
		if im.Op != "" {
			inst, _, err := jitlinktest.Disassemble(tr.Disassembler(), sym.Block(), off)
			if err != nil {
				rec.Errorf("decode %s+%#x: %v", im.Symbol, im.Offset, err)
				continue
			}
			if inst.Op != im.Op {
				rec.Errorf("decode %s+%#x: got %q, want op %s", im.Symbol, im.Offset, inst.Text, im.Op)
			}
		}
		v, err := jitlinktest.DecodeImmediateOperand(tr.Disassembler(), sym.Block(), im.Operand, off)
		if err != nil {
			rec.Errorf("decode %s+%#x: %v", im.Symbol, im.Offset, err)
			continue
		}
		if v != im.Value {
			rec.Errorf("operand %d of %s+%#x: got %d, want %d", im.Operand, im.Symbol, im.Offset, v, im.Value)
		}
	}
}

func readValue(g *jitlink.LinkGraph, r ReadCheck) (int64, error) {
	switch {
	case r.Width == 1 && r.Signed:
		v, err := jitlinktest.ReadSymbolInt[int8](g, r.Symbol, r.Offset)
		return int64(v), err
	case r.Width == 1:
		v, err := jitlinktest.ReadSymbolInt[uint8](g, r.Symbol, r.Offset)
		return int64(v), err
	case r.Width == 2 && r.Signed:
		v, err := jitlinktest.ReadSymbolInt[int16](g, r.Symbol, r.Offset)
		return int64(v), err
	case r.Width == 2:
		v, err := jitlinktest.ReadSymbolInt[uint16](g, r.Symbol, r.Offset)
		return int64(v), err
	case r.Width == 4 && r.Signed:
		v, err := jitlinktest.ReadSymbolInt[int32](g, r.Symbol, r.Offset)
		return int64(v), err
	case r.Width == 4:
		v, err := jitlinktest.ReadSymbolInt[uint32](g, r.Symbol, r.Offset)
		return int64(v), err
	default:
		v, err := jitlinktest.ReadSymbolInt[int64](g, r.Symbol, r.Offset)
		return v, err
	}
}
