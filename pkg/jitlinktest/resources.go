// Package jitlinktest assembles test programs, links them through
// jitlink and gives tests structured access to the result.
//
// A typical test:
//
//	res := jitlinktest.GetTestResources(t, src, "x86_64-unknown-linux-gnu", false, false, mc.TargetOptions{})
//	ctx := jitlinktest.NewContext(t, res, func(g *jitlink.LinkGraph) error {
//		v, err := jitlinktest.ReadSymbolInt[uint64](g, "counter", 0)
//		...
//	})
//	require.NoError(t, ctx.Link())
//
// With SetAsyncLookup the test case runs on the lookup goroutine, so it
// should report problems by returning an error. A FailNow or panic there
// fails the link instead of hanging it.
package jitlinktest

import (
	"errors"
	"fmt"

	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

// TB is the part of testing.TB the harness reports through.
type TB interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	Skipf(format string, args ...any)
	Logf(format string, args ...any)
}

// Resources is an assembled test object together with a disassembler for
// its target.
type Resources struct {
	triple   triple.Triple
	target   *mc.Target
	pic      bool
	large    bool
	options  mc.TargetOptions
	buf      object.ObjectBuffer
	dis      mc.Disassembler
	warnings []mc.Warning
}

// Create assembles asmSrc for tripleStr. Targets must have been registered
// with mc.InitializeAllTargets; an unknown or unregistered target fails with
// an error matching mc.ErrTargetUnsupported, which callers should treat as
// a reason to skip.
func Create(asmSrc, tripleStr string, pic, largeCodeModel bool, opts mc.TargetOptions) (*Resources, error) {
	target, tr, err := mc.LookupTarget(tripleStr)
	if err != nil {
		return nil, err
	}
	asm, err := target.NewAssembler(tr, mc.CodeGenOptions{PIC: pic, LargeCodeModel: largeCodeModel}, opts)
	if err != nil {
		return nil, fmt.Errorf("configure %s assembler: %w", target, err)
	}
	buf, warnings, err := asm.Assemble("<inline asm>", asmSrc)
	if err != nil {
		return nil, err
	}
	return &Resources{
		triple:   tr,
		target:   target,
		pic:      pic,
		large:    largeCodeModel,
		options:  opts,
		buf:      buf,
		dis:      target.NewDisassembler(),
		warnings: warnings,
	}, nil
}

func (r *Resources) ObjectBuffer() object.ObjectBuffer { return r.buf }
func (r *Resources) Disassembler() mc.Disassembler     { return r.dis }
func (r *Resources) Triple() triple.Triple             { return r.triple }
func (r *Resources) Target() *mc.Target                { return r.target }
func (r *Resources) Warnings() []mc.Warning            { return r.warnings }
func (r *Resources) PIC() bool                         { return r.pic }
func (r *Resources) LargeCodeModel() bool              { return r.large }
func (r *Resources) Options() mc.TargetOptions         { return r.options }

// SkipIfUnsupported skips the test when err says the target is not
// available. Other errors are left to the caller.
func SkipIfUnsupported(t TB, err error) {
	t.Helper()
	if errors.Is(err, mc.ErrTargetUnsupported) {
		t.Skipf("%v", err)
	}
}

// GetTestResources initialises every target and calls Create. The test is
// skipped when the target is unsupported and fails on any other error.
func GetTestResources(t TB, asmSrc, tripleStr string, pic, largeCodeModel bool, opts mc.TargetOptions) *Resources {
	t.Helper()
	mc.InitializeAllTargets()
	res, err := Create(asmSrc, tripleStr, pic, largeCodeModel, opts)
	if err != nil {
		SkipIfUnsupported(t, err)
		t.Fatalf("create test resources for %s: %v", tripleStr, err)
		return nil
	}
	for _, w := range res.warnings {
		t.Logf("%s", w)
	}
	return res
}
