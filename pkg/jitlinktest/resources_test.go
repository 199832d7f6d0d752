package jitlinktest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/triple"
)

const (
	x86Triple = "x86_64-unknown-linux-gnu"
	a64Triple = "aarch64-unknown-linux-gnu"
	rvTriple  = "riscv64-unknown-linux-gnu"
)

// fakeTB records what the harness reports instead of failing the test.
type fakeTB struct {
	mu     sync.Mutex
	errs   []string
	fatals []string
	skips  []string
	logs   []string
}

func (f *fakeTB) Helper() {}

func (f *fakeTB) record(dst *[]string, format string, args []any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*dst = append(*dst, fmt.Sprintf(format, args...))
}

func (f *fakeTB) Errorf(format string, args ...any) { f.record(&f.errs, format, args) }
func (f *fakeTB) Fatalf(format string, args ...any) { f.record(&f.fatals, format, args) }
func (f *fakeTB) Skipf(format string, args ...any)  { f.record(&f.skips, format, args) }
func (f *fakeTB) Logf(format string, args ...any)   { f.record(&f.logs, format, args) }

func TestCreate(t *testing.T) {
	mc.InitializeAllTargets()
	res, err := Create("movl $42, %eax\nret\n", x86Triple, false, false, mc.TargetOptions{})
	require.NoError(t, err)

	assert.Equal(t, triple.ArchX86_64, res.Triple().Arch)
	assert.Equal(t, "<inline asm>", res.ObjectBuffer().Name)
	assert.Equal(t, []byte{0x7f, 'E', 'L', 'F'}, res.ObjectBuffer().Contents[:4])
	assert.NotNil(t, res.Disassembler())
	assert.Empty(t, res.Warnings())
	assert.False(t, res.PIC())

	// The object parses back into a graph with symbols.
	g, err := jitlink.BuildGraph(res.ObjectBuffer())
	require.NoError(t, err)
	assert.NotEmpty(t, g.DefinedSymbols())
}

func TestCreateUnsupported(t *testing.T) {
	mc.InitializeAllTargets()
	for _, tr := range []string{"mips-unknown-linux-gnu", "x86_64-apple-darwin", "wasm32-unknown-unknown"} {
		res, err := Create("ret", tr, false, false, mc.TargetOptions{})
		require.ErrorIs(t, err, mc.ErrTargetUnsupported, tr)
		assert.Nil(t, res)
	}
}

func TestCreateAssemblyError(t *testing.T) {
	mc.InitializeAllTargets()
	res, err := Create("movl $42, %eax\nfrobnicate %eax\n", x86Triple, false, false, mc.TargetOptions{})
	require.ErrorIs(t, err, mc.ErrAssembly)
	assert.Nil(t, res)

	var asmErr *mc.AssemblyError
	require.ErrorAs(t, err, &asmErr)
	assert.Equal(t, 2, asmErr.Line)
}

func TestCreateWarnings(t *testing.T) {
	mc.InitializeAllTargets()
	src := ".frobnicate 1\nret\n"
	res, err := Create(src, x86Triple, false, false, mc.TargetOptions{})
	require.NoError(t, err)
	require.Len(t, res.Warnings(), 1)
	assert.Equal(t, 1, res.Warnings()[0].Line)

	_, err = Create(src, x86Triple, false, false, mc.TargetOptions{FatalWarnings: true})
	require.ErrorIs(t, err, mc.ErrAssembly)
}

func TestCreateRejectsABI(t *testing.T) {
	mc.InitializeAllTargets()
	_, err := Create("ret", x86Triple, false, false, mc.TargetOptions{ABIName: "ilp32"})
	require.Error(t, err)

	res, err := Create("ret", rvTriple, true, false, mc.TargetOptions{ABIName: "lp64"})
	require.NoError(t, err)
	assert.True(t, res.PIC())
	assert.Equal(t, "lp64", res.Options().ABIName)
}

func TestGetTestResources(t *testing.T) {
	res := GetTestResources(t, "ret", a64Triple, false, false, mc.TargetOptions{})
	assert.Equal(t, triple.ArchAArch64, res.Triple().Arch)

	tb := &fakeTB{}
	assert.Nil(t, GetTestResources(tb, "ret", "mips-unknown-linux-gnu", false, false, mc.TargetOptions{}))
	require.Len(t, tb.skips, 1)
	assert.Contains(t, tb.skips[0], "target not supported")

	tb = &fakeTB{}
	assert.Nil(t, GetTestResources(tb, "bogus", x86Triple, false, false, mc.TargetOptions{}))
	assert.Empty(t, tb.skips)
	require.Len(t, tb.fatals, 1)
	assert.Contains(t, tb.fatals[0], "<inline asm>:1:")
}
