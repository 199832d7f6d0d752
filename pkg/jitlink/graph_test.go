package jitlink

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksco/jitld/pkg/mc"
	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

const (
	x86Triple = "x86_64-unknown-linux-gnu"
	a64Triple = "aarch64-unknown-linux-gnu"
	rvTriple  = "riscv64-unknown-linux-gnu"
)

func assembleObject(t *testing.T, tripleStr, src string) object.ObjectBuffer {
	t.Helper()
	return assembleObjectWith(t, tripleStr, mc.CodeGenOptions{}, src)
}

func assembleObjectWith(t *testing.T, tripleStr string, cg mc.CodeGenOptions, src string) object.ObjectBuffer {
	t.Helper()
	mc.InitializeAllTargets()
	target, tr, err := mc.LookupTarget(tripleStr)
	require.NoError(t, err)
	asm, err := target.NewAssembler(tr, cg, mc.TargetOptions{})
	require.NoError(t, err)
	buf, _, err := asm.Assemble("test.o", src)
	require.NoError(t, err)
	return buf
}

func buildGraph(t *testing.T, tripleStr, src string) *LinkGraph {
	t.Helper()
	g, err := BuildGraph(assembleObject(t, tripleStr, src))
	require.NoError(t, err)
	return g
}

func TestBuildGraph(t *testing.T) {
	g := buildGraph(t, x86Triple, `
	.text
	.globl foo
	.type foo, @function
	.hidden foo
foo:
	movl $42, %eax
	ret
	.globl caller
caller:
	call bar
	leaq counter(%rip), %rax
	call maybe
	ret
	.weak maybe
	.data
	.globl counter
counter:
	.long 7
	.comm buf, 64, 32
	.equ answer, 42
	.globl answer
	.bss
	.skip 16
`)
	assert.Equal(t, "test.o", g.Name())
	assert.Equal(t, triple.ArchX86_64, g.Triple().Arch)
	assert.Equal(t, 8, g.PointerSize())
	assert.Equal(t, binary.ByteOrder(binary.LittleEndian), g.Endianness())

	text := g.FindSection(".text")
	require.NotNil(t, text)
	assert.Equal(t, MemProtRead|MemProtExec, text.Prot)
	require.Len(t, text.Blocks(), 1)
	assert.Equal(t, uint64(24), text.Blocks()[0].Size())

	data := g.FindSection(".data")
	require.NotNil(t, data)
	assert.Equal(t, MemProtRead|MemProtWrite, data.Prot)

	bss := g.FindSection(".bss")
	require.NotNil(t, bss)
	require.Len(t, bss.Blocks(), 1)
	assert.True(t, bss.Blocks()[0].IsZeroFill())
	assert.Nil(t, bss.Blocks()[0].Content())
	assert.Equal(t, uint64(16), bss.Blocks()[0].Size())

	foo := g.FindDefinedSymbol("foo")
	require.NotNil(t, foo)
	assert.True(t, foo.IsCallable())
	assert.Equal(t, ScopeHidden, foo.Scope())
	assert.Equal(t, uint64(0), foo.Offset())

	caller := g.FindDefinedSymbol("caller")
	require.NotNil(t, caller)
	assert.False(t, caller.IsCallable())
	assert.Equal(t, ScopeDefault, caller.Scope())
	assert.Equal(t, uint64(6), caller.Offset())

	bar := g.FindExternalSymbol("bar")
	require.NotNil(t, bar)
	assert.Equal(t, LinkageStrong, bar.Linkage())
	maybe := g.FindExternalSymbol("maybe")
	require.NotNil(t, maybe)
	assert.Equal(t, LinkageWeak, maybe.Linkage())

	buf := g.FindDefinedSymbol("buf")
	require.NotNil(t, buf)
	assert.Equal(t, commonSectionName, buf.Block().Section().Name)
	assert.True(t, buf.Block().IsZeroFill())
	assert.Equal(t, uint64(64), buf.Block().Size())
	assert.Equal(t, uint64(32), buf.Block().Alignment())

	answer := g.FindAbsoluteSymbol("answer")
	require.NotNil(t, answer)
	assert.Equal(t, uint64(42), answer.Address())

	edges := text.Blocks()[0].Edges()
	require.Len(t, edges, 3)
	assert.Equal(t, Edge{Kind: X86BranchPCRel32, Offset: 7, Target: bar, Addend: -4}, edges[0])
	assert.Equal(t, X86Delta32, edges[1].Kind)
	assert.Equal(t, uint64(14), edges[1].Offset)
	assert.Same(t, g.FindDefinedSymbol("counter"), edges[1].Target)
	assert.Equal(t, X86BranchPCRel32, edges[2].Kind)
	assert.Same(t, maybe, edges[2].Target)
}

func TestBuildGraphSectionSymbols(t *testing.T) {
	g := buildGraph(t, a64Triple, `
	adrp x0, value
	add x0, x0, :lo12:value
	ret
	.data
	.word 1
value:
	.word 2
`)
	edges := g.FindSection(".text").Blocks()[0].Edges()
	require.Len(t, edges, 2)
	assert.Equal(t, A64Page21, edges[0].Kind)
	assert.Equal(t, A64PageOffset12, edges[1].Kind)

	// Local labels are referenced through the anonymous section symbol.
	target := edges[0].Target
	assert.False(t, target.HasName())
	assert.Equal(t, ScopeLocal, target.Scope())
	assert.Equal(t, ".data", target.Block().Section().Name)
	assert.Equal(t, int64(4), edges[0].Addend)
}

func TestBuildGraphRejectsBadInput(t *testing.T) {
	_, err := BuildGraph(object.ObjectBuffer{Name: "junk", Contents: []byte("not an object at all, not even close to one")})
	require.ErrorIs(t, err, object.ErrMalformed)
}

func TestEdgeKindForReloc(t *testing.T) {
	for _, tc := range []struct {
		arch triple.Arch
		typ  uint32
		want EdgeKind
	}{
		{triple.ArchX86_64, 4, X86BranchPCRel32},                    // R_X86_64_PLT32
		{triple.ArchX86_64, 42, X86RequestGOTAndTransformToDelta32}, // R_X86_64_REX_GOTPCRELX
		{triple.ArchAArch64, 282, A64Branch26},                      // R_AARCH64_JUMP26
		{triple.ArchAArch64, 286, A64PageOffset12},                  // R_AARCH64_LDST64_ABS_LO12_NC
		{triple.ArchRISCV64, 18, RVCallPLT},                         // R_RISCV_CALL
		{triple.ArchRISCV64, 20, RVRequestGOTAndTransformToPCRelHi20},
	} {
		got, err := edgeKindForReloc(tc.arch, tc.typ)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s %d", tc.arch, tc.typ)
	}

	_, err := edgeKindForReloc(triple.ArchX86_64, 23) // R_X86_64_TPOFF32
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	assert.Contains(t, err.Error(), "R_X86_64_TPOFF32")
}

func TestEdgeKindName(t *testing.T) {
	assert.Equal(t, "BranchPCRel32", EdgeKindName(triple.ArchX86_64, X86BranchPCRel32))
	assert.Equal(t, "Page21", EdgeKindName(triple.ArchAArch64, A64Page21))
	assert.Equal(t, "R_RISCV_CALL_PLT", EdgeKindName(triple.ArchRISCV64, RVCallPLT))
	assert.Equal(t, "Keep-Alive", EdgeKindName(triple.ArchRISCV64, EdgeKeepAlive))
	assert.True(t, IsBranchKind(triple.ArchAArch64, A64Branch26))
	assert.False(t, IsBranchKind(triple.ArchAArch64, A64Page21))
	assert.True(t, IsGOTRequest(triple.ArchRISCV64, RVRequestGOTAndTransformToPCRelHi20))
}
