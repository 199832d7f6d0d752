package jitlinktest

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/triple"
)

var sample = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

func sampleGraph(order binary.ByteOrder) (*jitlink.LinkGraph, *jitlink.Block) {
	g := jitlink.NewLinkGraph("sample", triple.Parse(x86Triple), order)
	sec := g.CreateSection(".data", jitlink.MemProtRead|jitlink.MemProtWrite)
	b := g.CreateContentBlock(sec, sample, 8, 0)
	g.AddDefinedSymbol(b, 0, "start", 8, jitlink.LinkageStrong, jitlink.ScopeDefault, false, false)
	g.AddDefinedSymbol(b, 4, "middle", 4, jitlink.LinkageStrong, jitlink.ScopeDefault, false, false)
	return g, b
}

func TestFindSymbolOrder(t *testing.T) {
	g, b := sampleGraph(binary.LittleEndian)
	g.AddDefinedSymbol(b, 2, "dup", 0, jitlink.LinkageStrong, jitlink.ScopeDefault, false, false)
	g.AddExternalSymbol("dup", 0, false)
	g.AddAbsoluteSymbol("dup", 0x99, 0, jitlink.LinkageStrong, jitlink.ScopeDefault, false)
	g.AddExternalSymbol("ext", 0, false)
	g.AddExternalSymbol("both", 0, true)
	g.AddAbsoluteSymbol("both", 0x10, 0, jitlink.LinkageStrong, jitlink.ScopeDefault, false)
	g.AddAbsoluteSymbol("abs", 0x1234, 0, jitlink.LinkageStrong, jitlink.ScopeDefault, false)

	assert.True(t, FindSymbol(g, "dup").IsDefined())
	assert.True(t, FindSymbol(g, "ext").IsExternal())
	assert.True(t, FindSymbol(g, "both").IsExternal())
	assert.True(t, FindSymbol(g, "abs").IsAbsolute())
	assert.Equal(t, uint64(0x1234), SymbolAddr(g, "abs"))

	assert.PanicsWithValue(t, `jitlinktest: no symbol "nope" in graph sample`, func() {
		FindSymbol(g, "nope")
	})
}

func TestReadInt(t *testing.T) {
	le, leBlock := sampleGraph(binary.LittleEndian)
	be, beBlock := sampleGraph(binary.BigEndian)

	v16, err := ReadInt[uint16](le, leBlock, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0201), v16)
	v16, err = ReadInt[uint16](be, beBlock, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), v16)

	v32, err := ReadInt[uint32](le, leBlock, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x08070605), v32)
	v64, err := ReadInt[uint64](be, beBlock, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), v64)
	s8, err := ReadInt[int8](le, leBlock, 7)
	require.NoError(t, err)
	assert.Equal(t, int8(8), s8)

	// Every in-bounds read matches decoding the bytes by hand.
	for off := uint64(0); off+4 <= uint64(len(sample)); off++ {
		got, err := ReadInt[uint32](be, beBlock, off)
		require.NoError(t, err)
		assert.Equal(t, binary.BigEndian.Uint32(sample[off:]), got)
	}

	for _, off := range []uint64{5, 8, 9, 1 << 63} {
		_, err := ReadInt[uint32](le, leBlock, off)
		require.ErrorIs(t, err, ErrOutOfRange, "offset %d", off)
	}
}

func TestReadIntZeroFill(t *testing.T) {
	g := jitlink.NewLinkGraph("bss", triple.Parse(a64Triple), binary.LittleEndian)
	b := g.CreateZeroFillBlock(g.CreateSection(".bss", jitlink.MemProtRead|jitlink.MemProtWrite), 16, 8, 0)

	v, err := ReadInt[uint64](g, b, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	_, err = ReadInt[uint64](g, b, 9)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestReadSymbolInt(t *testing.T) {
	g, b := sampleGraph(binary.LittleEndian)
	g.AddExternalSymbol("ext", 0, false)

	for _, name := range []string{"start", "middle"} {
		sym := g.FindDefinedSymbol(name)
		for extra := uint64(0); sym.Offset()+extra+2 <= b.Size(); extra++ {
			bySym, err := ReadSymbolInt[uint16](g, name, extra)
			require.NoError(t, err)
			byBlock, err := ReadInt[uint16](g, b, sym.Offset()+extra)
			require.NoError(t, err)
			assert.Equal(t, byBlock, bySym, "%s+%d", name, extra)
		}
	}

	_, err := ReadSymbolInt[uint32](g, "middle", 1)
	require.ErrorIs(t, err, ErrOutOfRange)

	// Only defined symbols have content to read.
	_, err = ReadSymbolInt[uint32](g, "ext", 0)
	require.ErrorIs(t, err, jitlink.ErrSymbolNotFound)
	_, err = ReadSymbolInt[uint32](g, "missing", 0)
	require.ErrorIs(t, err, jitlink.ErrSymbolNotFound)
}

func TestCountEdgesMatching(t *testing.T) {
	g := jitlink.NewLinkGraph("edges", triple.Parse(x86Triple), binary.LittleEndian)
	text := g.CreateSection(".text", jitlink.MemProtRead|jitlink.MemProtExec)
	b := g.CreateContentBlock(text, make([]byte, 16), 1, 0)
	g.AddDefinedSymbol(b, 0, "caller", 16, jitlink.LinkageStrong, jitlink.ScopeDefault, true, false)
	bar := g.AddExternalSymbol("bar", 0, false)
	data := g.AddExternalSymbol("data", 0, false)
	b.AddEdge(jitlink.X86BranchPCRel32, 1, bar, -4)
	b.AddEdge(jitlink.X86Delta32, 8, data, -4)
	b.AddEdge(jitlink.X86Pointer64, 8, data, 0)

	assert.Equal(t, 1, CountEdgesMatching(b, IsBranchEdge(g)))
	assert.Equal(t, 2, CountEdgesMatching(b, EdgeKindIs(jitlink.X86Delta32, jitlink.X86Pointer64)))
	assert.Equal(t, 0, CountEdgesMatching(b, EdgeKindIs()))
	assert.Equal(t, 3, CountSymbolEdgesMatching(g, "caller", func(jitlink.Edge) bool { return true }))
	assert.Equal(t, 1, CountSymbolEdgesMatching(g, "caller", func(e jitlink.Edge) bool { return e.Target == bar }))

	assert.Panics(t, func() { CountSymbolEdgesMatching(g, "bar", IsBranchEdge(g)) })
	assert.Panics(t, func() { CountSymbolEdgesMatching(g, "nope", IsBranchEdge(g)) })
}
