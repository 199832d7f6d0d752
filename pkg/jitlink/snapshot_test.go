package jitlink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPass(t *testing.T) {
	ctx := newRecordingContext(assembleObject(t, x86Triple, `
	.globl main
main:
	call helper
	ret
	.weak hook
	.data
	.quad hook
`))
	ctx.externals["helper"] = EvaluatedSymbol{Address: 0x4000}
	var buf bytes.Buffer
	ctx.modify = func(config *PassConfiguration) error {
		config.PostPrunePasses = append(config.PostPrunePasses, SnapshotPass(&buf))
		config.PostFixupPasses = append(config.PostFixupPasses, SnapshotPass(&buf))
		return nil
	}
	link(t, ctx)
	require.NoError(t, ctx.err)

	snaps, err := ReadSnapshots(&buf)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	before, after := snaps[0], snaps[1]
	assert.Equal(t, "test.o", before.Name)
	assert.Equal(t, x86Triple, before.Triple)

	text := findSectionSnapshot(t, before, ".text")
	require.Len(t, text.Blocks, 1)
	assert.Equal(t, uint64(0), text.Blocks[0].Address)
	require.Len(t, text.Blocks[0].Edges, 1)
	assert.Equal(t, "BranchPCRel32", text.Blocks[0].Edges[0].Kind)
	assert.Equal(t, uint64(1), text.Blocks[0].Edges[0].Offset)

	text = findSectionSnapshot(t, after, ".text")
	assert.Equal(t, uint64(slabBase), text.Blocks[0].Address)
	assert.Equal(t, byte(0xe8), text.Blocks[0].Content[0])
	assert.Contains(t, text.Blocks[0].Symbols, SymbolSnapshot{
		Name:    "main",
		Address: slabBase,
		Linkage: "strong",
		Scope:   "default",
		Live:    true,
	})

	require.Len(t, after.Externals, 2)
	names := []string{after.Externals[0].Name, after.Externals[1].Name}
	assert.ElementsMatch(t, []string{"helper", "hook"}, names)
}

func findSectionSnapshot(t *testing.T, s *Snapshot, name string) SectionSnapshot {
	t.Helper()
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec
		}
	}
	require.Failf(t, "missing section", "%s", name)
	return SectionSnapshot{}
}

func TestReadSnapshotRejectsSchema(t *testing.T) {
	g := buildGraph(t, x86Triple, "ret")
	s := TakeSnapshot(g)
	s.Schema = 99

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, g))
	_, err := ReadSnapshot(&buf)
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, encodeSnapshot(&buf, s))
	_, err = ReadSnapshot(&buf)
	require.ErrorContains(t, err, "unsupported snapshot schema 99")
}

func TestDump(t *testing.T) {
	g := buildGraph(t, x86Triple, `
	.globl foo
foo:
	call bar
	ret
	.equ limit, 16
	.globl limit
`)
	var sb strings.Builder
	require.NoError(t, Dump(&sb, g))
	out := sb.String()

	assert.True(t, strings.HasPrefix(out, `graph "test.o" (x86_64-unknown-linux-gnu, pointer size 8, LittleEndian)`), out)
	assert.Contains(t, out, "section .text R-X\n")
	assert.Contains(t, out, "    foo      0x0000000000000000 +0x0 size 0x0 strong default\n")
	assert.Contains(t, out, "    edge +0x000001 BranchPCRel32            -> bar -4\n")
	assert.Contains(t, out, "externals\n  bar      0x0000000000000000 strong\n")
	assert.Contains(t, out, "absolutes\n  limit    0x0000000000000010 strong default\n")
}
