package jitlinktest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
)

func decodeFixture(t *testing.T) (*Resources, *jitlink.Block) {
	t.Helper()
	res := GetTestResources(t, `
	.globl foo
foo:
	movl $42, %eax
	addl %ecx, %eax
	ret
`, x86Triple, false, false, mc.TargetOptions{})
	g, err := jitlink.BuildGraph(res.ObjectBuffer())
	require.NoError(t, err)
	return res, FindSymbol(g, "foo").Block()
}

func TestDisassemble(t *testing.T) {
	res, b := decodeFixture(t)
	dis := res.Disassembler()

	inst, n, err := Disassemble(dis, b, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "mov", inst.Op)

	inst, n, err = Disassemble(dis, b, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "add", inst.Op)

	inst, n, err = Disassemble(dis, b, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "ret", inst.Op)

	_, _, err = Disassemble(dis, b, 8)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestDisassembleDecodeError(t *testing.T) {
	res := GetTestResources(t, ".byte 0x0f", x86Triple, false, false, mc.TargetOptions{})
	g, err := jitlink.BuildGraph(res.ObjectBuffer())
	require.NoError(t, err)

	_, _, err = Disassemble(res.Disassembler(), g.FindSection(".text").Blocks()[0], 0)
	require.ErrorIs(t, err, mc.ErrDecode)
}

func TestDecodeImmediateOperandTruncated(t *testing.T) {
	res := GetTestResources(t, ".byte 0xb8, 0x2a", x86Triple, false, false, mc.TargetOptions{})
	g, err := jitlink.BuildGraph(res.ObjectBuffer())
	require.NoError(t, err)
	b := g.FindSection(".text").Blocks()[0]

	_, n, err := Disassemble(res.Disassembler(), b, 0)
	require.ErrorIs(t, err, mc.ErrDecode)
	assert.Zero(t, n)
	_, err = DecodeImmediateOperand(res.Disassembler(), b, 1, 0)
	require.ErrorIs(t, err, mc.ErrDecode)
	assert.NotErrorIs(t, err, ErrOperandIndexOutOfRange)
}

func TestDecodeImmediateOperand(t *testing.T) {
	res, b := decodeFixture(t)
	dis := res.Disassembler()

	imm, err := DecodeImmediateOperand(dis, b, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), imm)

	_, err = DecodeImmediateOperand(dis, b, 0, 0)
	require.ErrorIs(t, err, ErrOperandNotImmediate)
	_, err = DecodeImmediateOperand(dis, b, 2, 0)
	require.ErrorIs(t, err, ErrOperandIndexOutOfRange)
	_, err = DecodeImmediateOperand(dis, b, -1, 0)
	require.ErrorIs(t, err, ErrOperandIndexOutOfRange)
	_, err = DecodeImmediateOperand(dis, b, 0, 7)
	require.ErrorIs(t, err, ErrOperandIndexOutOfRange)
	_, err = DecodeImmediateOperand(dis, b, 0, 100)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestDisassembleZeroFill(t *testing.T) {
	res := GetTestResources(t, "\t.bss\n\t.globl buf\nbuf:\n\t.zero 16\n", x86Triple, false, false, mc.TargetOptions{})
	g, err := jitlink.BuildGraph(res.ObjectBuffer())
	require.NoError(t, err)

	_, _, err = Disassemble(res.Disassembler(), FindSymbol(g, "buf").Block(), 4)
	require.ErrorIs(t, err, mc.ErrDecode)
	assert.NotErrorIs(t, err, ErrOutOfRange)
	assert.ErrorContains(t, err, "zero-fill")
}
