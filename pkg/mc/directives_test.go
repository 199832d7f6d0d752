package mc

import (
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const x86Triple = "x86_64-unknown-linux-gnu"

func TestDataDirectives(t *testing.T) {
	f := assemble(t, x86Triple, `
	.set WIDTH, 4*8
	.data
	.globl counter
counter:
	.quad 7
	.byte WIDTH, WIDTH >> 1, 'A'
	.short 0x1234
	.long -1
	.ascii "hi"
	.asciz "a\n"
	.zero 3
	.fill 2, 2, 0xabcd
`)
	data := f.data(".data")
	require.Equal(t, uint64(7), binary.LittleEndian.Uint64(data))
	want := []byte{
		32, 16, 'A',
		0x34, 0x12,
		0xff, 0xff, 0xff, 0xff,
		'h', 'i',
		'a', '\n', 0,
		0, 0, 0,
		0xcd, 0xab, 0xcd, 0xab,
	}
	require.Equal(t, want, data[8:])

	sym := f.symbol("counter")
	assert.Equal(t, uint8(elf.STB_GLOBAL), sym.Bind())
	assert.Equal(t, ".data", f.SectionName(int64(sym.Shndx)))
	assert.Zero(t, sym.Val)
}

func TestSymbolAttributes(t *testing.T) {
	f := assemble(t, x86Triple, `
	.text
	.globl foo
	.type foo, @function
	.hidden foo
foo:
	ret
	.size foo, .-foo
	.weak bar
	.comm buf, 64, 32
	.lcomm scratch, 12
	.equ answer, 42
	.globl answer
`)
	foo := f.symbol("foo")
	assert.Equal(t, uint8(elf.STT_FUNC), foo.Type())
	assert.Equal(t, uint8(elf.STV_HIDDEN), foo.StVisibility())
	assert.Equal(t, uint64(1), foo.Size)

	bar := f.symbol("bar")
	assert.Equal(t, uint8(elf.STB_WEAK), bar.Bind())
	assert.True(t, bar.IsUndef())

	buf := f.symbol("buf")
	assert.Equal(t, uint16(elf.SHN_COMMON), buf.Shndx)
	assert.Equal(t, uint64(32), buf.Val)
	assert.Equal(t, uint64(64), buf.Size)

	scratch := f.symbol("scratch")
	assert.Equal(t, ".bss", f.SectionName(int64(scratch.Shndx)))
	assert.Equal(t, uint8(elf.STB_LOCAL), scratch.Bind())

	answer := f.symbol("answer")
	assert.Equal(t, uint16(elf.SHN_ABS), answer.Shndx)
	assert.Equal(t, uint64(42), answer.Val)
}

func TestSectionsAndAlignment(t *testing.T) {
	f := assemble(t, x86Triple, `
	.section .rodata.cst8,"aM",@progbits,8
	.quad 1
	.pushsection .text.hot,"ax",@progbits
	nop
	.p2align 4
	ret
	.popsection
	.quad 2
	.bss
	.balign 8
	.skip 24
`)
	rodata := f.data(".rodata.cst8")
	require.Len(t, rodata, 16)
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(rodata[8:]))

	hot := f.data(".text.hot")
	require.Len(t, hot, 17)
	assert.Equal(t, byte(0xc3), hot[16])
	assert.Equal(t, uint64(16), f.ElfSections[f.sectionIndex(".text.hot")].AddrAlign)

	bss := f.ElfSections[f.sectionIndex(".bss")]
	assert.Equal(t, uint32(elf.SHT_NOBITS), bss.Type)
	assert.Equal(t, uint64(24), bss.Size)
}

func TestNoExecStack(t *testing.T) {
	f, _ := assembleWith(t, x86Triple, CodeGenOptions{}, TargetOptions{NoExecStack: true}, "ret")
	f.sectionIndex(".note.GNU-stack")
}

func TestWarnings(t *testing.T) {
	_, warnings := assembleWith(t, x86Triple, CodeGenOptions{}, TargetOptions{}, ".file \"a.c\"\n.frobnicate 1\nret")
	require.Len(t, warnings, 1)
	assert.Equal(t, 2, warnings[0].Line)
	assert.Contains(t, warnings[0].String(), ".frobnicate")

	target, tr, err := LookupTarget(x86Triple)
	require.NoError(t, err)
	asm, err := target.NewAssembler(tr, CodeGenOptions{}, TargetOptions{FatalWarnings: true})
	require.NoError(t, err)
	_, _, err = asm.Assemble("t.o", ".frobnicate 1")
	require.ErrorIs(t, err, ErrAssembly)
}

func TestAssemblyErrors(t *testing.T) {
	for _, tc := range []struct {
		src    string
		line   int
		column int
		msg    string
	}{
		{"ret\n  bogus %eax", 2, 3, "bogus"},
		{"foo:\nfoo:", 2, 1, "already defined"},
		{"movl $1,", 1, 1, "missing operand"},
		{"jmp .Lnowhere", 1, 5, "undefined temporary symbol"},
		{".quad 1 +", 1, 7, "expected expression"},
		{"nop; 1: jmp 2b", 1, 13, "no previous definition"},
	} {
		err := assembleErr(t, x86Triple, tc.src)
		assert.Equal(t, tc.line, err.Line, tc.src)
		assert.Equal(t, tc.column, err.Column, tc.src)
		assert.Contains(t, err.Msg, tc.msg, tc.src)
		assert.True(t, strings.HasPrefix(err.Error(), "<inline asm>:"), tc.src)
	}
}

func TestNumericLabels(t *testing.T) {
	f := assemble(t, x86Triple, `
1:	nop
	jmp 1f
	jmp 1b
1:	ret
`)
	text := f.data(".text")
	// nop; jmp +5; jmp -11; ret
	require.Equal(t, []byte{
		0x90,
		0xe9, 0x05, 0x00, 0x00, 0x00,
		0xe9, 0xf5, 0xff, 0xff, 0xff,
		0xc3,
	}, text)
	assert.Empty(t, f.relocs(".text"))
	assert.False(t, f.hasSymbol(".L1$0"))
}

func TestPCRelativeData(t *testing.T) {
	f := assemble(t, x86Triple, `
	.data
here:
	.long bar - .
	.quad here
`)
	relocs := f.relocs(".data")
	require.Equal(t, []testReloc{
		{Offset: 0, Type: uint32(elf.R_X86_64_PC32), Sym: "bar", Addend: 0},
		{Offset: 4, Type: uint32(elf.R_X86_64_64), Sym: ".data", Addend: 0},
	}, relocs)
}
