package mc

import (
	"debug/elf"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rvTriple = "riscv64-unknown-linux-gnu"

func TestRISCVEncodings(t *testing.T) {
	for _, tc := range []struct {
		src  string
		want []uint32
	}{
		{"li a0, 42", []uint32{0x02a00513}},
		{"li a0, 0x12345678", []uint32{0x12345537, 0x6785051b}},
		{"li a0, 0x80000000", []uint32{0x00100513, 0x01f51513}},
		{"add a0, a1, a2", []uint32{0x00c58533}},
		{"sub a0, a0, a1", []uint32{0x40b50533}},
		{"mul a0, a0, a1", []uint32{0x02b50533}},
		{"slli a0, a0, 3", []uint32{0x00351513}},
		{"srai a0, a0, 1", []uint32{0x40155513}},
		{"sd ra, 8(sp)", []uint32{0x00113423}},
		{"ld ra, 8(sp)", []uint32{0x00813083}},
		{"lw a0, (a1)", []uint32{0x0005a503}},
		{"mv a0, a1", []uint32{0x00058513}},
		{"neg a0, a1", []uint32{0x40b00533}},
		{"jr t0", []uint32{0x00028067}},
		{"jalr a5", []uint32{0x000780e7}},
		{"lui a0, 0x12345", []uint32{0x12345537}},
		{"ecall", []uint32{0x00000073}},
		{"ebreak", []uint32{0x00100073}},
		{"fence", []uint32{0x0ff0000f}},
		{"fence rw, w", []uint32{0x0310000f}},
		{"ret", []uint32{0x00008067}},
		{"nop", []uint32{0x00000013}},
	} {
		f := assemble(t, rvTriple, tc.src)
		assert.Equal(t, tc.want, words(f.data(".text")), tc.src)
	}
}

func TestRISCVRelocations(t *testing.T) {
	f := assemble(t, rvTriple, `
	.text
	.globl caller
caller:
	call bar
	lla a0, counter
	lui a1, %hi(table)
	addi a1, a1, %lo(table)
	tail bar@plt
	.data
counter:
	.word 7
`)
	assert.Equal(t, []uint32{
		0x00000097, 0x000080e7,
		0x00000517, 0x00050513,
		0x000005b7, 0x00058593,
		0x00000317, 0x00030067,
	}, words(f.data(".text")))

	assert.Equal(t, []testReloc{
		{Offset: 0, Type: uint32(elf.R_RISCV_CALL_PLT), Sym: "bar"},
		{Offset: 8, Type: uint32(elf.R_RISCV_PCREL_HI20), Sym: ".data"},
		{Offset: 12, Type: uint32(elf.R_RISCV_PCREL_LO12_I), Sym: ".Lpcrel_hi1"},
		{Offset: 16, Type: uint32(elf.R_RISCV_HI20), Sym: "table"},
		{Offset: 20, Type: uint32(elf.R_RISCV_LO12_I), Sym: "table"},
		{Offset: 24, Type: uint32(elf.R_RISCV_CALL_PLT), Sym: "bar"},
	}, f.relocs(".text"))

	label := f.symbol(".Lpcrel_hi1")
	assert.Equal(t, uint64(8), label.Val)
	assert.Equal(t, uint8(elf.STB_LOCAL), label.Bind())
}

func TestRISCVLoadAddress(t *testing.T) {
	pic, _ := assembleWith(t, rvTriple, CodeGenOptions{PIC: true}, TargetOptions{}, "la a0, ext")
	assert.Equal(t, []uint32{0x00000517, 0x00053503}, words(pic.data(".text")))
	assert.Equal(t, []testReloc{
		{Offset: 0, Type: uint32(elf.R_RISCV_GOT_HI20), Sym: "ext"},
		{Offset: 4, Type: uint32(elf.R_RISCV_PCREL_LO12_I), Sym: ".Lpcrel_hi1"},
	}, pic.relocs(".text"))

	static, _ := assembleWith(t, rvTriple, CodeGenOptions{}, TargetOptions{}, "la a0, ext")
	assert.Equal(t, []uint32{0x00000517, 0x00050513}, words(static.data(".text")))
	assert.Equal(t, uint32(elf.R_RISCV_PCREL_HI20), static.relocs(".text")[0].Type)
}

func TestRISCVLocalBranches(t *testing.T) {
	f := assemble(t, rvTriple, `
foo:
	beqz a0, 1f
	j 1f
	jal foo
1:	ret
`)
	assert.Empty(t, f.relocs(".text"))
	assert.Equal(t, []uint32{
		0x00050663, // beq a0, zero, +12
		0x0080006f, // jal zero, +8
		0xff9ff0ef, // jal ra, -8
		0x00008067,
	}, words(f.data(".text")))
}

func TestRISCVErrors(t *testing.T) {
	for _, tc := range []struct {
		src string
		msg string
	}{
		{"addi a0, a0, 4096", "[-2048, 2047]"},
		{"slli a0, a0, 64", "[0, 63]"},
		{"lui a0, %lo(x)", "invalid relocation specifier"},
		{"add a0, a1", "add expects 3 operands, got 2"},
		{"add a0, a1, q7", "invalid operand"},
		{"fence rx, w", "'iorw'"},
		{"frob a0", "unrecognized instruction mnemonic"},
	} {
		err := assembleErr(t, rvTriple, tc.src)
		assert.Contains(t, err.Msg, tc.msg, tc.src)
	}
}

// runMaterialized executes a materialize sequence the way the hardware would.
func runMaterialized(seq []rvInst) int64 {
	var x int64
	for _, in := range seq {
		switch in.op {
		case "lui":
			x = int64(int32(uint32(in.imm) << 12))
		case "addi":
			x += in.imm
		case "addiw":
			x = int64(int32(x + in.imm))
		case "slli":
			x <<= uint(in.imm)
		}
	}
	return x
}

func TestMaterialize(t *testing.T) {
	for _, v := range []int64{
		0, 1, -1, 42, 2047, -2048, 2048, 0x7ff, 0x800, 0x12345678,
		math.MaxInt32, math.MinInt32, 0x7ffff800, 0x80000000, 0xffffffff,
		0x100000000, -0x123456789, 0x123456789abcdef0, math.MaxInt64, math.MinInt64,
	} {
		seq := materialize(v)
		require.NotEmpty(t, seq, "%#x", v)
		assert.LessOrEqual(t, len(seq), 8, "%#x", v)
		assert.Equal(t, v, runMaterialized(seq), "%#x", v)
	}
	assert.Len(t, materialize(42), 1)
	assert.Len(t, materialize(0x12345678), 2)
}

func TestRISCVDisassembler(t *testing.T) {
	target, _, err := LookupTarget(rvTriple)
	require.NoError(t, err)
	dis := target.NewDisassembler()

	inst, err := dis.Decode([]byte{0x13, 0x05, 0xa0, 0x02}, 0)
	require.NoError(t, err)
	assert.Equal(t, "addi", inst.Op)
	assert.Equal(t, 4, inst.Len)
	require.Len(t, inst.Operands, 3)
	assert.Equal(t, "a0", inst.Operands[0].Reg)
	assert.Equal(t, "zero", inst.Operands[1].Reg)
	assert.Equal(t, OperandImm, inst.Operands[2].Kind)
	assert.Equal(t, int64(42), inst.Operands[2].Imm)

	inst, err = dis.Decode([]byte{0x6f, 0x00, 0x80, 0x00}, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, "jal", inst.Op)
	assert.Equal(t, int64(0x1008), inst.Operands[len(inst.Operands)-1].Imm)

	inst, err = dis.Decode([]byte{0x83, 0x30, 0x81, 0x00}, 0)
	require.NoError(t, err)
	assert.Equal(t, "ld", inst.Op)
	require.Len(t, inst.Operands, 2)
	assert.Equal(t, OperandMem, inst.Operands[1].Kind)
	assert.Equal(t, "sp", inst.Operands[1].Reg)
	assert.Equal(t, int64(8), inst.Operands[1].Imm)
}
