package reloc

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func word(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func TestApplyRISCV(t *testing.T) {
	loc := word(0x000000ef) // jal ra, 0
	require.NoError(t, ApplyRISCV(loc, elf.R_RISCV_JAL, 8))
	assert.Equal(t, uint32(0x008000ef), binary.LittleEndian.Uint32(loc))

	assert.ErrorIs(t, ApplyRISCV(word(0x000000ef), elf.R_RISCV_JAL, 3), ErrMisaligned)
	assert.ErrorIs(t, ApplyRISCV(word(0x000000ef), elf.R_RISCV_JAL, 1<<21), ErrOutOfRange)

	// auipc ra, 0; jalr ra, 0(ra)
	call := append(word(0x00000097), word(0x000080e7)...)
	require.NoError(t, ApplyRISCV(call, elf.R_RISCV_CALL_PLT, 0x1800))
	assert.Equal(t, uint32(0x00002097), binary.LittleEndian.Uint32(call))
	assert.Equal(t, uint32(0x800080e7), binary.LittleEndian.Uint32(call[4:]))

	assert.True(t, HasHi20(0x7ffff7ff))
	assert.False(t, HasHi20(0x7ffff800))

	err := ApplyRISCV(word(0), elf.R_RISCV_TPREL_HI20, 0)
	assert.ErrorContains(t, err, "unsupported RISC-V relocation")
}

func TestApplyAArch64(t *testing.T) {
	bl := word(0x94000000)
	require.NoError(t, ApplyAArch64(bl, elf.R_AARCH64_CALL26, 0x100))
	assert.Equal(t, uint32(0x94000040), binary.LittleEndian.Uint32(bl))
	assert.ErrorIs(t, ApplyAArch64(word(0x94000000), elf.R_AARCH64_CALL26, 2), ErrMisaligned)
	assert.ErrorIs(t, ApplyAArch64(word(0x94000000), elf.R_AARCH64_CALL26, 1<<27), ErrOutOfRange)

	adrp := word(0x90000000)
	require.NoError(t, ApplyAArch64(adrp, elf.R_AARCH64_ADR_PREL_PG_HI21, 0x3000))
	assert.Equal(t, uint32(0xf0000000), binary.LittleEndian.Uint32(adrp))

	ldr := word(0xf9400020) // ldr x0, [x1]
	require.NoError(t, ApplyAArch64(ldr, elf.R_AARCH64_LDST64_ABS_LO12_NC, 0x12018))
	assert.Equal(t, uint32(0xf9400c20), binary.LittleEndian.Uint32(ldr))
	assert.ErrorIs(t, ApplyAArch64(word(0xf9400020), elf.R_AARCH64_LDST64_ABS_LO12_NC, 0x14), ErrMisaligned)

	movk := word(0xf2e00000) // movk x0, #0, lsl #48
	require.NoError(t, ApplyAArch64(movk, elf.R_AARCH64_MOVW_UABS_G3, 0x1234_0000_0000_0000))
	assert.Equal(t, uint32(0xf2e00000|0x1234<<5), binary.LittleEndian.Uint32(movk))
}

func TestApplyX86_64(t *testing.T) {
	loc := make([]byte, 4)
	require.NoError(t, ApplyX86_64(loc, elf.R_X86_64_PC32, ^uint64(3)))
	assert.Equal(t, []byte{0xfc, 0xff, 0xff, 0xff}, loc)

	assert.ErrorIs(t, ApplyX86_64(make([]byte, 4), elf.R_X86_64_32, 1<<32), ErrOutOfRange)
	assert.ErrorIs(t, ApplyX86_64(make([]byte, 4), elf.R_X86_64_PC32, 1<<31), ErrOutOfRange)

	loc = make([]byte, 8)
	require.NoError(t, ApplyX86_64(loc, elf.R_X86_64_64, 0x1122334455667788))
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(loc))
}
