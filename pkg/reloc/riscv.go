// Package reloc patches relocated instruction and data fields. It is shared
// by the assembler, which resolves local fixups, and the linker, which
// applies edges once addresses are known.
package reloc

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/ksco/jitld/pkg/utils"
)

// ErrOutOfRange reports a value that does not fit its relocated field.
var ErrOutOfRange = errors.New("relocation value out of range")

// ErrMisaligned reports a value that violates the field's scaling.
var ErrMisaligned = errors.New("relocation value misaligned")

func outOfRange(kind fmt.Stringer, val int64) error {
	return fmt.Errorf("%w: %s value %d (0x%x)", ErrOutOfRange, kind, val, uint64(val))
}

func misaligned(kind fmt.Stringer, val int64) error {
	return fmt.Errorf("%w: %s value %d (0x%x)", ErrMisaligned, kind, val, uint64(val))
}

func itype(val uint32) uint32 {
	return val << 20
}

func stype(val uint32) uint32 {
	return utils.Bits(val, 11, 5)<<25 | utils.Bits(val, 4, 0)<<7
}

func btype(val uint32) uint32 {
	return utils.Bit(val, 12)<<31 | utils.Bits(val, 10, 5)<<25 |
		utils.Bits(val, 4, 1)<<8 | utils.Bit(val, 11)<<7
}

func utype(val uint32) uint32 {
	return (val + 0x800) & 0xffff_f000
}

func jtype(val uint32) uint32 {
	return utils.Bit(val, 20)<<31 | utils.Bits(val, 10, 1)<<21 |
		utils.Bit(val, 11)<<20 | utils.Bits(val, 19, 12)<<12
}

func WriteItype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_11111_111_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|itype(val))
}

func WriteStype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|stype(val))
}

func WriteBtype(loc []byte, val uint32) {
	mask := uint32(0b000000_11111_11111_111_00000_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|btype(val))
}

func WriteUtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|utype(val))
}

func WriteJtype(loc []byte, val uint32) {
	mask := uint32(0b000000_00000_00000_000_11111_1111111)
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&mask)|jtype(val))
}

// HasHi20 reports whether the upper 20 bits of a hi/lo pair can address val.
func HasHi20(val int64) bool {
	return utils.IsInt(val+0x800, 32)
}

// ApplyRISCV writes val into the field at loc that typ describes. Callers
// compute val with the relocation's formula (S+A or S+A-P).
func ApplyRISCV(loc []byte, typ elf.R_RISCV, val uint64) error {
	sval := int64(val)

	switch typ {
	case elf.R_RISCV_32:
		if !utils.IsUint(val, 32) && !utils.IsInt(sval, 32) {
			return outOfRange(typ, sval)
		}
		utils.Write[uint32](loc, uint32(val))
	case elf.R_RISCV_64:
		utils.Write[uint64](loc, val)
	case elf.R_RISCV_32_PCREL:
		if !utils.IsInt(sval, 32) {
			return outOfRange(typ, sval)
		}
		utils.Write[uint32](loc, uint32(val))
	case elf.R_RISCV_BRANCH:
		if !utils.IsInt(sval, 13) {
			return outOfRange(typ, sval)
		}
		if sval&1 != 0 {
			return misaligned(typ, sval)
		}
		WriteBtype(loc, uint32(val))
	case elf.R_RISCV_JAL:
		if !utils.IsInt(sval, 21) {
			return outOfRange(typ, sval)
		}
		if sval&1 != 0 {
			return misaligned(typ, sval)
		}
		WriteJtype(loc, uint32(val))
	case elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT:
		if !HasHi20(sval) {
			return outOfRange(typ, sval)
		}
		WriteUtype(loc, uint32(val))
		WriteItype(loc[4:], uint32(val))
	case elf.R_RISCV_HI20, elf.R_RISCV_PCREL_HI20, elf.R_RISCV_GOT_HI20:
		if !HasHi20(sval) {
			return outOfRange(typ, sval)
		}
		WriteUtype(loc, uint32(val))
	case elf.R_RISCV_LO12_I, elf.R_RISCV_PCREL_LO12_I:
		WriteItype(loc, uint32(val))
	case elf.R_RISCV_LO12_S, elf.R_RISCV_PCREL_LO12_S:
		WriteStype(loc, uint32(val))
	default:
		return fmt.Errorf("unsupported RISC-V relocation %v", typ)
	}
	return nil
}
