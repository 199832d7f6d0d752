package reloc

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/jitld/pkg/utils"
)

func patch(loc []byte, mask, bits uint32) {
	utils.Write[uint32](loc, (utils.Read[uint32](loc)&^mask)|(bits&mask))
}

// isLoadStore matches the unsigned-offset load/store class.
func isLoadStore(insn uint32) bool {
	return insn&0x3b000000 == 0x39000000
}

// pageOffsetShift returns the scale applied to a :lo12: offset by the
// instruction at loc.
func pageOffsetShift(insn uint32) uint {
	if !isLoadStore(insn) {
		return 0
	}
	shift := uint(insn >> 30)
	// 128-bit SIMD loads and stores use size=00 with opc<1> set.
	if shift == 0 && insn&0x04800000 == 0x04800000 {
		shift = 4
	}
	return shift
}

// ApplyAArch64 writes val into the field at loc that typ describes. For the
// page relocations val is the page delta, (S+A)&^0xfff - P&^0xfff; for the
// :lo12: relocations it is S+A.
func ApplyAArch64(loc []byte, typ elf.R_AARCH64, val uint64) error {
	sval := int64(val)

	switch typ {
	case elf.R_AARCH64_ABS64, elf.R_AARCH64_PREL64:
		utils.Write[uint64](loc, val)
	case elf.R_AARCH64_ABS32:
		if !utils.IsUint(val, 32) && !utils.IsInt(sval, 32) {
			return outOfRange(typ, sval)
		}
		utils.Write[uint32](loc, uint32(val))
	case elf.R_AARCH64_PREL32:
		if !utils.IsInt(sval, 32) {
			return outOfRange(typ, sval)
		}
		utils.Write[uint32](loc, uint32(val))
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		if sval&3 != 0 {
			return misaligned(typ, sval)
		}
		if !utils.IsInt(sval, 28) {
			return outOfRange(typ, sval)
		}
		patch(loc, 0x03ffffff, uint32(sval>>2))
	case elf.R_AARCH64_CONDBR19, elf.R_AARCH64_LD_PREL_LO19:
		if sval&3 != 0 {
			return misaligned(typ, sval)
		}
		if !utils.IsInt(sval, 21) {
			return outOfRange(typ, sval)
		}
		patch(loc, 0x7ffff<<5, uint32(sval>>2)<<5)
	case elf.R_AARCH64_TSTBR14:
		if sval&3 != 0 {
			return misaligned(typ, sval)
		}
		if !utils.IsInt(sval, 16) {
			return outOfRange(typ, sval)
		}
		patch(loc, 0x3fff<<5, uint32(sval>>2)<<5)
	case elf.R_AARCH64_ADR_PREL_LO21:
		if !utils.IsInt(sval, 21) {
			return outOfRange(typ, sval)
		}
		writeAdr(loc, uint32(sval))
	case elf.R_AARCH64_ADR_PREL_PG_HI21, elf.R_AARCH64_ADR_GOT_PAGE:
		if sval&0xfff != 0 {
			return misaligned(typ, sval)
		}
		if !utils.IsInt(sval, 33) {
			return outOfRange(typ, sval)
		}
		writeAdr(loc, uint32(sval>>12))
	case elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_LDST8_ABS_LO12_NC,
		elf.R_AARCH64_LDST16_ABS_LO12_NC, elf.R_AARCH64_LDST32_ABS_LO12_NC,
		elf.R_AARCH64_LDST64_ABS_LO12_NC, elf.R_AARCH64_LDST128_ABS_LO12_NC,
		elf.R_AARCH64_LD64_GOT_LO12_NC:
		shift := pageOffsetShift(utils.Read[uint32](loc))
		off := uint32(val & 0xfff)
		if off&(1<<shift-1) != 0 {
			return misaligned(typ, sval)
		}
		patch(loc, 0xfff<<10, (off>>shift)<<10)
	case elf.R_AARCH64_MOVW_UABS_G0_NC, elf.R_AARCH64_MOVW_UABS_G1_NC,
		elf.R_AARCH64_MOVW_UABS_G2_NC, elf.R_AARCH64_MOVW_UABS_G3:
		shift := 16 * uint((typ-elf.R_AARCH64_MOVW_UABS_G0)/2)
		patch(loc, 0xffff<<5, uint32(val>>shift&0xffff)<<5)
	default:
		return fmt.Errorf("unsupported AArch64 relocation %v", typ)
	}
	return nil
}

func writeAdr(loc []byte, imm uint32) {
	patch(loc, 0x60ffffe0, (imm&3)<<29|((imm>>2)&0x7ffff)<<5)
}
