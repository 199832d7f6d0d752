package jitlink

import (
	"debug/elf"
	"fmt"

	"github.com/ksco/jitld/pkg/triple"
)

// x86-64 edge kinds.
const (
	X86Pointer64 = FirstRelocation + iota
	X86Pointer32
	X86Pointer32Signed
	X86Pointer8
	X86Delta64
	X86Delta32
	X86Delta8
	X86BranchPCRel32
	X86RequestGOTAndTransformToDelta32
)

// AArch64 edge kinds.
const (
	A64Pointer64 = FirstRelocation + iota
	A64Pointer32
	A64Delta64
	A64Delta32
	A64Branch26
	A64CondBranch19
	A64TestBranch14
	A64LDRLiteral19
	A64ADRLiteral21
	A64Page21
	A64PageOffset12
	A64MoveWide16G0
	A64MoveWide16G1
	A64MoveWide16G2
	A64MoveWide16G3
	A64RequestGOTAndTransformToPage21
	A64RequestGOTAndTransformToPageOffset12
)

// RISC-V edge kinds.
const (
	RVPointer64 = FirstRelocation + iota
	RVPointer32
	RVDelta32
	RVBranch
	RVJAL
	RVCallPLT
	RVHi20
	RVLo12I
	RVLo12S
	RVPCRelHi20
	RVPCRelLo12I
	RVPCRelLo12S
	RVRequestGOTAndTransformToPCRelHi20
)

type formula uint8

const (
	formulaAbs     formula = iota // S + A
	formulaPCRel                  // S + A - P
	formulaPage                   // Page(S + A) - Page(P)
	formulaPCRelLo                // low bits of the paired hi20 edge
)

type kindInfo struct {
	name    string
	reloc   uint32
	width   uint64
	formula formula
	branch  bool
	// gotKind is the kind a GOT-requesting edge becomes once it targets a
	// GOT entry. Zero for every other kind.
	gotKind EdgeKind
}

var x86Kinds = map[EdgeKind]kindInfo{
	X86Pointer64:       {"Pointer64", uint32(elf.R_X86_64_64), 8, formulaAbs, false, 0},
	X86Pointer32:       {"Pointer32", uint32(elf.R_X86_64_32), 4, formulaAbs, false, 0},
	X86Pointer32Signed: {"Pointer32Signed", uint32(elf.R_X86_64_32S), 4, formulaAbs, false, 0},
	X86Pointer8:        {"Pointer8", uint32(elf.R_X86_64_8), 1, formulaAbs, false, 0},
	X86Delta64:         {"Delta64", uint32(elf.R_X86_64_PC64), 8, formulaPCRel, false, 0},
	X86Delta32:         {"Delta32", uint32(elf.R_X86_64_PC32), 4, formulaPCRel, false, 0},
	X86Delta8:          {"Delta8", uint32(elf.R_X86_64_PC8), 1, formulaPCRel, false, 0},
	X86BranchPCRel32:   {"BranchPCRel32", uint32(elf.R_X86_64_PLT32), 4, formulaPCRel, true, 0},
	X86RequestGOTAndTransformToDelta32: {
		"RequestGOTAndTransformToDelta32", uint32(elf.R_X86_64_GOTPCREL), 4, formulaPCRel, false, X86Delta32,
	},
}

var a64Kinds = map[EdgeKind]kindInfo{
	A64Pointer64:    {"Pointer64", uint32(elf.R_AARCH64_ABS64), 8, formulaAbs, false, 0},
	A64Pointer32:    {"Pointer32", uint32(elf.R_AARCH64_ABS32), 4, formulaAbs, false, 0},
	A64Delta64:      {"Delta64", uint32(elf.R_AARCH64_PREL64), 8, formulaPCRel, false, 0},
	A64Delta32:      {"Delta32", uint32(elf.R_AARCH64_PREL32), 4, formulaPCRel, false, 0},
	A64Branch26:     {"Branch26PCRel", uint32(elf.R_AARCH64_CALL26), 4, formulaPCRel, true, 0},
	A64CondBranch19: {"CondBranch19PCRel", uint32(elf.R_AARCH64_CONDBR19), 4, formulaPCRel, false, 0},
	A64TestBranch14: {"TestAndBranch14PCRel", uint32(elf.R_AARCH64_TSTBR14), 4, formulaPCRel, false, 0},
	A64LDRLiteral19: {"LDRLiteral19", uint32(elf.R_AARCH64_LD_PREL_LO19), 4, formulaPCRel, false, 0},
	A64ADRLiteral21: {"ADRLiteral21", uint32(elf.R_AARCH64_ADR_PREL_LO21), 4, formulaPCRel, false, 0},
	A64Page21:       {"Page21", uint32(elf.R_AARCH64_ADR_PREL_PG_HI21), 4, formulaPage, false, 0},
	A64PageOffset12: {"PageOffset12", uint32(elf.R_AARCH64_ADD_ABS_LO12_NC), 4, formulaAbs, false, 0},
	A64MoveWide16G0: {"MoveWide16G0", uint32(elf.R_AARCH64_MOVW_UABS_G0_NC), 4, formulaAbs, false, 0},
	A64MoveWide16G1: {"MoveWide16G1", uint32(elf.R_AARCH64_MOVW_UABS_G1_NC), 4, formulaAbs, false, 0},
	A64MoveWide16G2: {"MoveWide16G2", uint32(elf.R_AARCH64_MOVW_UABS_G2_NC), 4, formulaAbs, false, 0},
	A64MoveWide16G3: {"MoveWide16G3", uint32(elf.R_AARCH64_MOVW_UABS_G3), 4, formulaAbs, false, 0},
	A64RequestGOTAndTransformToPage21: {
		"RequestGOTAndTransformToPage21", uint32(elf.R_AARCH64_ADR_GOT_PAGE), 4, formulaPage, false, A64Page21,
	},
	A64RequestGOTAndTransformToPageOffset12: {
		"RequestGOTAndTransformToPageOffset12", uint32(elf.R_AARCH64_LD64_GOT_LO12_NC), 4, formulaAbs, false, A64PageOffset12,
	},
}

var rvKinds = map[EdgeKind]kindInfo{
	RVPointer64:  {"R_RISCV_64", uint32(elf.R_RISCV_64), 8, formulaAbs, false, 0},
	RVPointer32:  {"R_RISCV_32", uint32(elf.R_RISCV_32), 4, formulaAbs, false, 0},
	RVDelta32:    {"R_RISCV_32_PCREL", uint32(elf.R_RISCV_32_PCREL), 4, formulaPCRel, false, 0},
	RVBranch:     {"R_RISCV_BRANCH", uint32(elf.R_RISCV_BRANCH), 4, formulaPCRel, true, 0},
	RVJAL:        {"R_RISCV_JAL", uint32(elf.R_RISCV_JAL), 4, formulaPCRel, true, 0},
	RVCallPLT:    {"R_RISCV_CALL_PLT", uint32(elf.R_RISCV_CALL_PLT), 8, formulaPCRel, true, 0},
	RVHi20:       {"R_RISCV_HI20", uint32(elf.R_RISCV_HI20), 4, formulaAbs, false, 0},
	RVLo12I:      {"R_RISCV_LO12_I", uint32(elf.R_RISCV_LO12_I), 4, formulaAbs, false, 0},
	RVLo12S:      {"R_RISCV_LO12_S", uint32(elf.R_RISCV_LO12_S), 4, formulaAbs, false, 0},
	RVPCRelHi20:  {"R_RISCV_PCREL_HI20", uint32(elf.R_RISCV_PCREL_HI20), 4, formulaPCRel, false, 0},
	RVPCRelLo12I: {"R_RISCV_PCREL_LO12_I", uint32(elf.R_RISCV_PCREL_LO12_I), 4, formulaPCRelLo, false, 0},
	RVPCRelLo12S: {"R_RISCV_PCREL_LO12_S", uint32(elf.R_RISCV_PCREL_LO12_S), 4, formulaPCRelLo, false, 0},
	RVRequestGOTAndTransformToPCRelHi20: {
		"R_RISCV_GOT_HI20", uint32(elf.R_RISCV_GOT_HI20), 4, formulaPCRel, false, RVPCRelHi20,
	},
}

func kindTable(arch triple.Arch) map[EdgeKind]kindInfo {
	switch arch {
	case triple.ArchX86_64:
		return x86Kinds
	case triple.ArchAArch64:
		return a64Kinds
	case triple.ArchRISCV64:
		return rvKinds
	}
	return nil
}

func lookupKind(arch triple.Arch, kind EdgeKind) (kindInfo, bool) {
	info, ok := kindTable(arch)[kind]
	return info, ok
}

// EdgeKindName names kind in arch's vocabulary.
func EdgeKindName(arch triple.Arch, kind EdgeKind) string {
	switch kind {
	case EdgeInvalid:
		return "INVALID RELOCATION"
	case EdgeKeepAlive:
		return "Keep-Alive"
	}
	if info, ok := lookupKind(arch, kind); ok {
		return info.name
	}
	return fmt.Sprintf("unrecognized edge kind %d", kind)
}

// IsBranchKind reports whether kind transfers control, i.e. whether a
// branch to an external symbol is routed through a stub.
func IsBranchKind(arch triple.Arch, kind EdgeKind) bool {
	info, ok := lookupKind(arch, kind)
	return ok && info.branch
}

// IsGOTRequest reports whether kind asks for a GOT entry.
func IsGOTRequest(arch triple.Arch, kind EdgeKind) bool {
	info, ok := lookupKind(arch, kind)
	return ok && info.gotKind != 0
}

// skippedReloc reports relocations that carry no fixup.
func skippedReloc(arch triple.Arch, typ uint32) bool {
	switch arch {
	case triple.ArchX86_64:
		return typ == uint32(elf.R_X86_64_NONE)
	case triple.ArchAArch64:
		return typ == uint32(elf.R_AARCH64_NONE)
	case triple.ArchRISCV64:
		return typ == uint32(elf.R_RISCV_NONE) || typ == uint32(elf.R_RISCV_RELAX)
	}
	return false
}

// edgeKindForReloc maps an ELF relocation type to an edge kind.
func edgeKindForReloc(arch triple.Arch, typ uint32) (EdgeKind, error) {
	switch arch {
	case triple.ArchX86_64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return X86RequestGOTAndTransformToDelta32, nil
		}
	case triple.ArchAArch64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_JUMP26:
			return A64Branch26, nil
		case elf.R_AARCH64_LDST8_ABS_LO12_NC, elf.R_AARCH64_LDST16_ABS_LO12_NC,
			elf.R_AARCH64_LDST32_ABS_LO12_NC, elf.R_AARCH64_LDST64_ABS_LO12_NC,
			elf.R_AARCH64_LDST128_ABS_LO12_NC:
			return A64PageOffset12, nil
		case elf.R_AARCH64_MOVW_UABS_G0:
			return A64MoveWide16G0, nil
		case elf.R_AARCH64_MOVW_UABS_G1:
			return A64MoveWide16G1, nil
		case elf.R_AARCH64_MOVW_UABS_G2:
			return A64MoveWide16G2, nil
		}
	case triple.ArchRISCV64:
		if elf.R_RISCV(typ) == elf.R_RISCV_CALL {
			return RVCallPLT, nil
		}
	}

	for kind, info := range kindTable(arch) {
		if info.reloc == typ {
			return kind, nil
		}
	}
	return EdgeInvalid, fmt.Errorf("%w: %s", ErrUnsupportedRelocation, relocName(arch, typ))
}

func relocName(arch triple.Arch, typ uint32) string {
	switch arch {
	case triple.ArchX86_64:
		return elf.R_X86_64(typ).String()
	case triple.ArchAArch64:
		return elf.R_AARCH64(typ).String()
	case triple.ArchRISCV64:
		return elf.R_RISCV(typ).String()
	}
	return fmt.Sprintf("reloc(%d)", typ)
}
