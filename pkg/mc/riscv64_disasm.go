package mc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/riscv64/riscv64asm"
)

type rvDisassembler struct{}

func rvIsBranch(op riscv64asm.Op) bool {
	switch op {
	case riscv64asm.JAL, riscv64asm.BEQ, riscv64asm.BNE, riscv64asm.BLT,
		riscv64asm.BGE, riscv64asm.BLTU, riscv64asm.BGEU:
		return true
	}
	return false
}

func rvRegName(r riscv64asm.Reg) string {
	if r >= riscv64asm.X0 && r <= riscv64asm.X31 {
		return rvABINames[r-riscv64asm.X0]
	}
	return strings.ToLower(r.String())
}

func (rvDisassembler) Decode(code []byte, addr uint64) (Inst, error) {
	inst, err := riscv64asm.Decode(code)
	if err != nil {
		return Inst{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := Inst{
		Op:   strings.ToLower(inst.Op.String()),
		Len:  inst.Len,
		Text: riscv64asm.GNUSyntax(inst),
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		op := Operand{Text: arg.String()}
		switch a := arg.(type) {
		case riscv64asm.Reg:
			op.Kind = OperandReg
			op.Reg = rvRegName(a)
		case riscv64asm.Simm:
			op.Kind = OperandImm
			op.Imm = int64(a.Imm)
			if rvIsBranch(inst.Op) {
				op.Imm += int64(addr)
			}
		case riscv64asm.Uimm:
			op.Kind = OperandImm
			op.Imm = int64(a.Imm)
		case riscv64asm.RegOffset:
			op.Kind = OperandMem
			op.Reg = rvRegName(a.OfsReg)
			op.Imm = int64(a.Ofs.Imm)
		}
		out.Operands = append(out.Operands, op)
	}
	return out, nil
}
