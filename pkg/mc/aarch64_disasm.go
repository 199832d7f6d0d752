package mc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// a64Disassembler reports arm64asm's preferred aliases, so movz with a
// plain immediate decodes as mov.
type a64Disassembler struct{}

func (a64Disassembler) Decode(code []byte, addr uint64) (Inst, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return Inst{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	out := Inst{
		Op:   strings.ToLower(inst.Op.String()),
		Len:  4,
		Text: strings.ToLower(arm64asm.GNUSyntax(inst)),
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		op := Operand{Text: arg.String()}
		switch a := arg.(type) {
		case arm64asm.Reg, arm64asm.RegSP:
			op.Kind = OperandReg
			op.Reg = strings.ToLower(a.String())
		case arm64asm.Imm:
			op.Kind = OperandImm
			op.Imm = int64(a.Imm)
		case arm64asm.Imm64:
			op.Kind = OperandImm
			op.Imm = int64(a.Imm)
		case arm64asm.PCRel:
			op.Kind = OperandImm
			op.Imm = int64(addr) + int64(a)
		case arm64asm.MemImmediate, arm64asm.MemExtend:
			op.Kind = OperandMem
		default:
			// ImmShift and friends keep their fields private.
			if v, ok := parseImmText(op.Text); ok && strings.HasPrefix(op.Text, "#") {
				op.Kind = OperandImm
				op.Imm = v
			}
		}
		out.Operands = append(out.Operands, op)
	}
	return out, nil
}
