package mc

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

type x86Disassembler struct{}

func (x86Disassembler) Decode(code []byte, addr uint64) (Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Inst{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	// Truncated and unknown encodings come back as a one-byte Op 0.
	if inst.Op == 0 || inst.Len <= 0 || inst.Len > len(code) {
		return Inst{}, fmt.Errorf("%w: no x86-64 instruction at % x", ErrDecode, code[:min(len(code), 15)])
	}

	out := Inst{
		Op:   strings.ToLower(inst.Op.String()),
		Len:  inst.Len,
		Text: x86asm.GNUSyntax(inst, addr, nil),
	}
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		op := Operand{Text: arg.String()}
		switch a := arg.(type) {
		case x86asm.Reg:
			op.Kind = OperandReg
			op.Reg = strings.ToLower(a.String())
		case x86asm.Imm:
			op.Kind = OperandImm
			op.Imm = int64(a)
		case x86asm.Rel:
			op.Kind = OperandImm
			op.Imm = int64(addr) + int64(inst.Len) + int64(a)
		case x86asm.Mem:
			op.Kind = OperandMem
		}
		out.Operands = append(out.Operands, op)
	}
	return out, nil
}
