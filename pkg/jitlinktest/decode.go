package jitlinktest

import (
	"errors"
	"fmt"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
)

var (
	ErrOperandIndexOutOfRange = errors.New("operand index out of range")
	ErrOperandNotImmediate    = errors.New("operand is not an immediate")
)

// Disassemble decodes the instruction at offset within b and returns it
// with the number of bytes it occupies. PC-relative operands are resolved
// against the block's address.
func Disassemble(dis mc.Disassembler, b *jitlink.Block, offset uint64) (mc.Inst, int, error) {
	if b.IsZeroFill() {
		return mc.Inst{}, 0, fmt.Errorf("%w: block at %#x in %s is zero-fill",
			mc.ErrDecode, b.Address(), b.Section().Name)
	}
	content := b.Content()
	if offset >= uint64(len(content)) {
		return mc.Inst{}, 0, fmt.Errorf("%w: decode at offset %#x of %#x byte block at %#x",
			ErrOutOfRange, offset, len(content), b.Address())
	}
	inst, err := dis.Decode(content[offset:], b.Address()+offset)
	if err != nil {
		return mc.Inst{}, 0, fmt.Errorf("offset %#x of block at %#x: %w", offset, b.Address(), err)
	}
	return inst, inst.Len, nil
}

// DecodeImmediateOperand decodes the instruction at offset and returns
// operand opIdx, which must be an immediate.
func DecodeImmediateOperand(dis mc.Disassembler, b *jitlink.Block, opIdx int, offset uint64) (int64, error) {
	inst, _, err := Disassemble(dis, b, offset)
	if err != nil {
		return 0, err
	}
	if opIdx < 0 || opIdx >= len(inst.Operands) {
		return 0, fmt.Errorf("%w: %q has %d operands, want index %d",
			ErrOperandIndexOutOfRange, inst.Text, len(inst.Operands), opIdx)
	}
	op := inst.Operands[opIdx]
	if op.Kind != mc.OperandImm {
		return 0, fmt.Errorf("%w: operand %d of %q is %s %q",
			ErrOperandNotImmediate, opIdx, inst.Text, op.Kind, op.Text)
	}
	return op.Imm, nil
}
