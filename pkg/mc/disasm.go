package mc

import (
	"strconv"
	"strings"
)

type OperandKind uint8

const (
	OperandOther OperandKind = iota
	OperandReg
	OperandImm
	OperandMem
)

func (k OperandKind) String() string {
	switch k {
	case OperandReg:
		return "reg"
	case OperandImm:
		return "imm"
	case OperandMem:
		return "mem"
	default:
		return "other"
	}
}

type Operand struct {
	Kind OperandKind
	Reg  string
	// Imm holds immediates. PC-relative targets are resolved against the
	// decode address.
	Imm  int64
	Text string
}

// Inst is a decoded machine instruction. Operands are in the decoder's
// native order: Intel order on x86_64, the architecture manual's order on
// aarch64 and riscv64.
type Inst struct {
	Op       string
	Len      int
	Operands []Operand
	Text     string
}

// Disassembler decodes one instruction at a time. addr is the address the
// bytes are loaded at and only affects how PC-relative operands print.
type Disassembler interface {
	Decode(code []byte, addr uint64) (Inst, error)
}

// parseImmText extracts the numeric value of an immediate as printed by a
// decoder, e.g. "#0x2a", "$-8", "42" or "#1, LSL #12".
func parseImmText(text string) (int64, bool) {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, ','); i >= 0 {
		v, ok := parseImmText(text[:i])
		if !ok {
			return 0, false
		}
		shift := strings.TrimSpace(text[i+1:])
		if rest, found := strings.CutPrefix(strings.ToUpper(shift), "LSL"); found {
			amount, ok := parseImmText(rest)
			if !ok {
				return 0, false
			}
			return v << uint(amount), true
		}
		return 0, false
	}
	text = strings.TrimLeft(text, "#$")
	neg := false
	if rest, found := strings.CutPrefix(text, "-"); found {
		neg, text = true, rest
	}
	var (
		u   uint64
		err error
	)
	if hex, found := strings.CutPrefix(strings.ToLower(text), "0x"); found {
		u, err = strconv.ParseUint(hex, 16, 64)
	} else {
		u, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return 0, false
	}
	if neg {
		return -int64(u), true
	}
	return int64(u), true
}
