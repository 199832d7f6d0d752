package mc

import (
	"debug/elf"
	"encoding/binary"
	"math/bits"
	"strconv"
	"strings"

	"github.com/ksco/jitld/pkg/reloc"
	"github.com/ksco/jitld/pkg/triple"
	"github.com/ksco/jitld/pkg/utils"
)

func aarch64Target() *Target {
	return &Target{
		Arch:            triple.ArchAArch64,
		Name:            "aarch64",
		Description:     "AArch64 (little endian)",
		newBackend:      func() backend { return &a64Backend{} },
		newDisassembler: func() Disassembler { return a64Disassembler{} },
	}
}

type a64Reg struct {
	num  uint32
	is64 bool
	sp   bool
}

func parseA64Reg(name string) (a64Reg, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "sp":
		return a64Reg{num: 31, is64: true, sp: true}, true
	case "wsp":
		return a64Reg{num: 31, sp: true}, true
	case "xzr":
		return a64Reg{num: 31, is64: true}, true
	case "wzr":
		return a64Reg{num: 31}, true
	case "lr":
		return a64Reg{num: 30, is64: true}, true
	case "fp":
		return a64Reg{num: 29, is64: true}, true
	case "ip0":
		return a64Reg{num: 16, is64: true}, true
	case "ip1":
		return a64Reg{num: 17, is64: true}, true
	}
	if len(name) < 2 || (name[0] != 'x' && name[0] != 'w') {
		return a64Reg{}, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 || n > 30 || !isDecimal(name[1:]) {
		return a64Reg{}, false
	}
	return a64Reg{num: uint32(n), is64: name[0] == 'x'}, true
}

func (r a64Reg) sf() uint32 {
	if r.is64 {
		return 1 << 31
	}
	return 0
}

var a64Conds = map[string]uint32{
	"eq": 0, "ne": 1, "cs": 2, "hs": 2, "cc": 3, "lo": 3, "mi": 4, "pl": 5,
	"vs": 6, "vc": 7, "hi": 8, "ls": 9, "ge": 10, "lt": 11, "gt": 12, "le": 13,
	"al": 14, "nv": 15,
}

type a64Backend struct{}

func (a *a64Backend) lineComment() string  { return "//" }
func (a *a64Backend) modifierSyntax() byte { return ':' }
func (a *a64Backend) wordSize() int        { return 4 }
func (a *a64Backend) alignIsPow2() bool    { return true }

func (a *a64Backend) nop(n uint64) []byte {
	out := make([]byte, n%4, n)
	for range n / 4 {
		out = binary.LittleEndian.AppendUint32(out, 0xd503201f)
	}
	return out
}

func (a *a64Backend) dataReloc(size int, pcrel bool) (uint32, bool) {
	switch {
	case size == 4 && !pcrel:
		return uint32(elf.R_AARCH64_ABS32), true
	case size == 4:
		return uint32(elf.R_AARCH64_PREL32), true
	case size == 8 && !pcrel:
		return uint32(elf.R_AARCH64_ABS64), true
	case size == 8:
		return uint32(elf.R_AARCH64_PREL64), true
	}
	return 0, false
}

func (a *a64Backend) directive(s *assembly, st *statement) (bool, error) {
	switch st.mnemonic {
	case ".arch", ".arch_extension", ".cpu", ".variant_pcs":
		return true, nil
	case ".inst":
		for _, op := range st.operands {
			v, err := s.evalAbs(op.text, op.col)
			if err != nil {
				return true, err
			}
			s.emit32(uint32(v))
		}
		return true, nil
	}
	return false, nil
}

func (a *a64Backend) resolvesLocally(typ uint32) bool {
	switch elf.R_AARCH64(typ) {
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26, elf.R_AARCH64_CONDBR19,
		elf.R_AARCH64_TSTBR14, elf.R_AARCH64_LD_PREL_LO19, elf.R_AARCH64_ADR_PREL_LO21,
		elf.R_AARCH64_PREL32, elf.R_AARCH64_PREL64:
		return true
	}
	return false
}

func (a *a64Backend) keepsSymbol(typ uint32) bool {
	switch elf.R_AARCH64(typ) {
	case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
		return true
	}
	return false
}

func (a *a64Backend) applyFixup(loc []byte, typ uint32, val uint64) error {
	return reloc.ApplyAArch64(loc, elf.R_AARCH64(typ), val)
}

func (a *a64Backend) reg(s *assembly, op operand) (a64Reg, error) {
	r, ok := parseA64Reg(op.text)
	if !ok {
		return r, s.errorf(op.col, "invalid operand for instruction: expected register, got %s", op.text)
	}
	return r, nil
}

// regs parses every operand in ops as a register of the same width.
func (a *a64Backend) regs(s *assembly, ops []operand) ([]a64Reg, error) {
	out := make([]a64Reg, len(ops))
	for i, op := range ops {
		r, err := a.reg(s, op)
		if err != nil {
			return nil, err
		}
		if i > 0 && r.is64 != out[0].is64 {
			return nil, s.errorf(op.col, "register width mismatch")
		}
		out[i] = r
	}
	return out, nil
}

func (a *a64Backend) imm(s *assembly, op operand) (expr, error) {
	return s.parseExpr(strings.TrimPrefix(op.text, "#"), op.col)
}

func (a *a64Backend) absImm(s *assembly, op operand) (int64, error) {
	e, err := a.imm(s, op)
	if err != nil {
		return 0, err
	}
	if !e.isAbs() || e.mod != modNone {
		return 0, s.errorf(op.col, "expected absolute immediate")
	}
	return e.addend, nil
}

func isA64Imm(op operand) bool {
	if strings.HasPrefix(op.text, "#") {
		return true
	}
	if _, ok := parseA64Reg(op.text); ok {
		return false
	}
	c := op.text[0]
	return isDigit(c) || c == '-' || c == ':'
}

// shiftOperand parses "lsl #n" style modifiers.
func (a *a64Backend) shiftOperand(s *assembly, op operand) (string, int64, error) {
	fields := strings.Fields(op.text)
	if len(fields) != 2 {
		return "", 0, s.errorf(op.col, "expected shift, got %s", op.text)
	}
	kind := strings.ToLower(fields[0])
	amount, err := s.evalAbs(strings.TrimPrefix(fields[1], "#"), op.col)
	if err != nil {
		return "", 0, err
	}
	return kind, amount, nil
}

func (a *a64Backend) fixup(s *assembly, typ elf.R_AARCH64, e expr, col int) error {
	return s.addFixup(s.here(), uint32(typ), e, col)
}

// branch emits insn with a PC-relative fixup for target.
func (a *a64Backend) branch(s *assembly, insn uint32, typ elf.R_AARCH64, op operand) error {
	e, err := s.parseExpr(op.text, op.col)
	if err != nil {
		return err
	}
	if e.mod != modNone {
		return s.errorf(op.col, "relocation specifier not allowed in branch target")
	}
	if e.isAbs() {
		return s.errorf(op.col, "branch to an absolute address is not supported")
	}
	if err := a.fixup(s, typ, e, op.col); err != nil {
		return err
	}
	s.emit32(insn)
	return nil
}

func (a *a64Backend) encode(s *assembly, st *statement) error {
	ops := st.operands
	mn := st.mnemonic

	if cond, ok := strings.CutPrefix(mn, "b."); ok {
		return a.condBranch(s, st, cond)
	}
	if len(mn) == 3 && mn[0] == 'b' {
		if _, ok := a64Conds[mn[1:]]; ok {
			return a.condBranch(s, st, mn[1:])
		}
	}

	switch mn {
	case "nop":
		s.emit32(0xd503201f)
		return s.wantOperands(st, 0, 0)
	case "ret":
		if err := s.wantOperands(st, 0, 1); err != nil {
			return err
		}
		rn := uint32(30)
		if len(ops) == 1 {
			r, err := a.reg(s, ops[0])
			if err != nil {
				return err
			}
			rn = r.num
		}
		s.emit32(0xd65f0000 | rn<<5)
		return nil
	case "br", "blr":
		if err := s.wantOperands(st, 1, 1); err != nil {
			return err
		}
		r, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		base := uint32(0xd61f0000)
		if mn == "blr" {
			base = 0xd63f0000
		}
		s.emit32(base | r.num<<5)
		return nil
	case "b", "bl":
		if err := s.wantOperands(st, 1, 1); err != nil {
			return err
		}
		if mn == "bl" {
			return a.branch(s, 0x94000000, elf.R_AARCH64_CALL26, ops[0])
		}
		return a.branch(s, 0x14000000, elf.R_AARCH64_JUMP26, ops[0])
	case "cbz", "cbnz":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		r, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		insn := 0x34000000 | r.sf() | r.num
		if mn == "cbnz" {
			insn |= 1 << 24
		}
		return a.branch(s, insn, elf.R_AARCH64_CONDBR19, ops[1])
	case "tbz", "tbnz":
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		r, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		bit, err := a.absImm(s, ops[1])
		if err != nil {
			return err
		}
		if bit < 0 || bit > 63 || (!r.is64 && bit > 31) {
			return s.errorf(ops[1].col, "immediate must be an integer in range [0, 63]")
		}
		insn := 0x36000000 | uint32(bit>>5)<<31 | uint32(bit&31)<<19 | r.num
		if mn == "tbnz" {
			insn |= 1 << 24
		}
		return a.branch(s, insn, elf.R_AARCH64_TSTBR14, ops[2])
	case "svc", "brk", "hvc", "udf":
		if err := s.wantOperands(st, 1, 1); err != nil {
			return err
		}
		v, err := a.absImm(s, ops[0])
		if err != nil {
			return err
		}
		if !utils.IsUint(uint64(v), 16) {
			return s.errorf(ops[0].col, "immediate must be an integer in range [0, 65535]")
		}
		base := map[string]uint32{"svc": 0xd4000001, "hvc": 0xd4000002, "brk": 0xd4200000, "udf": 0}[mn]
		if mn == "udf" {
			s.emit32(uint32(v))
			return nil
		}
		s.emit32(base | uint32(v)<<5)
		return nil
	case "adr", "adrp":
		return a.adr(s, st)
	case "mov":
		return a.mov(s, st)
	case "movz", "movk", "movn":
		return a.movWide(s, st)
	case "add", "adds", "sub", "subs":
		if err := s.wantOperands(st, 3, 4); err != nil {
			return err
		}
		return a.addSub(s, st, mn, ops[0], ops[1], ops[2:])
	case "cmp", "cmn":
		if err := s.wantOperands(st, 2, 3); err != nil {
			return err
		}
		rn, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		zr := operand{text: "xzr", col: st.col}
		if !rn.is64 {
			zr.text = "wzr"
		}
		op := "subs"
		if mn == "cmn" {
			op = "adds"
		}
		return a.addSub(s, st, op, zr, ops[0], ops[1:])
	case "neg", "negs":
		if err := s.wantOperands(st, 2, 3); err != nil {
			return err
		}
		rd, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		zr := operand{text: "xzr", col: st.col}
		if !rd.is64 {
			zr.text = "wzr"
		}
		op := "sub"
		if mn == "negs" {
			op = "subs"
		}
		return a.addSub(s, st, op, ops[0], zr, ops[1:])
	case "and", "orr", "eor", "ands", "bic", "orn":
		if err := s.wantOperands(st, 3, 4); err != nil {
			return err
		}
		return a.logical(s, st, mn, ops[0], ops[1], ops[2:])
	case "tst":
		if err := s.wantOperands(st, 2, 3); err != nil {
			return err
		}
		rn, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		zr := operand{text: "xzr", col: st.col}
		if !rn.is64 {
			zr.text = "wzr"
		}
		return a.logical(s, st, "ands", zr, ops[0], ops[1:])
	case "mvn":
		if err := s.wantOperands(st, 2, 3); err != nil {
			return err
		}
		rd, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		zr := operand{text: "xzr", col: st.col}
		if !rd.is64 {
			zr.text = "wzr"
		}
		return a.logical(s, st, "orn", ops[0], zr, ops[1:])
	case "lsl", "lsr", "asr":
		return a.shift(s, st)
	case "mul", "madd", "msub", "sdiv", "udiv":
		return a.mulDiv(s, st)
	case "csel", "csinc":
		if err := s.wantOperands(st, 4, 4); err != nil {
			return err
		}
		rs, err := a.regs(s, ops[:3])
		if err != nil {
			return err
		}
		cond, ok := a64Conds[strings.ToLower(ops[3].text)]
		if !ok {
			return s.errorf(ops[3].col, "invalid condition code %s", ops[3].text)
		}
		base := uint32(0x1a800000)
		if mn == "csinc" {
			base = 0x1a800400
		}
		s.emit32(base | rs[0].sf() | rs[2].num<<16 | cond<<12 | rs[1].num<<5 | rs[0].num)
		return nil
	case "cset":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		rd, err := a.reg(s, ops[0])
		if err != nil {
			return err
		}
		cond, ok := a64Conds[strings.ToLower(ops[1].text)]
		if !ok || cond >= 14 {
			return s.errorf(ops[1].col, "invalid condition code %s", ops[1].text)
		}
		s.emit32(0x1a9f07e0 | rd.sf() | (cond^1)<<12 | rd.num)
		return nil
	case "ldr", "str", "ldrb", "strb", "ldrh", "strh", "ldrsw", "ldur", "stur":
		return a.loadStore(s, st)
	case "ldp", "stp":
		return a.pair(s, st)
	}
	return s.errorf(st.col, "unrecognized instruction mnemonic '%s'", mn)
}

func (a *a64Backend) condBranch(s *assembly, st *statement, cond string) error {
	code, ok := a64Conds[cond]
	if !ok {
		return s.errorf(st.col, "invalid condition code %s", cond)
	}
	if err := s.wantOperands(st, 1, 1); err != nil {
		return err
	}
	return a.branch(s, 0x54000000|code, elf.R_AARCH64_CONDBR19, st.operands[0])
}

func (a *a64Backend) adr(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	rd, err := a.reg(s, st.operands[0])
	if err != nil {
		return err
	}
	if !rd.is64 || rd.sp {
		return s.errorf(st.operands[0].col, "%s expects a 64-bit general register", st.mnemonic)
	}
	op := st.operands[1]
	e, err := a.imm(s, op)
	if err != nil {
		return err
	}
	if e.isAbs() {
		return s.errorf(op.col, "%s expects a label", st.mnemonic)
	}

	insn := 0x10000000 | rd.num
	typ := elf.R_AARCH64_ADR_PREL_LO21
	if st.mnemonic == "adrp" {
		insn |= 1 << 31
		typ = elf.R_AARCH64_ADR_PREL_PG_HI21
		switch e.mod {
		case modNone:
		case modGotPage:
			typ = elf.R_AARCH64_ADR_GOT_PAGE
		default:
			return s.errorf(op.col, "invalid relocation specifier for adrp")
		}
	} else if e.mod != modNone {
		return s.errorf(op.col, "invalid relocation specifier for adr")
	}
	if err := a.fixup(s, typ, e, op.col); err != nil {
		return err
	}
	s.emit32(insn)
	return nil
}

func (a *a64Backend) mov(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	ops := st.operands
	rd, err := a.reg(s, ops[0])
	if err != nil {
		return err
	}

	if !isA64Imm(ops[1]) {
		rm, err := a.reg(s, ops[1])
		if err != nil {
			return err
		}
		if rm.is64 != rd.is64 {
			return s.errorf(ops[1].col, "register width mismatch")
		}
		if rd.sp || rm.sp {
			s.emit32(0x11000000 | rd.sf() | rm.num<<5 | rd.num)
			return nil
		}
		s.emit32(0x2a0003e0 | rd.sf() | rm.num<<16 | rd.num)
		return nil
	}

	v, err := a.absImm(s, ops[1])
	if err != nil {
		return err
	}
	width := uint(64)
	if !rd.is64 {
		width = 32
		if !utils.IsInt(v, 32) && !utils.IsUint(uint64(v), 32) {
			return s.errorf(ops[1].col, "immediate out of range for 32-bit register")
		}
	}
	mask := ^uint64(0) >> (64 - width)
	u := uint64(v) & mask

	for hw := uint(0); hw < width/16; hw++ {
		if u&^(0xffff<<(16*hw)) == 0 {
			s.emit32(0x52800000 | rd.sf() | uint32(hw)<<21 | uint32(u>>(16*hw)&0xffff)<<5 | rd.num)
			return nil
		}
	}
	inv := ^u & mask
	for hw := uint(0); hw < width/16; hw++ {
		if inv&^(0xffff<<(16*hw)) == 0 {
			s.emit32(0x12800000 | rd.sf() | uint32(hw)<<21 | uint32(inv>>(16*hw)&0xffff)<<5 | rd.num)
			return nil
		}
	}
	if enc, ok := encodeLogicalImm(u, width); ok && !rd.sp {
		s.emit32(0x32000000 | rd.sf() | enc<<10 | 31<<5 | rd.num)
		return nil
	}
	return s.errorf(ops[1].col, "expected compatible register or logical immediate")
}

func (a *a64Backend) movWide(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 3); err != nil {
		return err
	}
	ops := st.operands
	rd, err := a.reg(s, ops[0])
	if err != nil {
		return err
	}
	e, err := a.imm(s, ops[1])
	if err != nil {
		return err
	}

	base := map[string]uint32{"movn": 0x12800000, "movz": 0x52800000, "movk": 0x72800000}[st.mnemonic]
	var hw uint32
	if len(ops) == 3 {
		kind, amount, err := a.shiftOperand(s, ops[2])
		if err != nil {
			return err
		}
		if kind != "lsl" || amount%16 != 0 || amount < 0 || amount > 48 || (!rd.is64 && amount > 16) {
			return s.errorf(ops[2].col, "expected 'lsl' with optional integer 0, 16, 32 or 48")
		}
		hw = uint32(amount / 16)
	}

	if !e.isAbs() || e.mod != modNone {
		groups := map[modifier]elf.R_AARCH64{
			modAbsG0: elf.R_AARCH64_MOVW_UABS_G0_NC,
			modAbsG1: elf.R_AARCH64_MOVW_UABS_G1_NC,
			modAbsG2: elf.R_AARCH64_MOVW_UABS_G2_NC,
			modAbsG3: elf.R_AARCH64_MOVW_UABS_G3,
		}
		typ, ok := groups[e.mod]
		if !ok || st.mnemonic == "movn" || len(ops) == 3 {
			return s.errorf(ops[1].col, "invalid relocation specifier for %s", st.mnemonic)
		}
		hw = uint32(e.mod - modAbsG0)
		if err := a.fixup(s, typ, e, ops[1].col); err != nil {
			return err
		}
		s.emit32(base | rd.sf() | hw<<21 | rd.num)
		return nil
	}

	if !utils.IsUint(uint64(e.addend), 16) {
		return s.errorf(ops[1].col, "immediate must be an integer in range [0, 65535]")
	}
	s.emit32(base | rd.sf() | hw<<21 | uint32(e.addend)<<5 | rd.num)
	return nil
}

var a64AddSubImm = map[string]uint32{"add": 0x11000000, "adds": 0x31000000, "sub": 0x51000000, "subs": 0x71000000}
var a64AddSubReg = map[string]uint32{"add": 0x0b000000, "adds": 0x2b000000, "sub": 0x4b000000, "subs": 0x6b000000}

func (a *a64Backend) addSub(s *assembly, st *statement, mn string, rdOp, rnOp operand, rest []operand) error {
	rd, err := a.reg(s, rdOp)
	if err != nil {
		return err
	}
	rn, err := a.reg(s, rnOp)
	if err != nil {
		return err
	}
	if rd.is64 != rn.is64 {
		return s.errorf(rnOp.col, "register width mismatch")
	}
	op2 := rest[0]

	if isA64Imm(op2) {
		e, err := a.imm(s, op2)
		if err != nil {
			return err
		}
		var sh uint32
		if len(rest) == 2 {
			kind, amount, err := a.shiftOperand(s, rest[1])
			if err != nil {
				return err
			}
			if kind != "lsl" || (amount != 0 && amount != 12) {
				return s.errorf(rest[1].col, "expected 'lsl #0' or 'lsl #12'")
			}
			if amount == 12 {
				sh = 1
			}
		}
		if !e.isAbs() || e.mod != modNone {
			if e.mod != modLo12 || !strings.HasPrefix(mn, "add") {
				return s.errorf(op2.col, "invalid immediate relocation for %s", mn)
			}
			if err := a.fixup(s, elf.R_AARCH64_ADD_ABS_LO12_NC, e, op2.col); err != nil {
				return err
			}
			s.emit32(a64AddSubImm[mn] | rd.sf() | rn.num<<5 | rd.num)
			return nil
		}

		v := e.addend
		if v < 0 {
			// add x0, x1, #-8 is sub x0, x1, #8.
			v = -v
			mn = map[string]string{"add": "sub", "adds": "subs", "sub": "add", "subs": "adds"}[mn]
		}
		if sh == 0 && v > 0xfff && v&0xfff == 0 {
			sh, v = 1, v>>12
		}
		if v > 0xfff {
			return s.errorf(op2.col, "expected compatible register, symbol or integer in range [0, 4095]")
		}
		s.emit32(a64AddSubImm[mn] | rd.sf() | sh<<22 | uint32(v)<<10 | rn.num<<5 | rd.num)
		return nil
	}

	rm, err := a.reg(s, op2)
	if err != nil {
		return err
	}
	if rm.sp {
		return s.errorf(op2.col, "invalid use of sp as operand register")
	}
	shiftKind, amount := "lsl", int64(0)
	if len(rest) == 2 {
		if shiftKind, amount, err = a.shiftOperand(s, rest[1]); err != nil {
			return err
		}
	}
	if rd.sp || rn.sp {
		// Extended register form: uxtx (or uxtw) with a left shift of up to 4.
		if shiftKind != "lsl" || amount > 4 {
			return s.errorf(st.col, "expected 'lsl #0-4' with sp")
		}
		option := uint32(3)
		if !rd.is64 {
			option = 2
		}
		base := a64AddSubReg[mn] | 0x00200000
		s.emit32(base | rd.sf() | rm.num<<16 | option<<13 | uint32(amount)<<10 | rn.num<<5 | rd.num)
		return nil
	}
	shift, ok := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2}[shiftKind]
	if !ok || amount < 0 || amount >= 64 || (!rd.is64 && amount >= 32) {
		return s.errorf(st.col, "invalid shift for %s", mn)
	}
	s.emit32(a64AddSubReg[mn] | rd.sf() | shift<<22 | rm.num<<16 | uint32(amount)<<10 | rn.num<<5 | rd.num)
	return nil
}

var a64LogicalReg = map[string]uint32{
	"and": 0x0a000000, "bic": 0x0a200000, "orr": 0x2a000000, "orn": 0x2a200000,
	"eor": 0x4a000000, "ands": 0x6a000000,
}
var a64LogicalImm = map[string]uint32{
	"and": 0x12000000, "orr": 0x32000000, "eor": 0x52000000, "ands": 0x72000000,
}

func (a *a64Backend) logical(s *assembly, st *statement, mn string, rdOp, rnOp operand, rest []operand) error {
	rd, err := a.reg(s, rdOp)
	if err != nil {
		return err
	}
	rn, err := a.reg(s, rnOp)
	if err != nil {
		return err
	}
	if rd.is64 != rn.is64 {
		return s.errorf(rnOp.col, "register width mismatch")
	}
	op2 := rest[0]

	if isA64Imm(op2) {
		base, ok := a64LogicalImm[mn]
		if !ok || len(rest) != 1 {
			return s.errorf(op2.col, "invalid operand for %s", mn)
		}
		v, err := a.absImm(s, op2)
		if err != nil {
			return err
		}
		width := uint(64)
		if !rd.is64 {
			width = 32
		}
		enc, ok := encodeLogicalImm(uint64(v), width)
		if !ok {
			return s.errorf(op2.col, "expected compatible register or logical immediate")
		}
		s.emit32(base | rd.sf() | enc<<10 | rn.num<<5 | rd.num)
		return nil
	}

	rm, err := a.reg(s, op2)
	if err != nil {
		return err
	}
	shiftKind, amount := "lsl", int64(0)
	if len(rest) == 2 {
		if shiftKind, amount, err = a.shiftOperand(s, rest[1]); err != nil {
			return err
		}
	}
	shift, ok := map[string]uint32{"lsl": 0, "lsr": 1, "asr": 2, "ror": 3}[shiftKind]
	if !ok || amount < 0 || amount >= 64 || (!rd.is64 && amount >= 32) {
		return s.errorf(st.col, "invalid shift for %s", mn)
	}
	s.emit32(a64LogicalReg[mn] | rd.sf() | shift<<22 | rm.num<<16 | uint32(amount)<<10 | rn.num<<5 | rd.num)
	return nil
}

func (a *a64Backend) shift(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 3, 3); err != nil {
		return err
	}
	ops := st.operands
	rs, err := a.regs(s, ops[:2])
	if err != nil {
		return err
	}
	rd, rn := rs[0], rs[1]
	width := int64(64)
	if !rd.is64 {
		width = 32
	}

	if !isA64Imm(ops[2]) {
		rm, err := a.reg(s, ops[2])
		if err != nil {
			return err
		}
		base := map[string]uint32{"lsl": 0x1ac02000, "lsr": 0x1ac02400, "asr": 0x1ac02800}[st.mnemonic]
		s.emit32(base | rd.sf() | rm.num<<16 | rn.num<<5 | rd.num)
		return nil
	}

	amount, err := a.absImm(s, ops[2])
	if err != nil {
		return err
	}
	if amount < 0 || amount >= width {
		return s.errorf(ops[2].col, "immediate must be an integer in range [0, %d]", width-1)
	}
	// Shifts by immediate are aliases of the bitfield moves.
	ubfm, sbfm := uint32(0xd3400000), uint32(0x93400000)
	if !rd.is64 {
		ubfm, sbfm = 0x53000000, 0x13000000
	}
	var insn uint32
	switch st.mnemonic {
	case "lsl":
		immr := (width - amount) % width
		imms := width - 1 - amount
		insn = ubfm | uint32(immr)<<16 | uint32(imms)<<10
	case "lsr":
		insn = ubfm | uint32(amount)<<16 | uint32(width-1)<<10
	case "asr":
		insn = sbfm | uint32(amount)<<16 | uint32(width-1)<<10
	}
	s.emit32(insn | rn.num<<5 | rd.num)
	return nil
}

func (a *a64Backend) mulDiv(s *assembly, st *statement) error {
	n := 3
	if st.mnemonic == "madd" || st.mnemonic == "msub" {
		n = 4
	}
	if err := s.wantOperands(st, n, n); err != nil {
		return err
	}
	rs, err := a.regs(s, st.operands)
	if err != nil {
		return err
	}
	rd, rn, rm := rs[0], rs[1], rs[2]
	switch st.mnemonic {
	case "mul":
		s.emit32(0x1b007c00 | rd.sf() | rm.num<<16 | rn.num<<5 | rd.num)
	case "madd", "msub":
		base := uint32(0x1b000000)
		if st.mnemonic == "msub" {
			base = 0x1b008000
		}
		s.emit32(base | rd.sf() | rm.num<<16 | rs[3].num<<10 | rn.num<<5 | rd.num)
	case "sdiv":
		s.emit32(0x1ac00c00 | rd.sf() | rm.num<<16 | rn.num<<5 | rd.num)
	case "udiv":
		s.emit32(0x1ac00800 | rd.sf() | rm.num<<16 | rn.num<<5 | rd.num)
	}
	return nil
}

type a64Mem struct {
	base     a64Reg
	off      expr
	regOff   *a64Reg
	regShift bool
	pre      bool
	col      int
}

func (a *a64Backend) mem(s *assembly, op operand) (a64Mem, error) {
	m := a64Mem{col: op.col}
	text := op.text
	if rest, ok := strings.CutSuffix(text, "!"); ok {
		m.pre = true
		text = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return m, s.errorf(op.col, "expected memory operand, got %s", op.text)
	}
	parts, err := splitOperands(text[1:len(text)-1], op.col+1)
	if err != nil || len(parts) == 0 || len(parts) > 3 {
		return m, s.errorf(op.col, "invalid memory operand %s", op.text)
	}
	if m.base, err = a.reg(s, parts[0]); err != nil {
		return m, err
	}
	if !m.base.is64 {
		return m, s.errorf(parts[0].col, "base register must be 64-bit")
	}
	if len(parts) == 1 {
		return m, nil
	}
	if isA64Imm(parts[1]) {
		if len(parts) == 3 {
			return m, s.errorf(parts[2].col, "unexpected operand")
		}
		if m.off, err = a.imm(s, parts[1]); err != nil {
			return m, err
		}
		return m, nil
	}
	rm, err := a.reg(s, parts[1])
	if err != nil {
		return m, err
	}
	m.regOff = &rm
	if len(parts) == 3 {
		kind, amount, err := a.shiftOperand(s, parts[2])
		if err != nil {
			return m, err
		}
		if kind != "lsl" {
			return m, s.errorf(parts[2].col, "only lsl is supported in register offsets")
		}
		m.regShift = amount != 0
	}
	return m, nil
}

func (a *a64Backend) loadStore(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 3); err != nil {
		return err
	}
	ops := st.operands
	rt, err := a.reg(s, ops[0])
	if err != nil {
		return err
	}
	if rt.sp {
		return s.errorf(ops[0].col, "invalid operand for instruction")
	}

	mn := st.mnemonic
	unscaled := mn == "ldur" || mn == "stur"
	if unscaled {
		mn = strings.Replace(mn, "u", "", 1)
	}

	var size, opc uint32
	load := strings.HasPrefix(mn, "ld")
	switch mn {
	case "ldr", "str":
		size = 2
		if rt.is64 {
			size = 3
		}
	case "ldrb", "strb":
		size = 0
	case "ldrh", "strh":
		size = 1
	case "ldrsw":
		if !rt.is64 {
			return s.errorf(ops[0].col, "ldrsw requires a 64-bit destination")
		}
		size = 2
	}
	if load {
		opc = 1
	}
	if mn == "ldrsw" {
		opc = 2
	}
	scale := int64(1) << size

	// Literal load: ldr x0, label.
	if !strings.HasPrefix(ops[1].text, "[") {
		if !load || mn == "ldrb" || mn == "ldrh" || unscaled || len(ops) != 2 {
			return s.errorf(ops[1].col, "invalid operand for instruction")
		}
		insn := uint32(0x18000000) | rt.num
		switch {
		case mn == "ldrsw":
			insn = 0x98000000 | rt.num
		case rt.is64:
			insn = 0x58000000 | rt.num
		}
		return a.branch(s, insn, elf.R_AARCH64_LD_PREL_LO19, ops[1])
	}

	m, err := a.mem(s, ops[1])
	if err != nil {
		return err
	}
	common := size<<30 | opc<<22 | m.base.num<<5 | rt.num

	if len(ops) == 3 {
		// Post-index: [xn], #imm.
		if m.pre || m.regOff != nil || !m.off.isAbs() || m.off.addend != 0 {
			return s.errorf(ops[2].col, "invalid post-indexed addressing")
		}
		v, err := a.absImm(s, ops[2])
		if err != nil {
			return err
		}
		if !utils.IsInt(v, 9) {
			return s.errorf(ops[2].col, "index must be an integer in range [-256, 255]")
		}
		s.emit32(0x38000400 | common | uint32(v&0x1ff)<<12)
		return nil
	}

	if m.regOff != nil {
		if m.pre || unscaled {
			return s.errorf(m.col, "invalid register offset addressing")
		}
		var sbit uint32
		if m.regShift {
			sbit = 1
		}
		s.emit32(0x38206800 | common | m.regOff.num<<16 | sbit<<12)
		return nil
	}

	e := m.off
	if !e.isAbs() || e.mod != modNone {
		if m.pre || unscaled {
			return s.errorf(m.col, "relocated offsets are not allowed here")
		}
		var typ elf.R_AARCH64
		switch e.mod {
		case modLo12:
			typ = []elf.R_AARCH64{
				elf.R_AARCH64_LDST8_ABS_LO12_NC, elf.R_AARCH64_LDST16_ABS_LO12_NC,
				elf.R_AARCH64_LDST32_ABS_LO12_NC, elf.R_AARCH64_LDST64_ABS_LO12_NC,
			}[size]
		case modGotLo12:
			if size != 3 || !load {
				return s.errorf(m.col, ":got_lo12: requires a 64-bit load")
			}
			typ = elf.R_AARCH64_LD64_GOT_LO12_NC
		default:
			return s.errorf(m.col, "invalid relocation specifier in load/store offset")
		}
		if err := a.fixup(s, typ, e, m.col); err != nil {
			return err
		}
		s.emit32(0x39000000 | common)
		return nil
	}

	v := e.addend
	switch {
	case m.pre:
		if !utils.IsInt(v, 9) {
			return s.errorf(m.col, "index must be an integer in range [-256, 255]")
		}
		s.emit32(0x38000c00 | common | uint32(v&0x1ff)<<12)
	case !unscaled && v >= 0 && v%scale == 0 && v/scale <= 0xfff:
		s.emit32(0x39000000 | common | uint32(v/scale)<<10)
	case utils.IsInt(v, 9):
		s.emit32(0x38000000 | common | uint32(v&0x1ff)<<12)
	default:
		return s.errorf(m.col, "index must be a multiple of %d in range [0, %d]", scale, 0xfff*scale)
	}
	return nil
}

func (a *a64Backend) pair(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 3, 4); err != nil {
		return err
	}
	ops := st.operands
	rs, err := a.regs(s, ops[:2])
	if err != nil {
		return err
	}
	rt, rt2 := rs[0], rs[1]
	m, err := a.mem(s, ops[2])
	if err != nil {
		return err
	}
	if m.regOff != nil || !m.off.isAbs() || m.off.mod != modNone {
		return s.errorf(m.col, "invalid addressing mode for %s", st.mnemonic)
	}

	scale := int64(4)
	var opc uint32
	if rt.is64 {
		scale, opc = 8, 2
	}
	var load uint32
	if st.mnemonic == "ldp" {
		load = 1
	}

	mode := uint32(2) // signed offset
	v := m.off.addend
	switch {
	case len(ops) == 4:
		if m.pre || v != 0 {
			return s.errorf(ops[3].col, "invalid post-indexed addressing")
		}
		if v, err = a.absImm(s, ops[3]); err != nil {
			return err
		}
		mode = 1
	case m.pre:
		mode = 3
	}
	if v%scale != 0 || !utils.IsInt(v/scale, 7) {
		return s.errorf(m.col, "index must be a multiple of %d in range [%d, %d]", scale, -64*scale, 63*scale)
	}
	s.emit32(opc<<30 | 0x28000000 | mode<<23 | load<<22 | uint32(v/scale&0x7f)<<15 |
		rt2.num<<10 | m.base.num<<5 | rt.num)
	return nil
}

func isShiftedMask(v uint64) bool {
	if v == 0 {
		return false
	}
	m := (v - 1) | v
	return (m+1)&m == 0
}

// encodeLogicalImm returns the N:immr:imms field of a bitmask immediate.
func encodeLogicalImm(imm uint64, width uint) (uint32, bool) {
	if width == 32 {
		imm &= 0xffffffff
		imm |= imm << 32
	}
	if imm == 0 || imm == ^uint64(0) {
		return 0, false
	}

	size := uint(64)
	for size > 2 {
		half := size / 2
		mask := uint64(1)<<half - 1
		if imm&mask != (imm>>half)&mask {
			break
		}
		size = half
	}

	mask := ^uint64(0) >> (64 - size)
	imm &= mask

	var rotate, ones uint
	if isShiftedMask(imm) {
		rotate = uint(bits.TrailingZeros64(imm))
		ones = uint(bits.TrailingZeros64(^(imm >> rotate)))
	} else {
		imm |= ^mask
		if !isShiftedMask(^imm) {
			return 0, false
		}
		leadingOnes := uint(bits.LeadingZeros64(^imm))
		rotate = 64 - leadingOnes
		ones = leadingOnes + uint(bits.TrailingZeros64(^imm)) - (64 - size)
	}

	immr := (size - rotate) & (size - 1)
	nimms := ^(size-1)<<1 | (ones - 1)
	n := (nimms>>6)&1 ^ 1
	return uint32(n)<<12 | uint32(immr)<<6 | uint32(nimms&0x3f), true
}
