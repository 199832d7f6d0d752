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

func riscv64Target() *Target {
	return &Target{
		Arch:            triple.ArchRISCV64,
		Name:            "riscv64",
		Description:     "64-bit RISC-V",
		newBackend:      func() backend { return &rvBackend{} },
		newDisassembler: func() Disassembler { return rvDisassembler{} },
	}
}

var rvABINames = []string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var rvRegs = func() map[string]uint32 {
	m := map[string]uint32{"fp": 8}
	for i, name := range rvABINames {
		m[name] = uint32(i)
		m["x"+strconv.Itoa(i)] = uint32(i)
	}
	return m
}()

const (
	rvZero = 0
	rvRA   = 1
	rvT1   = 6
)

const (
	opLoad   = 0x03
	opMiscM  = 0x0f
	opImm    = 0x13
	opAUIPC  = 0x17
	opImm32  = 0x1b
	opStore  = 0x23
	opOp     = 0x33
	opLUI    = 0x37
	opOp32   = 0x3b
	opBranch = 0x63
	opJALR   = 0x67
	opJAL    = 0x6f
	opSystem = 0x73
)

type rvKind uint8

const (
	rvKindR rvKind = iota
	rvKindI
	rvKindShift
	rvKindLoad
	rvKindStore
	rvKindBranch
)

type rvOp struct {
	kind   rvKind
	opcode uint32
	funct3 uint32
	funct7 uint32
	// shamt is the width of the shift amount for immediate shifts.
	shamt int
}

var rvOps = map[string]rvOp{
	"add":  {rvKindR, opOp, 0, 0x00, 0},
	"sub":  {rvKindR, opOp, 0, 0x20, 0},
	"sll":  {rvKindR, opOp, 1, 0x00, 0},
	"slt":  {rvKindR, opOp, 2, 0x00, 0},
	"sltu": {rvKindR, opOp, 3, 0x00, 0},
	"xor":  {rvKindR, opOp, 4, 0x00, 0},
	"srl":  {rvKindR, opOp, 5, 0x00, 0},
	"sra":  {rvKindR, opOp, 5, 0x20, 0},
	"or":   {rvKindR, opOp, 6, 0x00, 0},
	"and":  {rvKindR, opOp, 7, 0x00, 0},
	"addw": {rvKindR, opOp32, 0, 0x00, 0},
	"subw": {rvKindR, opOp32, 0, 0x20, 0},
	"sllw": {rvKindR, opOp32, 1, 0x00, 0},
	"srlw": {rvKindR, opOp32, 5, 0x00, 0},
	"sraw": {rvKindR, opOp32, 5, 0x20, 0},

	"mul":    {rvKindR, opOp, 0, 0x01, 0},
	"mulh":   {rvKindR, opOp, 1, 0x01, 0},
	"mulhsu": {rvKindR, opOp, 2, 0x01, 0},
	"mulhu":  {rvKindR, opOp, 3, 0x01, 0},
	"div":    {rvKindR, opOp, 4, 0x01, 0},
	"divu":   {rvKindR, opOp, 5, 0x01, 0},
	"rem":    {rvKindR, opOp, 6, 0x01, 0},
	"remu":   {rvKindR, opOp, 7, 0x01, 0},
	"mulw":   {rvKindR, opOp32, 0, 0x01, 0},
	"divw":   {rvKindR, opOp32, 4, 0x01, 0},
	"divuw":  {rvKindR, opOp32, 5, 0x01, 0},
	"remw":   {rvKindR, opOp32, 6, 0x01, 0},
	"remuw":  {rvKindR, opOp32, 7, 0x01, 0},

	"addi":  {rvKindI, opImm, 0, 0, 0},
	"slti":  {rvKindI, opImm, 2, 0, 0},
	"sltiu": {rvKindI, opImm, 3, 0, 0},
	"xori":  {rvKindI, opImm, 4, 0, 0},
	"ori":   {rvKindI, opImm, 6, 0, 0},
	"andi":  {rvKindI, opImm, 7, 0, 0},
	"addiw": {rvKindI, opImm32, 0, 0, 0},

	"slli":  {rvKindShift, opImm, 1, 0x00, 6},
	"srli":  {rvKindShift, opImm, 5, 0x00, 6},
	"srai":  {rvKindShift, opImm, 5, 0x20, 6},
	"slliw": {rvKindShift, opImm32, 1, 0x00, 5},
	"srliw": {rvKindShift, opImm32, 5, 0x00, 5},
	"sraiw": {rvKindShift, opImm32, 5, 0x20, 5},

	"lb":  {rvKindLoad, opLoad, 0, 0, 0},
	"lh":  {rvKindLoad, opLoad, 1, 0, 0},
	"lw":  {rvKindLoad, opLoad, 2, 0, 0},
	"ld":  {rvKindLoad, opLoad, 3, 0, 0},
	"lbu": {rvKindLoad, opLoad, 4, 0, 0},
	"lhu": {rvKindLoad, opLoad, 5, 0, 0},
	"lwu": {rvKindLoad, opLoad, 6, 0, 0},

	"sb": {rvKindStore, opStore, 0, 0, 0},
	"sh": {rvKindStore, opStore, 1, 0, 0},
	"sw": {rvKindStore, opStore, 2, 0, 0},
	"sd": {rvKindStore, opStore, 3, 0, 0},

	"beq":  {rvKindBranch, opBranch, 0, 0, 0},
	"bne":  {rvKindBranch, opBranch, 1, 0, 0},
	"blt":  {rvKindBranch, opBranch, 4, 0, 0},
	"bge":  {rvKindBranch, opBranch, 5, 0, 0},
	"bltu": {rvKindBranch, opBranch, 6, 0, 0},
	"bgeu": {rvKindBranch, opBranch, 7, 0, 0},
}

// Branch pseudos that compare against zero or swap their operands.
var rvZeroBranches = map[string]struct {
	op      string
	zeroRs1 bool
}{
	"beqz": {"beq", false}, "bnez": {"bne", false},
	"bltz": {"blt", false}, "bgez": {"bge", false},
	"blez": {"bge", true}, "bgtz": {"blt", true},
}

var rvSwappedBranches = map[string]string{
	"bgt": "blt", "ble": "bge", "bgtu": "bltu", "bleu": "bgeu",
}

// Two-register pseudos.
var rvAliases = map[string]func(rd, rs uint32) uint32{
	"mv":     func(rd, rs uint32) uint32 { return rvI(opImm, 0, rd, rs, 0) },
	"not":    func(rd, rs uint32) uint32 { return rvI(opImm, 4, rd, rs, -1) },
	"neg":    func(rd, rs uint32) uint32 { return rvR(opOp, 0, 0x20, rd, rvZero, rs) },
	"negw":   func(rd, rs uint32) uint32 { return rvR(opOp32, 0, 0x20, rd, rvZero, rs) },
	"sext.w": func(rd, rs uint32) uint32 { return rvI(opImm32, 0, rd, rs, 0) },
	"zext.b": func(rd, rs uint32) uint32 { return rvI(opImm, 7, rd, rs, 0xff) },
	"seqz":   func(rd, rs uint32) uint32 { return rvI(opImm, 3, rd, rs, 1) },
	"snez":   func(rd, rs uint32) uint32 { return rvR(opOp, 3, 0, rd, rvZero, rs) },
	"sltz":   func(rd, rs uint32) uint32 { return rvR(opOp, 2, 0, rd, rs, rvZero) },
	"sgtz":   func(rd, rs uint32) uint32 { return rvR(opOp, 2, 0, rd, rvZero, rs) },
}

func rvR(op, f3, f7, rd, rs1, rs2 uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func rvI(op, f3, rd, rs1 uint32, imm int64) uint32 {
	return uint32(imm)<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func rvS(op, f3, rs1, rs2 uint32, imm int64) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (u&0x1f)<<7 | op
}

func rvU(op, rd, imm20 uint32) uint32 {
	return imm20<<12 | rd<<7 | op
}

type rvBackend struct{}

func (r *rvBackend) lineComment() string  { return "#" }
func (r *rvBackend) modifierSyntax() byte { return '%' }
func (r *rvBackend) wordSize() int        { return 4 }
func (r *rvBackend) alignIsPow2() bool    { return true }

func (r *rvBackend) nop(n uint64) []byte {
	out := make([]byte, n%4, n)
	for range n / 4 {
		out = binary.LittleEndian.AppendUint32(out, rvI(opImm, 0, rvZero, rvZero, 0))
	}
	return out
}

func (r *rvBackend) dataReloc(size int, pcrel bool) (uint32, bool) {
	switch {
	case size == 4 && !pcrel:
		return uint32(elf.R_RISCV_32), true
	case size == 4:
		return uint32(elf.R_RISCV_32_PCREL), true
	case size == 8 && !pcrel:
		return uint32(elf.R_RISCV_64), true
	}
	return 0, false
}

func (r *rvBackend) directive(s *assembly, st *statement) (bool, error) {
	switch st.mnemonic {
	case ".option", ".attribute":
		return true, nil
	}
	return false, nil
}

func (r *rvBackend) resolvesLocally(typ uint32) bool {
	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_BRANCH, elf.R_RISCV_JAL, elf.R_RISCV_CALL, elf.R_RISCV_CALL_PLT,
		elf.R_RISCV_32_PCREL:
		return true
	}
	return false
}

func (r *rvBackend) keepsSymbol(typ uint32) bool {
	switch elf.R_RISCV(typ) {
	case elf.R_RISCV_PCREL_LO12_I, elf.R_RISCV_PCREL_LO12_S, elf.R_RISCV_GOT_HI20:
		return true
	}
	return false
}

func (r *rvBackend) applyFixup(loc []byte, typ uint32, val uint64) error {
	return reloc.ApplyRISCV(loc, elf.R_RISCV(typ), val)
}

func (r *rvBackend) reg(s *assembly, op operand) (uint32, error) {
	n, ok := rvRegs[strings.ToLower(op.text)]
	if !ok {
		return 0, s.errorf(op.col, "invalid operand for instruction: expected register, got %s", op.text)
	}
	return n, nil
}

func (r *rvBackend) regs(s *assembly, ops []operand) ([]uint32, error) {
	out := make([]uint32, len(ops))
	for i, op := range ops {
		n, err := r.reg(s, op)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (r *rvBackend) fixup(s *assembly, typ elf.R_RISCV, e expr, col int) error {
	return s.addFixup(s.here(), uint32(typ), e, col)
}

// imm12 evaluates a 12-bit immediate. %lo and %pcrel_lo operands record a
// fixup against the instruction about to be emitted and yield zero.
func (r *rvBackend) imm12(s *assembly, text string, col int, store bool) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	e, err := s.parseExpr(text, col)
	if err != nil {
		return 0, err
	}
	switch e.mod {
	case modNone:
		if !e.isAbs() {
			return 0, s.errorf(col, "operand must be a symbol with %%lo/%%pcrel_lo modifier or an integer in the range [-2048, 2047]")
		}
		if !utils.IsInt(e.addend, 12) {
			return 0, s.errorf(col, "operand must be a symbol with %%lo/%%pcrel_lo modifier or an integer in the range [-2048, 2047]")
		}
		return e.addend, nil
	case modLo:
		typ := elf.R_RISCV_LO12_I
		if store {
			typ = elf.R_RISCV_LO12_S
		}
		return 0, r.fixup(s, typ, e, col)
	case modPCRelLo:
		typ := elf.R_RISCV_PCREL_LO12_I
		if store {
			typ = elf.R_RISCV_PCREL_LO12_S
		}
		return 0, r.fixup(s, typ, e, col)
	}
	return 0, s.errorf(col, "invalid relocation specifier for a 12-bit immediate")
}

// mem splits "off(reg)".
func (r *rvBackend) mem(s *assembly, op operand) (string, uint32, bool, error) {
	text := op.text
	if !strings.HasSuffix(text, ")") {
		return "", 0, false, nil
	}
	open := matchingParen(text)
	if open < 0 {
		return "", 0, false, s.errorf(op.col, "unbalanced parentheses in %s", text)
	}
	base, ok := rvRegs[strings.ToLower(strings.TrimSpace(text[open+1:len(text)-1]))]
	if !ok {
		return "", 0, false, nil
	}
	return text[:open], base, true, nil
}

// pcrelPair emits an auipc carrying hiTyp against e followed by second,
// whose low 12 bits are relocated against the auipc.
func (r *rvBackend) pcrelPair(s *assembly, rd uint32, hiTyp elf.R_RISCV, e expr, col int, loTyp elf.R_RISCV, second uint32) error {
	if e.mod != modNone {
		return s.errorf(col, "relocation specifier not allowed here")
	}
	label := s.tempLabel("pcrel_hi")
	if err := r.fixup(s, hiTyp, e, col); err != nil {
		return err
	}
	s.emit32(rvU(opAUIPC, rd, 0))
	if err := r.fixup(s, loTyp, expr{sym: label}, col); err != nil {
		return err
	}
	s.emit32(second)
	return nil
}

func (r *rvBackend) target(s *assembly, op operand) (expr, error) {
	e, err := s.parseExpr(op.text, op.col)
	if err != nil {
		return e, err
	}
	if e.mod != modNone || e.isAbs() {
		return e, s.errorf(op.col, "operand must be a bare symbol name")
	}
	return e, nil
}

func (r *rvBackend) branch(s *assembly, f3, rs1, rs2 uint32, op operand) error {
	e, err := r.target(s, op)
	if err != nil {
		return err
	}
	if err := r.fixup(s, elf.R_RISCV_BRANCH, e, op.col); err != nil {
		return err
	}
	s.emit32(rvS(opBranch, f3, rs1, rs2, 0))
	return nil
}

func (r *rvBackend) jal(s *assembly, rd uint32, op operand) error {
	e, err := r.target(s, op)
	if err != nil {
		return err
	}
	if err := r.fixup(s, elf.R_RISCV_JAL, e, op.col); err != nil {
		return err
	}
	s.emit32(rvU(opJAL, rd, 0))
	return nil
}

func (r *rvBackend) encode(s *assembly, st *statement) error {
	if op, ok := rvOps[st.mnemonic]; ok {
		return r.encodeOp(s, st, op)
	}

	ops := st.operands
	switch st.mnemonic {
	case "nop":
		s.emit32(rvI(opImm, 0, rvZero, rvZero, 0))
		return s.wantOperands(st, 0, 0)
	case "ecall":
		s.emit32(rvI(opSystem, 0, rvZero, rvZero, 0))
		return s.wantOperands(st, 0, 0)
	case "ebreak":
		s.emit32(rvI(opSystem, 0, rvZero, rvZero, 1))
		return s.wantOperands(st, 0, 0)
	case "fence.i":
		s.emit32(0x0000100f)
		return s.wantOperands(st, 0, 0)
	case "fence":
		return r.fence(s, st)
	case "ret":
		s.emit32(rvI(opJALR, 0, rvZero, rvRA, 0))
		return s.wantOperands(st, 0, 0)
	case "lui", "auipc":
		return r.upper(s, st)
	case "jal":
		if err := s.wantOperands(st, 1, 2); err != nil {
			return err
		}
		if len(ops) == 1 {
			return r.jal(s, rvRA, ops[0])
		}
		rd, err := r.reg(s, ops[0])
		if err != nil {
			return err
		}
		return r.jal(s, rd, ops[1])
	case "j":
		if err := s.wantOperands(st, 1, 1); err != nil {
			return err
		}
		return r.jal(s, rvZero, ops[0])
	case "jalr", "jr":
		return r.jalr(s, st)
	case "call", "tail":
		return r.call(s, st)
	case "li":
		return r.li(s, st)
	case "la", "lla":
		return r.la(s, st)
	}

	if zb, ok := rvZeroBranches[st.mnemonic]; ok {
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		rs, err := r.reg(s, ops[0])
		if err != nil {
			return err
		}
		rs1, rs2 := rs, uint32(rvZero)
		if zb.zeroRs1 {
			rs1, rs2 = rvZero, rs
		}
		return r.branch(s, rvOps[zb.op].funct3, rs1, rs2, ops[1])
	}
	if op, ok := rvSwappedBranches[st.mnemonic]; ok {
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		rs, err := r.regs(s, ops[:2])
		if err != nil {
			return err
		}
		return r.branch(s, rvOps[op].funct3, rs[1], rs[0], ops[2])
	}

	if build, ok := rvAliases[st.mnemonic]; ok {
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		rs, err := r.regs(s, ops)
		if err != nil {
			return err
		}
		s.emit32(build(rs[0], rs[1]))
		return nil
	}

	return s.errorf(st.col, "unrecognized instruction mnemonic '%s'", st.mnemonic)
}

func (r *rvBackend) encodeOp(s *assembly, st *statement, op rvOp) error {
	ops := st.operands
	switch op.kind {
	case rvKindR:
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		rs, err := r.regs(s, ops)
		if err != nil {
			return err
		}
		s.emit32(rvR(op.opcode, op.funct3, op.funct7, rs[0], rs[1], rs[2]))

	case rvKindI:
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		rs, err := r.regs(s, ops[:2])
		if err != nil {
			return err
		}
		imm, err := r.imm12(s, ops[2].text, ops[2].col, false)
		if err != nil {
			return err
		}
		s.emit32(rvI(op.opcode, op.funct3, rs[0], rs[1], imm))

	case rvKindShift:
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		rs, err := r.regs(s, ops[:2])
		if err != nil {
			return err
		}
		amount, err := s.evalAbs(ops[2].text, ops[2].col)
		if err != nil {
			return err
		}
		if amount < 0 || amount >= 1<<op.shamt {
			return s.errorf(ops[2].col, "immediate must be an integer in the range [0, %d]", 1<<op.shamt-1)
		}
		s.emit32(rvI(op.opcode, op.funct3, rs[0], rs[1], int64(op.funct7)<<5|amount))

	case rvKindLoad, rvKindStore:
		return r.loadStore(s, st, op)

	case rvKindBranch:
		if err := s.wantOperands(st, 3, 3); err != nil {
			return err
		}
		rs, err := r.regs(s, ops[:2])
		if err != nil {
			return err
		}
		return r.branch(s, op.funct3, rs[0], rs[1], ops[2])
	}
	return nil
}

func (r *rvBackend) loadStore(s *assembly, st *statement, op rvOp) error {
	ops := st.operands
	store := op.kind == rvKindStore
	if err := s.wantOperands(st, 2, 3); err != nil {
		return err
	}
	rt, err := r.reg(s, ops[0])
	if err != nil {
		return err
	}

	off, base, ok, err := r.mem(s, ops[1])
	if err != nil {
		return err
	}
	if !ok {
		// ld rd, sym and sd rs, sym, rt address sym PC-relatively.
		e, err := r.target(s, ops[1])
		if err != nil {
			return err
		}
		if store {
			if err := s.wantOperands(st, 3, 3); err != nil {
				return err
			}
			tmp, err := r.reg(s, ops[2])
			if err != nil {
				return err
			}
			return r.pcrelPair(s, tmp, elf.R_RISCV_PCREL_HI20, e, ops[1].col,
				elf.R_RISCV_PCREL_LO12_S, rvS(op.opcode, op.funct3, tmp, rt, 0))
		}
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		return r.pcrelPair(s, rt, elf.R_RISCV_PCREL_HI20, e, ops[1].col,
			elf.R_RISCV_PCREL_LO12_I, rvI(op.opcode, op.funct3, rt, rt, 0))
	}
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}

	imm, err := r.imm12(s, off, ops[1].col, store)
	if err != nil {
		return err
	}
	if store {
		s.emit32(rvS(op.opcode, op.funct3, base, rt, imm))
	} else {
		s.emit32(rvI(op.opcode, op.funct3, rt, base, imm))
	}
	return nil
}

func (r *rvBackend) upper(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	ops := st.operands
	rd, err := r.reg(s, ops[0])
	if err != nil {
		return err
	}
	e, err := s.parseExpr(ops[1].text, ops[1].col)
	if err != nil {
		return err
	}

	opcode := uint32(opLUI)
	if st.mnemonic == "auipc" {
		opcode = opAUIPC
	}
	if e.mod == modNone && e.isAbs() {
		if !utils.IsUint(uint64(e.addend), 20) {
			return s.errorf(ops[1].col, "operand must be a symbol with a relocation modifier or an integer in the range [0, 1048575]")
		}
		s.emit32(rvU(opcode, rd, uint32(e.addend)))
		return nil
	}

	var typ elf.R_RISCV
	switch {
	case st.mnemonic == "lui" && e.mod == modHi:
		typ = elf.R_RISCV_HI20
	case st.mnemonic == "auipc" && e.mod == modPCRelHi:
		typ = elf.R_RISCV_PCREL_HI20
	case st.mnemonic == "auipc" && e.mod == modGotPCRelHi:
		typ = elf.R_RISCV_GOT_HI20
	default:
		return s.errorf(ops[1].col, "invalid relocation specifier for %s", st.mnemonic)
	}
	if err := r.fixup(s, typ, e, ops[1].col); err != nil {
		return err
	}
	s.emit32(rvU(opcode, rd, 0))
	return nil
}

func (r *rvBackend) jalr(s *assembly, st *statement) error {
	ops := st.operands
	if err := s.wantOperands(st, 1, 3); err != nil {
		return err
	}

	rd := uint32(rvRA)
	if st.mnemonic == "jr" {
		rd = rvZero
		if len(ops) != 1 {
			return s.errorf(st.col, "jr expects 1 operand, got %d", len(ops))
		}
	} else if len(ops) > 1 {
		n, err := r.reg(s, ops[0])
		if err != nil {
			return err
		}
		rd, ops = n, ops[1:]
	}

	var rs1 uint32
	var imm int64
	off, base, ok, err := r.mem(s, ops[0])
	switch {
	case err != nil:
		return err
	case ok:
		if len(ops) != 1 {
			return s.errorf(ops[1].col, "unexpected operand")
		}
		rs1 = base
		if imm, err = r.imm12(s, off, ops[0].col, false); err != nil {
			return err
		}
	default:
		if rs1, err = r.reg(s, ops[0]); err != nil {
			return err
		}
		if len(ops) == 2 {
			if imm, err = r.imm12(s, ops[1].text, ops[1].col, false); err != nil {
				return err
			}
		}
	}
	s.emit32(rvI(opJALR, 0, rd, rs1, imm))
	return nil
}

// call and tail expand to auipc+jalr with a single R_RISCV_CALL_PLT.
func (r *rvBackend) call(s *assembly, st *statement) error {
	ops := st.operands
	link, scratch := uint32(rvRA), uint32(rvRA)
	if st.mnemonic == "tail" {
		link, scratch = rvZero, rvT1
	}
	if err := s.wantOperands(st, 1, 2); err != nil {
		return err
	}
	if len(ops) == 2 {
		if st.mnemonic == "tail" {
			return s.errorf(ops[1].col, "unexpected operand")
		}
		rd, err := r.reg(s, ops[0])
		if err != nil {
			return err
		}
		link, scratch, ops = rd, rd, ops[1:]
	}

	op := ops[0]
	op.text = strings.TrimSuffix(op.text, "@plt")
	e, err := r.target(s, op)
	if err != nil {
		return err
	}
	if err := r.fixup(s, elf.R_RISCV_CALL_PLT, e, op.col); err != nil {
		return err
	}
	s.emit32(rvU(opAUIPC, scratch, 0))
	s.emit32(rvI(opJALR, 0, link, scratch, 0))
	return nil
}

func (r *rvBackend) la(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	ops := st.operands
	rd, err := r.reg(s, ops[0])
	if err != nil {
		return err
	}
	e, err := r.target(s, ops[1])
	if err != nil {
		return err
	}
	if st.mnemonic == "la" && s.pic() {
		return r.pcrelPair(s, rd, elf.R_RISCV_GOT_HI20, e, ops[1].col,
			elf.R_RISCV_PCREL_LO12_I, rvI(opLoad, 3, rd, rd, 0))
	}
	return r.pcrelPair(s, rd, elf.R_RISCV_PCREL_HI20, e, ops[1].col,
		elf.R_RISCV_PCREL_LO12_I, rvI(opImm, 0, rd, rd, 0))
}

type rvInst struct {
	op  string
	imm int64
}

// materialize returns the lui/addi(w)/slli sequence that builds v.
func materialize(v int64) []rvInst {
	if utils.IsInt(v, 32) {
		hi20 := ((v + 0x800) >> 12) & 0xfffff
		lo12 := int64(utils.SignExtend(uint64(v)&0xfff, 11))
		var seq []rvInst
		if hi20 != 0 {
			seq = append(seq, rvInst{"lui", hi20})
		}
		if lo12 != 0 || hi20 == 0 {
			op := "addi"
			if hi20 != 0 {
				op = "addiw"
			}
			seq = append(seq, rvInst{op, lo12})
		}
		return seq
	}

	lo12 := int64(utils.SignExtend(uint64(v)&0xfff, 11))
	rest := v - lo12
	shift := bits.TrailingZeros64(uint64(rest))
	rest >>= shift
	if shift > 12 && !utils.IsInt(rest, 12) && utils.IsInt(rest<<12, 32) {
		shift -= 12
		rest <<= 12
	}

	seq := materialize(rest)
	seq = append(seq, rvInst{"slli", int64(shift)})
	if lo12 != 0 {
		seq = append(seq, rvInst{"addi", lo12})
	}
	return seq
}

func (r *rvBackend) li(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	ops := st.operands
	rd, err := r.reg(s, ops[0])
	if err != nil {
		return err
	}
	v, err := s.evalAbs(ops[1].text, ops[1].col)
	if err != nil {
		return s.errorf(ops[1].col, "operand must be a constant 64-bit integer")
	}

	src := uint32(rvZero)
	for _, in := range materialize(v) {
		switch in.op {
		case "lui":
			s.emit32(rvU(opLUI, rd, uint32(in.imm)))
		case "addi":
			s.emit32(rvI(opImm, 0, rd, src, in.imm))
		case "addiw":
			s.emit32(rvI(opImm32, 0, rd, src, in.imm))
		case "slli":
			s.emit32(rvI(opImm, 1, rd, src, in.imm))
		}
		src = rd
	}
	return nil
}

func (r *rvBackend) fence(s *assembly, st *statement) error {
	if err := s.wantOperands(st, 0, 2); err != nil {
		return err
	}
	if len(st.operands) == 0 {
		s.emit32(0x0ff0000f)
		return nil
	}
	if len(st.operands) != 2 {
		return s.errorf(st.col, "fence expects a predecessor and a successor set")
	}
	var sets [2]uint32
	for i, op := range st.operands {
		for _, c := range strings.ToLower(op.text) {
			bit := strings.IndexRune("wroi", c)
			if bit < 0 {
				return s.errorf(op.col, "operand must be formed of letters selected in-order from 'iorw'")
			}
			sets[i] |= 1 << bit
		}
	}
	s.emit32(sets[0]<<24 | sets[1]<<20 | opMiscM)
	return nil
}
