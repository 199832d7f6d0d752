package mc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ksco/jitld/pkg/reloc"
	"github.com/ksco/jitld/pkg/triple"
	"github.com/ksco/jitld/pkg/utils"
)

func x86_64Target() *Target {
	return &Target{
		Arch:            triple.ArchX86_64,
		Name:            "x86-64",
		Description:     "64-bit x86: EM64T and AMD64",
		newBackend:      func() backend { return &x86Backend{} },
		newDisassembler: func() Disassembler { return x86Disassembler{} },
	}
}

type x86Reg struct {
	num  int
	size int
	// rex8 marks spl, bpl, sil and dil, which need an empty REX prefix.
	rex8 bool
}

const ripReg = 16

var x86Regs = func() map[string]x86Reg {
	regs := map[string]x86Reg{"rip": {num: ripReg, size: 8}}
	names64 := []string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi"}
	names32 := []string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
	names16 := []string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}
	names8 := []string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil"}
	for i := range 8 {
		regs[names64[i]] = x86Reg{num: i, size: 8}
		regs[names32[i]] = x86Reg{num: i, size: 4}
		regs[names16[i]] = x86Reg{num: i, size: 2}
		regs[names8[i]] = x86Reg{num: i, size: 1, rex8: i >= 4}
	}
	for i := 8; i < 16; i++ {
		regs[fmt.Sprintf("r%d", i)] = x86Reg{num: i, size: 8}
		regs[fmt.Sprintf("r%dd", i)] = x86Reg{num: i, size: 4}
		regs[fmt.Sprintf("r%dw", i)] = x86Reg{num: i, size: 2}
		regs[fmt.Sprintf("r%db", i)] = x86Reg{num: i, size: 1}
	}
	return regs
}()

var x86CondCodes = map[string]byte{
	"o": 0x0, "no": 0x1, "b": 0x2, "c": 0x2, "nae": 0x2, "ae": 0x3, "nb": 0x3, "nc": 0x3,
	"e": 0x4, "z": 0x4, "ne": 0x5, "nz": 0x5, "be": 0x6, "na": 0x6, "a": 0x7, "nbe": 0x7,
	"s": 0x8, "ns": 0x9, "p": 0xa, "pe": 0xa, "np": 0xb, "po": 0xb, "l": 0xc, "nge": 0xc,
	"ge": 0xd, "nl": 0xd, "le": 0xe, "ng": 0xe, "g": 0xf, "nle": 0xf,
}

var x86ALU = map[string]byte{
	"add": 0, "or": 1, "adc": 2, "sbb": 3, "and": 4, "sub": 5, "xor": 6, "cmp": 7,
}

var x86Shifts = map[string]byte{
	"rol": 0, "ror": 1, "shl": 4, "sal": 4, "shr": 5, "sar": 7,
}

var x86Unary = map[string]struct {
	opcode byte
	digit  byte
}{
	"inc": {0xff, 0}, "dec": {0xff, 1}, "not": {0xf7, 2}, "neg": {0xf7, 3},
	"mul": {0xf7, 4}, "div": {0xf7, 6}, "idiv": {0xf7, 7},
}

var x86Fixed = map[string][]byte{
	"ret":     {0xc3},
	"nop":     {0x90},
	"int3":    {0xcc},
	"ud2":     {0x0f, 0x0b},
	"hlt":     {0xf4},
	"leave":   {0xc9},
	"syscall": {0x0f, 0x05},
	"cqto":    {0x48, 0x99},
	"cqo":     {0x48, 0x99},
	"cltq":    {0x48, 0x98},
	"cdqe":    {0x48, 0x98},
	"cltd":    {0x99},
	"cdq":     {0x99},
	"endbr64": {0xf3, 0x0f, 0x1e, 0xfa},
	"pause":   {0xf3, 0x90},
	"mfence":  {0x0f, 0xae, 0xf0},
}

func isX86Base(name string) bool {
	if _, ok := x86ALU[name]; ok {
		return true
	}
	if _, ok := x86Shifts[name]; ok {
		return true
	}
	if _, ok := x86Unary[name]; ok {
		return true
	}
	if _, ok := x86Fixed[name]; ok {
		return true
	}
	switch name {
	case "mov", "movabs", "test", "lea", "push", "pop", "imul", "call", "jmp":
		return true
	}
	return false
}

// splitX86Mnemonic strips an AT&T size suffix.
func splitX86Mnemonic(mn string) (string, int) {
	if isX86Base(mn) {
		return mn, 0
	}
	if n := len(mn); n > 1 {
		size := map[byte]int{'b': 1, 'w': 2, 'l': 4, 'q': 8}[mn[n-1]]
		if size != 0 && isX86Base(mn[:n-1]) {
			return mn[:n-1], size
		}
	}
	return mn, 0
}

type x86OpKind uint8

const (
	x86OpReg x86OpKind = iota
	x86OpImm
	x86OpMem
	x86OpTarget
)

type x86Mem struct {
	base  int
	index int
	scale int
	disp  expr
}

type x86Operand struct {
	kind     x86OpKind
	reg      x86Reg
	imm      expr
	mem      x86Mem
	indirect bool
	col      int
}

func (op x86Operand) isRM() bool {
	return op.kind == x86OpReg || op.kind == x86OpMem
}

type x86Backend struct{}

func (x *x86Backend) lineComment() string  { return "#" }
func (x *x86Backend) modifierSyntax() byte { return '@' }
func (x *x86Backend) wordSize() int        { return 2 }
func (x *x86Backend) alignIsPow2() bool    { return false }

var x86Nops = [][]byte{
	{0x90},
	{0x66, 0x90},
	{0x0f, 0x1f, 0x00},
	{0x0f, 0x1f, 0x40, 0x00},
	{0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x44, 0x00, 0x00},
	{0x0f, 0x1f, 0x80, 0x00, 0x00, 0x00, 0x00},
	{0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x66, 0x0f, 0x1f, 0x84, 0x00, 0x00, 0x00, 0x00, 0x00},
}

func (x *x86Backend) nop(n uint64) []byte {
	var out []byte
	for n > 0 {
		chunk := min(n, uint64(len(x86Nops)))
		out = append(out, x86Nops[chunk-1]...)
		n -= chunk
	}
	return out
}

func (x *x86Backend) dataReloc(size int, pcrel bool) (uint32, bool) {
	var typ elf.R_X86_64
	switch {
	case size == 1 && !pcrel:
		typ = elf.R_X86_64_8
	case size == 1:
		typ = elf.R_X86_64_PC8
	case size == 2 && !pcrel:
		typ = elf.R_X86_64_16
	case size == 2:
		typ = elf.R_X86_64_PC16
	case size == 4 && !pcrel:
		typ = elf.R_X86_64_32
	case size == 4:
		typ = elf.R_X86_64_PC32
	case size == 8 && !pcrel:
		typ = elf.R_X86_64_64
	case size == 8:
		typ = elf.R_X86_64_PC64
	default:
		return 0, false
	}
	return uint32(typ), true
}

func (x *x86Backend) directive(s *assembly, st *statement) (bool, error) {
	return false, nil
}

func (x *x86Backend) resolvesLocally(typ uint32) bool {
	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32, elf.R_X86_64_PC64:
		return true
	}
	return false
}

func (x *x86Backend) keepsSymbol(typ uint32) bool {
	switch elf.R_X86_64(typ) {
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return true
	}
	return false
}

func (x *x86Backend) applyFixup(loc []byte, typ uint32, val uint64) error {
	return reloc.ApplyX86_64(loc, elf.R_X86_64(typ), val)
}

func (x *x86Backend) parseOperand(s *assembly, op operand) (x86Operand, error) {
	out := x86Operand{col: op.col}
	text := op.text
	if rest, ok := strings.CutPrefix(text, "*"); ok {
		out.indirect = true
		text = strings.TrimSpace(rest)
	}

	switch {
	case strings.HasPrefix(text, "%"):
		reg, ok := x86Regs[strings.ToLower(text[1:])]
		if !ok || reg.num == ripReg {
			return out, s.errorf(op.col, "invalid register name %s", text)
		}
		out.kind = x86OpReg
		out.reg = reg
		return out, nil
	case strings.HasPrefix(text, "$"):
		e, err := s.parseExpr(text[1:], op.col+1)
		if err != nil {
			return out, err
		}
		out.kind = x86OpImm
		out.imm = e
		return out, nil
	case strings.HasSuffix(text, ")"):
		open := matchingParen(text)
		if open < 0 {
			return out, s.errorf(op.col, "unbalanced parentheses in %s", text)
		}
		mem, err := x.parseMem(s, text[:open], text[open+1:len(text)-1], op.col)
		if err != nil {
			return out, err
		}
		out.kind = x86OpMem
		out.mem = mem
		return out, nil
	}

	e, err := s.parseExpr(text, op.col)
	if err != nil {
		return out, err
	}
	out.kind = x86OpTarget
	out.imm = e
	return out, nil
}

// matchingParen returns the index of the '(' matching the trailing ')'.
func matchingParen(text string) int {
	depth := 0
	for i := len(text) - 1; i >= 0; i-- {
		switch text[i] {
		case ')':
			depth++
		case '(':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func (x *x86Backend) parseMem(s *assembly, disp, inner string, col int) (x86Mem, error) {
	mem := x86Mem{base: -1, index: -1, scale: 1}
	if strings.TrimSpace(disp) != "" {
		e, err := s.parseExpr(disp, col)
		if err != nil {
			return mem, err
		}
		mem.disp = e
	}

	parts := strings.Split(inner, ",")
	if len(parts) > 3 {
		return mem, s.errorf(col, "invalid memory operand")
	}
	reg := func(text string) (int, error) {
		text = strings.TrimSpace(text)
		r, ok := x86Regs[strings.ToLower(strings.TrimPrefix(text, "%"))]
		if !strings.HasPrefix(text, "%") || !ok || r.size != 8 {
			return 0, s.errorf(col, "invalid base or index register %s", text)
		}
		return r.num, nil
	}
	if base := strings.TrimSpace(parts[0]); base != "" {
		r, err := reg(base)
		if err != nil {
			return mem, err
		}
		mem.base = r
	}
	if len(parts) > 1 {
		r, err := reg(parts[1])
		if err != nil {
			return mem, err
		}
		if r == 4 || r == ripReg {
			return mem, s.errorf(col, "invalid index register %s", strings.TrimSpace(parts[1]))
		}
		mem.index = r
	}
	if len(parts) > 2 {
		scale, err := s.evalAbs(parts[2], col)
		if err != nil {
			return mem, err
		}
		switch scale {
		case 1, 2, 4, 8:
			mem.scale = int(scale)
		default:
			return mem, s.errorf(col, "scale factor in address must be 1, 2, 4 or 8")
		}
	}
	if mem.base == ripReg && mem.index >= 0 {
		return mem, s.errorf(col, "%%rip cannot be used with an index register")
	}
	return mem, nil
}

// x86Fix is a relocation against a field of an instruction being built.
type x86Fix struct {
	typ   elf.R_X86_64
	e     expr
	pcrel bool
	col   int
}

type x86Inst struct {
	prefix  []byte
	rex     byte
	needRex bool
	opcode  []byte
	modrm   []byte
	dispAt  int
	dispFix *x86Fix
	imm     []byte
	immFix  *x86Fix
}

func (in *x86Inst) setSize(size int) {
	switch size {
	case 2:
		in.prefix = append(in.prefix, 0x66)
	case 8:
		in.rex |= 0x8
	}
}

func (in *x86Inst) setImm(s *assembly, e expr, width int, typ elf.R_X86_64, col int) error {
	in.imm = make([]byte, width)
	if e.isAbs() && e.mod == modNone {
		if !fitsData(e.addend, width) {
			return s.errorf(col, "immediate %d does not fit in %d bytes", e.addend, width)
		}
		if width == 4 && in.rex&0x8 != 0 && !utils.IsInt(e.addend, 32) {
			return s.errorf(col, "immediate %d does not fit in a sign-extended 32-bit field", e.addend)
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(e.addend))
		copy(in.imm, buf[:width])
		return nil
	}
	if e.mod != modNone || typ == 0 {
		return s.errorf(col, "invalid relocatable immediate")
	}
	in.immFix = &x86Fix{typ: typ, e: e, col: col}
	return nil
}

func (in *x86Inst) setReg(reg x86Reg) {
	if reg.num >= 8 {
		in.rex |= 0x4
	}
	if reg.rex8 {
		in.needRex = true
	}
}

// setModRM encodes rm with digit or register number regField in the reg
// slot.
func (in *x86Inst) setModRM(s *assembly, regField int, rm x86Operand) error {
	if regField >= 8 {
		in.rex |= 0x4
	}
	reg := byte(regField&7) << 3

	if rm.kind == x86OpReg {
		if rm.reg.num >= 8 {
			in.rex |= 0x1
		}
		if rm.reg.rex8 {
			in.needRex = true
		}
		in.modrm = []byte{0xc0 | reg | byte(rm.reg.num&7)}
		return nil
	}

	mem := rm.mem
	if rm.kind == x86OpTarget {
		mem = x86Mem{base: -1, index: -1, scale: 1, disp: rm.imm}
	}
	symbolic := !mem.disp.isAbs() || mem.disp.mod != modNone
	disp := mem.disp.addend

	if mem.disp.mod == modPLT || (mem.disp.mod == modGOTPCREL && mem.base != ripReg) {
		return s.errorf(rm.col, "invalid relocation specifier in memory operand")
	}

	if mem.base == ripReg {
		in.modrm = []byte{0x05 | reg, 0, 0, 0, 0}
		in.dispAt = 1
		if symbolic {
			typ := elf.R_X86_64_PC32
			if mem.disp.mod == modGOTPCREL {
				typ = elf.R_X86_64_GOTPCRELX
			}
			in.dispFix = &x86Fix{typ: typ, e: mem.disp, pcrel: true, col: rm.col}
			return nil
		}
		if !utils.IsInt(disp, 32) {
			return s.errorf(rm.col, "displacement %d does not fit in 32 bits", disp)
		}
		binary.LittleEndian.PutUint32(in.modrm[1:], uint32(disp))
		return nil
	}

	if mem.base >= 8 {
		in.rex |= 0x1
	}
	if mem.index >= 8 {
		in.rex |= 0x2
	}

	needSIB := mem.index >= 0 || mem.base < 0 || mem.base&7 == 4
	var mod byte
	dispSize := 0
	switch {
	case mem.base < 0:
		mod, dispSize = 0, 4
	case symbolic:
		mod, dispSize = 2, 4
	case disp == 0 && mem.base&7 != 5:
		mod = 0
	case utils.IsInt(disp, 8):
		mod, dispSize = 1, 1
	default:
		mod, dispSize = 2, 4
	}
	if !symbolic && !utils.IsInt(disp, 32) {
		return s.errorf(rm.col, "displacement %d does not fit in 32 bits", disp)
	}

	if needSIB {
		index, base := byte(4), byte(5)
		if mem.index >= 0 {
			index = byte(mem.index & 7)
		}
		if mem.base >= 0 {
			base = byte(mem.base & 7)
		}
		scale := map[int]byte{1: 0, 2: 1, 4: 2, 8: 3}[mem.scale]
		in.modrm = []byte{mod<<6 | reg | 4, scale<<6 | index<<3 | base}
	} else {
		in.modrm = []byte{mod<<6 | reg | byte(mem.base&7)}
	}

	in.dispAt = len(in.modrm)
	switch dispSize {
	case 1:
		in.modrm = append(in.modrm, byte(int8(disp)))
	case 4:
		in.modrm = binary.LittleEndian.AppendUint32(in.modrm, uint32(disp))
		if symbolic {
			in.dispFix = &x86Fix{typ: elf.R_X86_64_32S, e: mem.disp, col: rm.col}
		}
	}
	return nil
}

func (x *x86Backend) emit(s *assembly, in *x86Inst) error {
	start := s.here()
	var buf []byte
	buf = append(buf, in.prefix...)
	if in.rex != 0 || in.needRex {
		buf = append(buf, 0x40|in.rex)
	}
	buf = append(buf, in.opcode...)
	modrmAt := len(buf)
	buf = append(buf, in.modrm...)
	immAt := len(buf)
	buf = append(buf, in.imm...)
	s.emit(buf...)

	add := func(at int, f *x86Fix) error {
		e := f.e
		if f.pcrel {
			// The CPU adds the displacement to the address of the next
			// instruction, not of the field.
			e.addend -= int64(len(buf) - at)
		}
		typ := f.typ
		if typ == elf.R_X86_64_GOTPCRELX && in.rex != 0 {
			typ = elf.R_X86_64_REX_GOTPCRELX
		}
		return s.addFixup(start+uint64(at), uint32(typ), e, f.col)
	}
	if in.dispFix != nil {
		if err := add(modrmAt+in.dispAt, in.dispFix); err != nil {
			return err
		}
	}
	if in.immFix != nil {
		if err := add(immAt, in.immFix); err != nil {
			return err
		}
	}
	return nil
}

// inferSize picks the operand size from the suffix or register operands.
func (x *x86Backend) inferSize(s *assembly, st *statement, suffix int, ops []x86Operand) (int, error) {
	size := suffix
	for _, op := range ops {
		if op.kind != x86OpReg {
			continue
		}
		if size == 0 {
			size = op.reg.size
		} else if op.reg.size != size {
			return 0, s.errorf(op.col, "invalid operand for instruction")
		}
	}
	if size == 0 {
		return 0, s.errorf(st.col, "cannot infer operand size for %s; add a size suffix", st.mnemonic)
	}
	return size, nil
}

func immReloc(size int) elf.R_X86_64 {
	switch size {
	case 8:
		return elf.R_X86_64_32S
	case 4:
		return elf.R_X86_64_32
	}
	return 0
}

func (x *x86Backend) encode(s *assembly, st *statement) error {
	ops := make([]x86Operand, len(st.operands))
	for i, op := range st.operands {
		parsed, err := x.parseOperand(s, op)
		if err != nil {
			return err
		}
		ops[i] = parsed
	}

	name, suffix := splitX86Mnemonic(st.mnemonic)
	if fixed, ok := x86Fixed[name]; ok {
		if name == "ret" && len(ops) == 1 && ops[0].kind == x86OpImm {
			in := &x86Inst{opcode: []byte{0xc2}}
			if err := in.setImm(s, ops[0].imm, 2, 0, ops[0].col); err != nil {
				return err
			}
			return x.emit(s, in)
		}
		if err := s.wantOperands(st, 0, 0); err != nil {
			return err
		}
		s.emit(fixed...)
		return nil
	}

	if op, ok := x86ALU[name]; ok {
		return x.encodeALU(s, st, op, suffix, ops)
	}
	if digit, ok := x86Shifts[name]; ok {
		return x.encodeShift(s, st, digit, suffix, ops)
	}
	if u, ok := x86Unary[name]; ok {
		if err := s.wantOperands(st, 1, 1); err != nil {
			return err
		}
		size, err := x.inferSize(s, st, suffix, ops)
		if err != nil {
			return err
		}
		in := &x86Inst{opcode: []byte{u.opcode}}
		if size == 1 {
			in.opcode[0]--
		}
		in.setSize(size)
		if err := in.setModRM(s, int(u.digit), ops[0]); err != nil {
			return err
		}
		return x.emit(s, in)
	}

	switch name {
	case "mov":
		return x.encodeMov(s, st, suffix, ops)
	case "movabs":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		if ops[0].kind != x86OpImm || ops[1].kind != x86OpReg || ops[1].reg.size != 8 {
			return s.errorf(st.col, "movabs expects an immediate and a 64-bit register")
		}
		in := &x86Inst{opcode: []byte{0xb8 + byte(ops[1].reg.num&7)}}
		in.setSize(8)
		if ops[1].reg.num >= 8 {
			in.rex |= 0x1
		}
		if err := in.setImm(s, ops[0].imm, 8, elf.R_X86_64_64, ops[0].col); err != nil {
			return err
		}
		return x.emit(s, in)
	case "test":
		return x.encodeTest(s, st, suffix, ops)
	case "lea":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		if ops[0].kind != x86OpMem && ops[0].kind != x86OpTarget || ops[1].kind != x86OpReg {
			return s.errorf(st.col, "lea expects a memory operand and a register")
		}
		in := &x86Inst{opcode: []byte{0x8d}}
		in.setSize(ops[1].reg.size)
		if err := in.setModRM(s, ops[1].reg.num, ops[0]); err != nil {
			return err
		}
		return x.emit(s, in)
	case "push", "pop":
		return x.encodeStack(s, st, name == "push", ops)
	case "imul":
		return x.encodeIMul(s, st, suffix, ops)
	case "call", "jmp":
		return x.encodeBranch(s, st, name == "call", ops)
	}

	if cc, ok := strings.CutPrefix(name, "j"); ok {
		if code, ok := x86CondCodes[cc]; ok {
			if err := s.wantOperands(st, 1, 1); err != nil {
				return err
			}
			if ops[0].kind != x86OpTarget {
				return s.errorf(ops[0].col, "conditional jump expects a label")
			}
			in := &x86Inst{opcode: []byte{0x0f, 0x80 | code}, imm: make([]byte, 4)}
			in.immFix = &x86Fix{typ: elf.R_X86_64_PC32, e: ops[0].imm, pcrel: true, col: ops[0].col}
			return x.emit(s, in)
		}
	}
	if cc, ok := strings.CutPrefix(name, "set"); ok {
		if code, ok := x86CondCodes[cc]; ok {
			if err := s.wantOperands(st, 1, 1); err != nil {
				return err
			}
			if ops[0].kind == x86OpReg && ops[0].reg.size != 1 {
				return s.errorf(ops[0].col, "set%s expects an 8-bit register", cc)
			}
			in := &x86Inst{opcode: []byte{0x0f, 0x90 | code}}
			if err := in.setModRM(s, 0, ops[0]); err != nil {
				return err
			}
			return x.emit(s, in)
		}
	}
	if cc, ok := strings.CutPrefix(name, "cmov"); ok {
		code, ok := x86CondCodes[cc]
		size := 0
		if !ok && len(cc) > 1 {
			size = map[byte]int{'w': 2, 'l': 4, 'q': 8}[cc[len(cc)-1]]
			code, ok = x86CondCodes[cc[:len(cc)-1]]
		}
		if ok {
			if err := s.wantOperands(st, 2, 2); err != nil {
				return err
			}
			if ops[1].kind != x86OpReg || !ops[0].isRM() {
				return s.errorf(st.col, "cmov expects a register or memory source and a register")
			}
			size, err := x.inferSize(s, st, size, ops)
			if err != nil {
				return err
			}
			in := &x86Inst{opcode: []byte{0x0f, 0x40 | code}}
			in.setSize(size)
			if err := in.setModRM(s, ops[1].reg.num, ops[0]); err != nil {
				return err
			}
			return x.emit(s, in)
		}
	}

	return s.errorf(st.col, "invalid instruction mnemonic '%s'", st.mnemonic)
}

func (x *x86Backend) encodeALU(s *assembly, st *statement, op byte, suffix int, ops []x86Operand) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	src, dst := ops[0], ops[1]
	if dst.kind == x86OpTarget {
		dst.kind = x86OpMem
		dst.mem = x86Mem{base: -1, index: -1, scale: 1, disp: dst.imm}
	}
	if src.kind == x86OpTarget {
		src.kind = x86OpMem
		src.mem = x86Mem{base: -1, index: -1, scale: 1, disp: src.imm}
	}
	size, err := x.inferSize(s, st, suffix, ops)
	if err != nil {
		return err
	}

	in := &x86Inst{}
	in.setSize(size)
	switch {
	case src.kind == x86OpImm && dst.isRM():
		width := min(size, 4)
		switch {
		case size == 1:
			in.opcode = []byte{0x80}
		case src.imm.isAbs() && src.imm.mod == modNone && utils.IsInt(src.imm.addend, 8):
			in.opcode = []byte{0x83}
			width = 1
		default:
			in.opcode = []byte{0x81}
		}
		if err := in.setModRM(s, int(op), dst); err != nil {
			return err
		}
		if err := in.setImm(s, src.imm, width, immReloc(size), src.col); err != nil {
			return err
		}
	case src.kind == x86OpReg && dst.isRM():
		in.opcode = []byte{op*8 + 1}
		if size == 1 {
			in.opcode[0]--
		}
		if err := in.setModRM(s, src.reg.num, dst); err != nil {
			return err
		}
		in.setReg(src.reg)
	case src.kind == x86OpMem && dst.kind == x86OpReg:
		in.opcode = []byte{op*8 + 3}
		if size == 1 {
			in.opcode[0]--
		}
		if err := in.setModRM(s, dst.reg.num, src); err != nil {
			return err
		}
		in.setReg(dst.reg)
	default:
		return s.errorf(st.col, "invalid operand combination for %s", st.mnemonic)
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeTest(s *assembly, st *statement, suffix int, ops []x86Operand) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	size, err := x.inferSize(s, st, suffix, ops)
	if err != nil {
		return err
	}
	src, dst := ops[0], ops[1]
	in := &x86Inst{}
	in.setSize(size)
	switch {
	case src.kind == x86OpImm && dst.isRM():
		in.opcode = []byte{0xf7}
		if size == 1 {
			in.opcode[0] = 0xf6
		}
		if err := in.setModRM(s, 0, dst); err != nil {
			return err
		}
		if err := in.setImm(s, src.imm, min(size, 4), immReloc(size), src.col); err != nil {
			return err
		}
	case src.kind == x86OpReg && dst.isRM(), src.isRM() && dst.kind == x86OpReg:
		reg, rm := src, dst
		if src.kind != x86OpReg {
			reg, rm = dst, src
		}
		in.opcode = []byte{0x85}
		if size == 1 {
			in.opcode[0] = 0x84
		}
		if err := in.setModRM(s, reg.reg.num, rm); err != nil {
			return err
		}
		in.setReg(reg.reg)
	default:
		return s.errorf(st.col, "invalid operand combination for %s", st.mnemonic)
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeMov(s *assembly, st *statement, suffix int, ops []x86Operand) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	src, dst := ops[0], ops[1]
	for _, op := range []*x86Operand{&src, &dst} {
		if op.kind == x86OpTarget {
			op.kind = x86OpMem
			op.mem = x86Mem{base: -1, index: -1, scale: 1, disp: op.imm}
		}
	}
	size, err := x.inferSize(s, st, suffix, ops)
	if err != nil {
		return err
	}

	in := &x86Inst{}
	in.setSize(size)
	switch {
	case src.kind == x86OpImm && dst.kind == x86OpReg:
		imm := src.imm
		absolute := imm.isAbs() && imm.mod == modNone
		short := size != 8 || (absolute && utils.IsInt(imm.addend, 32)) ||
			(!absolute && !s.largeCodeModel())
		if size == 8 && short {
			// Sign-extended imm32 form: REX.W C7 /0.
			in.opcode = []byte{0xc7}
			if err := in.setModRM(s, 0, dst); err != nil {
				return err
			}
			return x.emitImm(s, in, imm, 4, elf.R_X86_64_32S, src.col)
		}
		in.opcode = []byte{0xb8 + byte(dst.reg.num&7)}
		if size == 1 {
			in.opcode[0] = 0xb0 + byte(dst.reg.num&7)
		}
		if dst.reg.num >= 8 {
			in.rex |= 0x1
		}
		if dst.reg.rex8 {
			in.needRex = true
		}
		typ := elf.R_X86_64_32
		if size == 8 {
			typ = elf.R_X86_64_64
		}
		if size < 4 {
			typ = 0
		}
		return x.emitImm(s, in, imm, size, typ, src.col)
	case src.kind == x86OpImm && dst.kind == x86OpMem:
		in.opcode = []byte{0xc7}
		if size == 1 {
			in.opcode[0] = 0xc6
		}
		if err := in.setModRM(s, 0, dst); err != nil {
			return err
		}
		return x.emitImm(s, in, src.imm, min(size, 4), immReloc(size), src.col)
	case src.kind == x86OpReg && dst.isRM():
		in.opcode = []byte{0x89}
		if size == 1 {
			in.opcode[0] = 0x88
		}
		if err := in.setModRM(s, src.reg.num, dst); err != nil {
			return err
		}
		in.setReg(src.reg)
	case src.kind == x86OpMem && dst.kind == x86OpReg:
		in.opcode = []byte{0x8b}
		if size == 1 {
			in.opcode[0] = 0x8a
		}
		if err := in.setModRM(s, dst.reg.num, src); err != nil {
			return err
		}
		in.setReg(dst.reg)
	default:
		return s.errorf(st.col, "invalid operand combination for %s", st.mnemonic)
	}
	return x.emit(s, in)
}

func (x *x86Backend) emitImm(s *assembly, in *x86Inst, e expr, width int, typ elf.R_X86_64, col int) error {
	if err := in.setImm(s, e, width, typ, col); err != nil {
		return err
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeShift(s *assembly, st *statement, digit byte, suffix int, ops []x86Operand) error {
	if err := s.wantOperands(st, 1, 2); err != nil {
		return err
	}
	dst := ops[len(ops)-1]
	size, err := x.inferSize(s, st, suffix, ops[len(ops)-1:])
	if err != nil {
		return err
	}
	in := &x86Inst{}
	in.setSize(size)
	var imm *x86Operand
	switch {
	case len(ops) == 1:
		in.opcode = []byte{0xd1}
	case ops[0].kind == x86OpReg && ops[0].reg.size == 1 && ops[0].reg.num == 1:
		in.opcode = []byte{0xd3}
	case ops[0].kind == x86OpImm && ops[0].imm.isAbs() && ops[0].imm.addend == 1:
		in.opcode = []byte{0xd1}
	case ops[0].kind == x86OpImm:
		in.opcode = []byte{0xc1}
		imm = &ops[0]
	default:
		return s.errorf(ops[0].col, "shift count must be an immediate or %%cl")
	}
	if size == 1 {
		in.opcode[0]--
	}
	if err := in.setModRM(s, int(digit), dst); err != nil {
		return err
	}
	if imm != nil {
		if err := in.setImm(s, imm.imm, 1, 0, imm.col); err != nil {
			return err
		}
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeStack(s *assembly, st *statement, push bool, ops []x86Operand) error {
	if err := s.wantOperands(st, 1, 1); err != nil {
		return err
	}
	op := ops[0]
	in := &x86Inst{}
	switch op.kind {
	case x86OpReg:
		if op.reg.size != 8 {
			return s.errorf(op.col, "invalid register for %s", st.mnemonic)
		}
		base := byte(0x58)
		if push {
			base = 0x50
		}
		in.opcode = []byte{base + byte(op.reg.num&7)}
		if op.reg.num >= 8 {
			in.rex |= 0x1
		}
	case x86OpImm:
		if !push {
			return s.errorf(op.col, "cannot pop into an immediate")
		}
		if op.imm.isAbs() && op.imm.mod == modNone && utils.IsInt(op.imm.addend, 8) {
			in.opcode = []byte{0x6a}
			return x.emitImm(s, in, op.imm, 1, 0, op.col)
		}
		if op.imm.isAbs() && !utils.IsInt(op.imm.addend, 32) {
			return s.errorf(op.col, "immediate %d does not fit in a sign-extended 32-bit field", op.imm.addend)
		}
		in.opcode = []byte{0x68}
		if err := in.setImm(s, op.imm, 4, elf.R_X86_64_32S, op.col); err != nil {
			return err
		}
	default:
		in.opcode = []byte{0x8f}
		digit := 0
		if push {
			in.opcode[0], digit = 0xff, 6
		}
		if err := in.setModRM(s, digit, op); err != nil {
			return err
		}
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeIMul(s *assembly, st *statement, suffix int, ops []x86Operand) error {
	if err := s.wantOperands(st, 1, 3); err != nil {
		return err
	}
	size, err := x.inferSize(s, st, suffix, ops)
	if err != nil {
		return err
	}
	in := &x86Inst{}
	in.setSize(size)
	switch len(ops) {
	case 1:
		in.opcode = []byte{0xf7}
		if err := in.setModRM(s, 5, ops[0]); err != nil {
			return err
		}
	case 2:
		if ops[1].kind != x86OpReg || !ops[0].isRM() {
			return s.errorf(st.col, "invalid operand combination for %s", st.mnemonic)
		}
		in.opcode = []byte{0x0f, 0xaf}
		if err := in.setModRM(s, ops[1].reg.num, ops[0]); err != nil {
			return err
		}
	case 3:
		if ops[0].kind != x86OpImm || !ops[1].isRM() || ops[2].kind != x86OpReg {
			return s.errorf(st.col, "invalid operand combination for %s", st.mnemonic)
		}
		width := 4
		in.opcode = []byte{0x69}
		if ops[0].imm.isAbs() && utils.IsInt(ops[0].imm.addend, 8) {
			in.opcode, width = []byte{0x6b}, 1
		}
		if err := in.setModRM(s, ops[2].reg.num, ops[1]); err != nil {
			return err
		}
		if err := in.setImm(s, ops[0].imm, width, 0, ops[0].col); err != nil {
			return err
		}
	}
	return x.emit(s, in)
}

func (x *x86Backend) encodeBranch(s *assembly, st *statement, call bool, ops []x86Operand) error {
	if err := s.wantOperands(st, 1, 1); err != nil {
		return err
	}
	op := ops[0]
	if op.indirect {
		if !op.isRM() && op.kind != x86OpTarget {
			return s.errorf(op.col, "invalid indirect branch target")
		}
		if op.kind == x86OpReg && op.reg.size != 8 {
			return s.errorf(op.col, "indirect branch requires a 64-bit register")
		}
		digit := 4
		if call {
			digit = 2
		}
		in := &x86Inst{opcode: []byte{0xff}}
		if err := in.setModRM(s, digit, op); err != nil {
			return err
		}
		return x.emit(s, in)
	}
	if op.kind != x86OpTarget {
		return s.errorf(op.col, "branch target must be a label or symbol")
	}
	if op.imm.mod != modNone && op.imm.mod != modPLT {
		return s.errorf(op.col, "invalid relocation specifier for branch")
	}
	opcode := byte(0xe9)
	if call {
		opcode = 0xe8
	}
	in := &x86Inst{opcode: []byte{opcode}, imm: make([]byte, 4)}
	target := op.imm
	target.mod = modNone
	if target.isAbs() {
		return s.errorf(op.col, "branch to an absolute address is not supported")
	}
	in.immFix = &x86Fix{typ: elf.R_X86_64_PLT32, e: target, pcrel: true, col: op.col}
	return x.emit(s, in)
}
