package mc

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
	"github.com/ksco/jitld/pkg/utils"
)

// backend is the per-architecture half of the assembler.
type backend interface {
	lineComment() string
	// modifierSyntax is '%' for %lo(x), ':' for :lo12:x and '@' for x@PLT.
	modifierSyntax() byte
	wordSize() int
	alignIsPow2() bool
	nop(n uint64) []byte
	dataReloc(size int, pcrel bool) (uint32, bool)

	directive(s *assembly, st *statement) (bool, error)
	encode(s *assembly, st *statement) error

	resolvesLocally(typ uint32) bool
	keepsSymbol(typ uint32) bool
	applyFixup(loc []byte, typ uint32, val uint64) error
}

// Assembler turns assembly source into a relocatable ELF object.
type Assembler struct {
	target   *Target
	triple   triple.Triple
	codegen  CodeGenOptions
	options  TargetOptions
	elfFlags uint32
}

func (a *Assembler) Target() *Target {
	return a.target
}

// Assemble assembles src. name becomes the object buffer's name. Warnings
// are returned even when assembly fails.
func (a *Assembler) Assemble(name, src string) (object.ObjectBuffer, []Warning, error) {
	s := newAssembly(a)
	if err := s.run(src); err != nil {
		return object.ObjectBuffer{}, s.warnings, err
	}
	data, err := s.finish()
	if err != nil {
		return object.ObjectBuffer{}, s.warnings, err
	}
	return object.ObjectBuffer{Name: name, Contents: data}, s.warnings, nil
}

type section struct {
	obj  *object.Section
	code bool
}

func (sec *section) size() uint64 {
	return sec.obj.ContentSize()
}

func (sec *section) nobits() bool {
	return sec.obj.Type == elf.SHT_NOBITS
}

type symbol struct {
	name     string
	defined  bool
	absolute bool
	common   bool
	temp     bool
	sec      *section
	value    uint64
	align    uint64
	size     uint64
	bind     elf.SymBind
	typ      elf.SymType
	vis      elf.SymVis

	out *object.Symbol
}

func (sym *symbol) isGlobal() bool {
	return sym.bind != elf.STB_LOCAL
}

type fixup struct {
	sec    *section
	offset uint64
	typ    uint32
	sym    *symbol
	addend int64
	line   int
	col    int
}

// assembly is the state of one Assemble call.
type assembly struct {
	asm     *Assembler
	backend backend
	writer  *object.Writer

	sections  []*section
	sectionBy map[string]*section
	cur       *section
	prev      *section
	stack     []*section

	symbols  []*symbol
	symbolBy map[string]*symbol
	numeric  map[int]int
	tempID   int

	fixups   []*fixup
	warnings []Warning
	line     int
	ended    bool
}

func newAssembly(a *Assembler) *assembly {
	s := &assembly{
		asm:       a,
		backend:   a.target.newBackend(),
		writer:    object.NewWriter(a.target.Arch.Machine(), binary.LittleEndian),
		sectionBy: make(map[string]*section),
		symbolBy:  make(map[string]*symbol),
		numeric:   make(map[int]int),
	}
	s.writer.Flags = a.elfFlags
	s.getSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR)
	s.getSection(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	s.getSection(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE)
	s.cur = s.sectionBy[".text"]
	return s
}

func (s *assembly) errorf(col int, format string, args ...any) error {
	return &AssemblyError{Line: s.line, Column: col, Msg: fmt.Sprintf(format, args...)}
}

func (s *assembly) warnf(col int, format string, args ...any) error {
	if s.asm.options.FatalWarnings {
		return s.errorf(col, format, args...)
	}
	s.warnings = append(s.warnings, Warning{Line: s.line, Column: col, Msg: fmt.Sprintf(format, args...)})
	return nil
}

func (s *assembly) pic() bool {
	return s.asm.codegen.PIC
}

func (s *assembly) largeCodeModel() bool {
	return s.asm.codegen.LargeCodeModel
}

func (s *assembly) getSection(name string, typ elf.SectionType, flags elf.SectionFlag) *section {
	if sec, ok := s.sectionBy[name]; ok {
		return sec
	}
	sec := &section{
		obj: s.writer.AddSection(&object.Section{
			Name:      name,
			Type:      typ,
			Flags:     flags,
			AddrAlign: 1,
		}),
		code: flags&elf.SHF_EXECINSTR != 0,
	}
	s.sections = append(s.sections, sec)
	s.sectionBy[name] = sec
	return sec
}

func (s *assembly) switchTo(sec *section) {
	if sec != s.cur {
		s.prev = s.cur
		s.cur = sec
	}
}

func (s *assembly) here() uint64 {
	return s.cur.size()
}

func (s *assembly) emit(b ...byte) {
	s.cur.obj.Data = append(s.cur.obj.Data, b...)
}

func (s *assembly) emit32(v uint32) {
	s.cur.obj.Data = binary.LittleEndian.AppendUint32(s.cur.obj.Data, v)
}

func (s *assembly) symbol(name string) *symbol {
	if sym, ok := s.symbolBy[name]; ok {
		return sym
	}
	sym := &symbol{name: name, temp: strings.HasPrefix(name, ".L")}
	s.symbols = append(s.symbols, sym)
	s.symbolBy[name] = sym
	return sym
}

func (s *assembly) symbolValue(name string) value {
	sym := s.symbol(name)
	if sym.defined && sym.absolute {
		return value{off: int64(sym.value)}
	}
	return value{sym: sym}
}

// dot is the location counter as a symbol.
func (s *assembly) dot() *symbol {
	return &symbol{name: ".", defined: true, temp: true, sec: s.cur, value: s.here()}
}

func (s *assembly) numericLabelName(n, idx int) string {
	return fmt.Sprintf(".L%d$%d", n, idx)
}

func (s *assembly) numericLabelRef(n int, forward bool) (*symbol, error) {
	idx := s.numeric[n]
	if !forward {
		idx--
		if idx < 0 {
			return nil, fmt.Errorf("no previous definition of label %db", n)
		}
	}
	return s.symbol(s.numericLabelName(n, idx)), nil
}

// tempLabel defines a fresh assembler-private label at the current location.
func (s *assembly) tempLabel(prefix string) *symbol {
	s.tempID++
	sym := s.symbol(fmt.Sprintf(".L%s%d", prefix, s.tempID))
	sym.defined = true
	sym.sec = s.cur
	sym.value = s.here()
	return sym
}

func (s *assembly) defineLabel(name string, col int) error {
	if isDecimal(name) {
		n, err := strconv.Atoi(name)
		if err != nil {
			return s.errorf(col, "invalid label %q", name)
		}
		name = s.numericLabelName(n, s.numeric[n])
		s.numeric[n]++
	}
	sym := s.symbol(name)
	if sym.defined || sym.common {
		return s.errorf(col, "symbol '%s' is already defined", name)
	}
	sym.defined = true
	sym.sec = s.cur
	sym.value = s.here()
	return nil
}

// addFixup records a relocation for the field at offset in the current
// section.
func (s *assembly) addFixup(offset uint64, typ uint32, e expr, col int) error {
	if e.sym == nil {
		return s.errorf(col, "expected relocatable expression")
	}
	addend := e.addend
	if e.pcrel {
		addend += int64(offset) - int64(e.base)
	}
	s.fixups = append(s.fixups, &fixup{
		sec:    s.cur,
		offset: offset,
		typ:    typ,
		sym:    e.sym,
		addend: addend,
		line:   s.line,
		col:    col,
	})
	return nil
}

func (s *assembly) run(src string) error {
	for i, line := range strings.Split(src, "\n") {
		s.line = i + 1
		line = stripComments(line, s.backend.lineComment())
		for _, raw := range splitStatements(line, s.line) {
			if err := s.statement(raw); err != nil {
				return err
			}
			if s.ended {
				return nil
			}
		}
	}
	return nil
}

func (s *assembly) statement(raw rawStatement) error {
	text := raw.text
	pos := skipSpaces(text, 0)
	for {
		name, next, ok := scanLabel(text, pos)
		if !ok {
			break
		}
		if err := s.defineLabel(name, raw.col+pos); err != nil {
			return err
		}
		pos = skipSpaces(text, next)
	}
	if pos >= len(text) {
		return nil
	}

	start := pos
	for pos < len(text) && !isSpace(text[pos]) && text[pos] != '=' {
		pos++
	}
	col := raw.col + start
	mnemonic := text[start:pos]

	// name = expr is a synonym for .set name, expr.
	if rest := strings.TrimSpace(text[pos:]); strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, "==") {
		return s.set(mnemonic, strings.TrimSpace(rest[1:]), col, false)
	}

	ops, err := splitOperands(text[pos:], raw.col+pos)
	if err != nil {
		return s.errorf(col, "%v", err)
	}
	st := &statement{line: s.line, col: col, mnemonic: strings.ToLower(mnemonic), operands: ops}
	if strings.HasPrefix(st.mnemonic, ".") {
		return s.directive(st)
	}
	if s.cur.nobits() {
		return s.errorf(col, "instructions are not allowed in section %s", s.cur.obj.Name)
	}
	return s.backend.encode(s, st)
}

func (s *assembly) wantOperands(st *statement, min, max int) error {
	if n := len(st.operands); n < min || n > max {
		if min == max {
			return s.errorf(st.col, "%s expects %d operands, got %d", st.mnemonic, min, n)
		}
		return s.errorf(st.col, "%s expects %d to %d operands, got %d", st.mnemonic, min, max, n)
	}
	return nil
}

func symbolName(op operand) string {
	if n := len(op.text); n >= 2 && op.text[0] == '"' && op.text[n-1] == '"' {
		return op.text[1 : n-1]
	}
	return op.text
}

func (s *assembly) finish() ([]byte, error) {
	if s.asm.options.NoExecStack {
		s.getSection(".note.GNU-stack", elf.SHT_PROGBITS, 0)
	}

	type pending struct {
		f      *fixup
		direct bool
	}
	var relocs []pending
	direct := make(map[*symbol]bool)

	for _, f := range s.fixups {
		s.line = f.line
		sym := f.sym
		if sym.defined && !sym.absolute && sym.sec == f.sec && !sym.isGlobal() &&
			s.backend.resolvesLocally(f.typ) {
			val := sym.value + uint64(f.addend) - f.offset
			if err := s.backend.applyFixup(f.sec.obj.Data[f.offset:], f.typ, val); err != nil {
				return nil, s.errorf(f.col, "%v", err)
			}
			continue
		}
		if !sym.defined && !sym.common && sym.temp {
			return nil, s.errorf(f.col, "undefined temporary symbol %s", sym.name)
		}
		p := pending{f: f}
		if !sym.defined || sym.absolute || sym.isGlobal() || s.backend.keepsSymbol(f.typ) {
			p.direct = true
			direct[sym] = true
		}
		relocs = append(relocs, p)
	}

	for _, sym := range s.symbols {
		if sym.temp && !direct[sym] {
			continue
		}
		if !sym.defined && !sym.common && !sym.isGlobal() && !direct[sym] {
			continue
		}
		out := &object.Symbol{
			Name:       sym.name,
			Bind:       sym.bind,
			Type:       sym.typ,
			Visibility: sym.vis,
			Value:      sym.value,
			Size:       sym.size,
		}
		switch {
		case sym.common:
			out.Shndx = elf.SHN_COMMON
			out.Value = sym.align
			if out.Type == elf.STT_NOTYPE {
				out.Type = elf.STT_OBJECT
			}
		case sym.absolute:
			out.Shndx = elf.SHN_ABS
		case sym.defined:
			out.Section = sym.sec.obj
		default:
			out.Shndx = elf.SHN_UNDEF
			if out.Bind == elf.STB_LOCAL {
				out.Bind = elf.STB_GLOBAL
			}
		}
		sym.out = s.writer.AddSymbol(out)
	}

	for _, p := range relocs {
		f := p.f
		target := f.sym.out
		addend := f.addend
		if !p.direct {
			target = s.writer.SectionSymbol(f.sym.sec.obj)
			addend += int64(f.sym.value)
		}
		f.sec.obj.Relocs = append(f.sec.obj.Relocs, object.Reloc{
			Offset: f.offset,
			Type:   f.typ,
			Symbol: target,
			Addend: addend,
		})
	}

	return s.writer.Bytes()
}

func (s *assembly) putData(size int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	s.emit(buf[:size]...)
}

func fitsData(v int64, size int) bool {
	return size >= 8 || utils.IsInt(v, size*8) || utils.IsUint(uint64(v), size*8)
}
