package mc

import (
	"debug/elf"
	"math/bits"
	"strings"

	"github.com/ksco/jitld/pkg/utils"
)

var ignoredDirectives = map[string]bool{
	".file":          true,
	".ident":         true,
	".loc":           true,
	".addrsig":       true,
	".addrsig_sym":   true,
	".att_syntax":    true,
	".code64":        true,
	".text_end":      true,
	".build_version": true,
}

func (s *assembly) directive(st *statement) error {
	if handled, err := s.backend.directive(s, st); handled || err != nil {
		return err
	}

	switch st.mnemonic {
	case ".text":
		s.switchTo(s.sectionBy[".text"])
	case ".data":
		s.switchTo(s.sectionBy[".data"])
	case ".bss":
		s.switchTo(s.sectionBy[".bss"])
	case ".section", ".pushsection":
		sec, err := s.sectionDirective(st)
		if err != nil {
			return err
		}
		if st.mnemonic == ".pushsection" {
			s.stack = append(s.stack, s.cur)
		}
		s.switchTo(sec)
	case ".popsection":
		if len(s.stack) == 0 {
			return s.errorf(st.col, ".popsection without corresponding .pushsection")
		}
		s.switchTo(s.stack[len(s.stack)-1])
		s.stack = s.stack[:len(s.stack)-1]
	case ".previous":
		if s.prev != nil {
			s.switchTo(s.prev)
		}

	case ".globl", ".global", ".weak", ".local", ".hidden", ".protected", ".internal":
		return s.symbolAttribute(st)
	case ".type":
		return s.typeDirective(st)
	case ".size":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		size, err := s.evalAbs(st.operands[1].text, st.operands[1].col)
		if err != nil {
			return err
		}
		s.symbol(symbolName(st.operands[0])).size = uint64(size)
	case ".set", ".equ", ".equiv":
		if err := s.wantOperands(st, 2, 2); err != nil {
			return err
		}
		return s.set(symbolName(st.operands[0]), st.operands[1].text, st.operands[1].col, st.mnemonic == ".equiv")

	case ".p2align", ".p2alignw", ".p2alignl":
		return s.alignDirective(st, true)
	case ".balign", ".balignw", ".balignl":
		return s.alignDirective(st, false)
	case ".align":
		return s.alignDirective(st, s.backend.alignIsPow2())

	case ".byte":
		return s.data(st, 1)
	case ".short", ".hword", ".2byte", ".half", ".value":
		return s.data(st, 2)
	case ".long", ".4byte", ".int":
		return s.data(st, 4)
	case ".word":
		return s.data(st, s.backend.wordSize())
	case ".quad", ".8byte", ".dword", ".xword":
		return s.data(st, 8)
	case ".ascii", ".asciz", ".string":
		return s.stringData(st, st.mnemonic != ".ascii")
	case ".zero", ".space", ".skip":
		return s.space(st)
	case ".fill":
		return s.fill(st)

	case ".comm":
		return s.common(st)
	case ".lcomm":
		return s.localCommon(st)

	case ".end":
		s.ended = true
	case ".intel_syntax":
		return s.errorf(st.col, "Intel syntax is not supported")
	default:
		if ignoredDirectives[st.mnemonic] || strings.HasPrefix(st.mnemonic, ".cfi_") {
			return nil
		}
		return s.warnf(st.col, "ignoring unknown directive %s", st.mnemonic)
	}
	return nil
}

func (s *assembly) sectionDirective(st *statement) (*section, error) {
	if len(st.operands) == 0 {
		return nil, s.errorf(st.col, "expected section name")
	}
	name := symbolName(st.operands[0])
	if sec, ok := s.sectionBy[name]; ok {
		return sec, nil
	}

	typ, flags := defaultSectionKind(name)
	if len(st.operands) > 1 {
		raw, err := unquote(st.operands[1].text)
		if err != nil {
			return nil, s.errorf(st.operands[1].col, "%v", err)
		}
		flags = 0
		for _, c := range raw {
			switch c {
			case 'a':
				flags |= elf.SHF_ALLOC
			case 'w':
				flags |= elf.SHF_WRITE
			case 'x':
				flags |= elf.SHF_EXECINSTR
			case 'M':
				flags |= elf.SHF_MERGE
			case 'S':
				flags |= elf.SHF_STRINGS
			case 'T':
				flags |= elf.SHF_TLS
			case 'G':
				flags |= elf.SHF_GROUP
			case 'o':
				flags |= elf.SHF_LINK_ORDER
			case 'R':
				flags |= elf.SectionFlag(0x100000)
			case 'e':
				flags |= elf.SectionFlag(0x80000000)
			default:
				return nil, s.errorf(st.operands[1].col, "unknown flag '%c' in section flags", c)
			}
		}
	}
	if len(st.operands) > 2 {
		switch strings.TrimLeft(strings.ToLower(st.operands[2].text), "@%") {
		case "progbits":
			typ = elf.SHT_PROGBITS
		case "nobits":
			typ = elf.SHT_NOBITS
		case "note":
			typ = elf.SHT_NOTE
		case "init_array":
			typ = elf.SHT_INIT_ARRAY
		case "fini_array":
			typ = elf.SHT_FINI_ARRAY
		default:
			return nil, s.errorf(st.operands[2].col, "unknown section type %s", st.operands[2].text)
		}
	}

	sec := s.getSection(name, typ, flags)
	if len(st.operands) > 3 && flags&elf.SHF_MERGE != 0 {
		entsize, err := s.evalAbs(st.operands[3].text, st.operands[3].col)
		if err != nil {
			return nil, err
		}
		sec.obj.EntSize = uint64(entsize)
	}
	return sec, nil
}

func defaultSectionKind(name string) (elf.SectionType, elf.SectionFlag) {
	has := func(prefix string) bool {
		return name == prefix || strings.HasPrefix(name, prefix+".")
	}
	switch {
	case has(".text"):
		return elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_EXECINSTR
	case has(".bss"), has(".sbss"):
		return elf.SHT_NOBITS, elf.SHF_ALLOC | elf.SHF_WRITE
	case has(".tbss"):
		return elf.SHT_NOBITS, elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS
	case has(".tdata"):
		return elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE | elf.SHF_TLS
	case has(".data"), has(".sdata"), has(".data.rel.ro"):
		return elf.SHT_PROGBITS, elf.SHF_ALLOC | elf.SHF_WRITE
	case has(".rodata"), has(".srodata"):
		return elf.SHT_PROGBITS, elf.SHF_ALLOC
	case has(".init_array"):
		return elf.SHT_INIT_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE
	case has(".fini_array"):
		return elf.SHT_FINI_ARRAY, elf.SHF_ALLOC | elf.SHF_WRITE
	case strings.HasPrefix(name, ".note"):
		return elf.SHT_NOTE, 0
	}
	return elf.SHT_PROGBITS, 0
}

func (s *assembly) symbolAttribute(st *statement) error {
	if len(st.operands) == 0 {
		return s.errorf(st.col, "expected symbol name")
	}
	for _, op := range st.operands {
		sym := s.symbol(symbolName(op))
		switch st.mnemonic {
		case ".globl", ".global":
			if sym.bind != elf.STB_WEAK {
				sym.bind = elf.STB_GLOBAL
			}
		case ".weak":
			sym.bind = elf.STB_WEAK
		case ".local":
			sym.bind = elf.STB_LOCAL
		case ".hidden":
			sym.vis = elf.STV_HIDDEN
		case ".protected":
			sym.vis = elf.STV_PROTECTED
		case ".internal":
			sym.vis = elf.STV_INTERNAL
		}
	}
	return nil
}

func (s *assembly) typeDirective(st *statement) error {
	if err := s.wantOperands(st, 2, 2); err != nil {
		return err
	}
	kind := strings.ToLower(strings.TrimLeft(st.operands[1].text, "@%\""))
	kind = strings.TrimSuffix(strings.TrimPrefix(kind, "stt_"), "\"")
	sym := s.symbol(symbolName(st.operands[0]))
	switch kind {
	case "function", "func":
		sym.typ = elf.STT_FUNC
	case "object":
		sym.typ = elf.STT_OBJECT
	case "notype":
		sym.typ = elf.STT_NOTYPE
	case "tls_object":
		sym.typ = elf.STT_TLS
	case "common":
		sym.typ = elf.STT_COMMON
	case "gnu_indirect_function":
		sym.typ = elf.STT_LOOS
	default:
		return s.errorf(st.operands[1].col, "unsupported symbol type %s", st.operands[1].text)
	}
	return nil
}

// set implements .set, .equ, .equiv and name = expr.
func (s *assembly) set(name, text string, col int, once bool) error {
	e, err := s.parseExpr(text, col)
	if err != nil {
		return err
	}
	sym := s.symbol(name)
	if sym.defined && (once || !sym.absolute) {
		return s.errorf(col, "redefinition of '%s'", name)
	}
	if sym.common {
		return s.errorf(col, "redefinition of '%s'", name)
	}

	switch {
	case e.mod != modNone:
		return s.errorf(col, "relocation specifier not allowed in symbol assignment")
	case e.isAbs():
		sym.defined = true
		sym.absolute = true
		sym.value = uint64(e.addend)
	case !e.pcrel && e.sym.defined && !e.sym.absolute:
		sym.defined = true
		sym.sec = e.sym.sec
		sym.value = e.sym.value + uint64(e.addend)
	default:
		return s.errorf(col, "symbol assignment needs an absolute value or a defined label")
	}
	return nil
}

func (s *assembly) alignDirective(st *statement, pow2 bool) error {
	if err := s.wantOperands(st, 1, 3); err != nil {
		return err
	}
	n, err := s.evalAbs(st.operands[0].text, st.operands[0].col)
	if err != nil {
		return err
	}
	align := uint64(n)
	if pow2 {
		if n < 0 || n > 32 {
			return s.errorf(st.operands[0].col, "invalid alignment exponent %d", n)
		}
		align = 1 << n
	}
	if align == 0 {
		align = 1
	}
	if !utils.HasSingleBit(align) {
		return s.errorf(st.operands[0].col, "alignment must be a power of 2")
	}

	var fill []byte
	if len(st.operands) > 1 && st.operands[1].text != "" {
		v, err := s.evalAbs(st.operands[1].text, st.operands[1].col)
		if err != nil {
			return err
		}
		fill = []byte{byte(v)}
	}
	var maxSkip uint64
	if len(st.operands) > 2 {
		v, err := s.evalAbs(st.operands[2].text, st.operands[2].col)
		if err != nil {
			return err
		}
		maxSkip = uint64(v)
	}

	s.alignTo(align, fill, maxSkip)
	return nil
}

func (s *assembly) alignTo(align uint64, fill []byte, maxSkip uint64) {
	sec := s.cur
	sec.obj.AddrAlign = max(sec.obj.AddrAlign, align)

	here := s.here()
	pad := utils.AlignTo(here, align) - here
	if pad == 0 || (maxSkip > 0 && pad > maxSkip) {
		return
	}
	switch {
	case sec.nobits():
		sec.obj.Size += pad
	case fill != nil:
		for range pad {
			s.emit(fill[0])
		}
	case sec.code:
		s.emit(s.backend.nop(pad)...)
	default:
		s.emit(make([]byte, pad)...)
	}
}

func (s *assembly) data(st *statement, size int) error {
	if s.cur.nobits() {
		return s.errorf(st.col, "cannot emit data in section %s", s.cur.obj.Name)
	}
	for _, op := range st.operands {
		e, err := s.parseExpr(op.text, op.col)
		if err != nil {
			return err
		}
		if e.mod != modNone {
			return s.errorf(op.col, "relocation specifier not allowed in data directive")
		}
		if e.isAbs() {
			if !fitsData(e.addend, size) {
				return s.errorf(op.col, "value %d does not fit in %d bytes", e.addend, size)
			}
			s.putData(size, uint64(e.addend))
			continue
		}

		typ, ok := s.backend.dataReloc(size, e.pcrel)
		if !ok {
			return s.errorf(op.col, "cannot emit a %d-byte relocation", size)
		}
		if err := s.addFixup(s.here(), typ, e, op.col); err != nil {
			return err
		}
		s.putData(size, 0)
	}
	return nil
}

func (s *assembly) stringData(st *statement, zero bool) error {
	if s.cur.nobits() {
		return s.errorf(st.col, "cannot emit data in section %s", s.cur.obj.Name)
	}
	for _, op := range st.operands {
		b, err := unquote(op.text)
		if err != nil {
			return s.errorf(op.col, "%v", err)
		}
		s.emit(b...)
		if zero {
			s.emit(0)
		}
	}
	return nil
}

func (s *assembly) space(st *statement) error {
	if err := s.wantOperands(st, 1, 2); err != nil {
		return err
	}
	n, err := s.evalAbs(st.operands[0].text, st.operands[0].col)
	if err != nil {
		return err
	}
	if n < 0 {
		return s.errorf(st.operands[0].col, "negative size %d", n)
	}
	var fill int64
	if len(st.operands) == 2 {
		if fill, err = s.evalAbs(st.operands[1].text, st.operands[1].col); err != nil {
			return err
		}
	}
	if s.cur.nobits() {
		if fill != 0 {
			return s.errorf(st.col, "non-zero fill in section %s", s.cur.obj.Name)
		}
		s.cur.obj.Size += uint64(n)
		return nil
	}
	for range n {
		s.emit(byte(fill))
	}
	return nil
}

func (s *assembly) fill(st *statement) error {
	if err := s.wantOperands(st, 1, 3); err != nil {
		return err
	}
	vals := []int64{0, 1, 0}
	for i, op := range st.operands {
		v, err := s.evalAbs(op.text, op.col)
		if err != nil {
			return err
		}
		vals[i] = v
	}
	repeat, size, v := vals[0], vals[1], vals[2]
	if repeat < 0 || size < 0 || size > 8 {
		return s.errorf(st.col, "invalid .fill arguments")
	}
	if s.cur.nobits() {
		if v != 0 {
			return s.errorf(st.col, "non-zero fill in section %s", s.cur.obj.Name)
		}
		s.cur.obj.Size += uint64(repeat * size)
		return nil
	}
	for range repeat {
		s.putData(int(size), uint64(v))
	}
	return nil
}

func defaultCommonAlign(size uint64) uint64 {
	if size == 0 {
		return 1
	}
	return min(uint64(1)<<(63-bits.LeadingZeros64(size)), 16)
}

func (s *assembly) commonArgs(st *statement) (*symbol, uint64, uint64, error) {
	if err := s.wantOperands(st, 2, 3); err != nil {
		return nil, 0, 0, err
	}
	sym := s.symbol(symbolName(st.operands[0]))
	if sym.defined || sym.common {
		return nil, 0, 0, s.errorf(st.operands[0].col, "symbol '%s' is already defined", sym.name)
	}
	size, err := s.evalAbs(st.operands[1].text, st.operands[1].col)
	if err != nil {
		return nil, 0, 0, err
	}
	if size < 0 {
		return nil, 0, 0, s.errorf(st.operands[1].col, "negative size %d", size)
	}
	align := defaultCommonAlign(uint64(size))
	if len(st.operands) == 3 {
		a, err := s.evalAbs(st.operands[2].text, st.operands[2].col)
		if err != nil {
			return nil, 0, 0, err
		}
		if a <= 0 || !utils.HasSingleBit(uint64(a)) {
			return nil, 0, 0, s.errorf(st.operands[2].col, "alignment must be a power of 2")
		}
		align = uint64(a)
	}
	return sym, uint64(size), align, nil
}

func (s *assembly) common(st *statement) error {
	sym, size, align, err := s.commonArgs(st)
	if err != nil {
		return err
	}
	sym.common = true
	sym.size = size
	sym.align = align
	if sym.bind == elf.STB_LOCAL {
		sym.bind = elf.STB_GLOBAL
	}
	return nil
}

func (s *assembly) localCommon(st *statement) error {
	sym, size, align, err := s.commonArgs(st)
	if err != nil {
		return err
	}
	bss := s.sectionBy[".bss"]
	bss.obj.AddrAlign = max(bss.obj.AddrAlign, align)
	bss.obj.Size = utils.AlignTo(bss.obj.Size, align)
	sym.defined = true
	sym.sec = bss
	sym.value = bss.obj.Size
	sym.size = size
	if sym.typ == elf.STT_NOTYPE {
		sym.typ = elf.STT_OBJECT
	}
	bss.obj.Size += size
	return nil
}
