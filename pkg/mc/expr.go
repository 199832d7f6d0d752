package mc

import (
	"fmt"
	"strconv"
	"strings"
)

type modifier uint8

const (
	modNone modifier = iota
	modHi
	modLo
	modPCRelHi
	modPCRelLo
	modGotPCRelHi
	modLo12
	modGotPage
	modGotLo12
	modAbsG0
	modAbsG1
	modAbsG2
	modAbsG3
	modPLT
	modGOTPCREL
)

var riscvModifiers = map[string]modifier{
	"hi":           modHi,
	"lo":           modLo,
	"pcrel_hi":     modPCRelHi,
	"pcrel_lo":     modPCRelLo,
	"got_pcrel_hi": modGotPCRelHi,
}

var aarch64Modifiers = map[string]modifier{
	"lo12":       modLo12,
	"got":        modGotPage,
	"got_lo12":   modGotLo12,
	"abs_g0":     modAbsG0,
	"abs_g0_nc":  modAbsG0,
	"abs_g1":     modAbsG1,
	"abs_g1_nc":  modAbsG1,
	"abs_g2":     modAbsG2,
	"abs_g2_nc":  modAbsG2,
	"abs_g3":     modAbsG3,
	"pg_hi21":    modNone,
	"pg_hi21_nc": modNone,
}

var x86Modifiers = map[string]modifier{
	"plt":      modPLT,
	"gotpcrel": modGOTPCREL,
}

// expr is an evaluated operand expression: an optional symbol plus addend,
// possibly wrapped in a relocation modifier.
type expr struct {
	sym    *symbol
	addend int64
	mod    modifier
	// pcrel is set for sym - base where base lies in the current section.
	pcrel bool
	base  uint64
}

func (e expr) isAbs() bool {
	return e.sym == nil && !e.pcrel
}

// value is the intermediate form used while folding an expression.
type value struct {
	sym *symbol
	neg *symbol
	off int64
}

func (v value) isAbs() bool {
	return v.sym == nil && v.neg == nil
}

func sameSection(a, b *symbol) bool {
	return a.defined && b.defined && a.sec != nil && a.sec == b.sec
}

type exprParser struct {
	s    *assembly
	text string
	pos  int
}

func (p *exprParser) skip() {
	p.pos = skipSpaces(p.text, p.pos)
}

func (p *exprParser) peek(op string) bool {
	p.skip()
	return strings.HasPrefix(p.text[p.pos:], op)
}

func (p *exprParser) accept(op string) bool {
	if p.peek(op) {
		p.pos += len(op)
		return true
	}
	return false
}

func (p *exprParser) binary(level int) (value, error) {
	levels := [][]string{
		{"|"},
		{"^"},
		{"&"},
		{"<<", ">>"},
		{"+", "-"},
		{"*", "/", "%"},
	}
	if level == len(levels) {
		return p.unary()
	}

	lhs, err := p.binary(level + 1)
	if err != nil {
		return value{}, err
	}
	for {
		var op string
		for _, candidate := range levels[level] {
			if p.peek(candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return lhs, nil
		}
		p.pos += len(op)
		rhs, err := p.binary(level + 1)
		if err != nil {
			return value{}, err
		}
		if lhs, err = p.apply(op, lhs, rhs); err != nil {
			return value{}, err
		}
	}
}

func (p *exprParser) apply(op string, lhs, rhs value) (value, error) {
	switch op {
	case "+":
		if lhs.sym != nil && rhs.sym != nil {
			return value{}, fmt.Errorf("cannot add two symbols")
		}
		if lhs.neg != nil && rhs.neg != nil {
			return value{}, fmt.Errorf("expression is not relocatable")
		}
		out := value{sym: lhs.sym, neg: lhs.neg, off: lhs.off + rhs.off}
		if out.sym == nil {
			out.sym = rhs.sym
		}
		if out.neg == nil {
			out.neg = rhs.neg
		}
		return p.fold(out), nil
	case "-":
		if rhs.neg != nil {
			return value{}, fmt.Errorf("expression is not relocatable")
		}
		out := value{sym: lhs.sym, neg: lhs.neg, off: lhs.off - rhs.off}
		if rhs.sym != nil {
			if out.neg != nil {
				return value{}, fmt.Errorf("expression is not relocatable")
			}
			out.neg = rhs.sym
		}
		return p.fold(out), nil
	}

	if !lhs.isAbs() || !rhs.isAbs() {
		return value{}, fmt.Errorf("operator %s requires absolute operands", op)
	}
	a, b := lhs.off, rhs.off
	switch op {
	case "*":
		return value{off: a * b}, nil
	case "/", "%":
		if b == 0 {
			return value{}, fmt.Errorf("division by zero")
		}
		if op == "/" {
			return value{off: a / b}, nil
		}
		return value{off: a % b}, nil
	case "<<":
		return value{off: a << uint64(b)}, nil
	case ">>":
		return value{off: a >> uint64(b)}, nil
	case "&":
		return value{off: a & b}, nil
	case "^":
		return value{off: a ^ b}, nil
	case "|":
		return value{off: a | b}, nil
	}
	return value{}, fmt.Errorf("unknown operator %s", op)
}

// fold turns the difference of two symbols in one section into a constant.
func (p *exprParser) fold(v value) value {
	if v.sym != nil && v.neg != nil && sameSection(v.sym, v.neg) {
		return value{off: v.off + int64(v.sym.value) - int64(v.neg.value)}
	}
	return v
}

func (p *exprParser) unary() (value, error) {
	switch {
	case p.accept("-"):
		v, err := p.unary()
		if err != nil {
			return value{}, err
		}
		if !v.isAbs() {
			return value{}, fmt.Errorf("cannot negate a symbol")
		}
		return value{off: -v.off}, nil
	case p.accept("~"):
		v, err := p.unary()
		if err != nil {
			return value{}, err
		}
		if !v.isAbs() {
			return value{}, fmt.Errorf("cannot complement a symbol")
		}
		return value{off: ^v.off}, nil
	case p.accept("+"):
		return p.unary()
	}
	return p.primary()
}

func (p *exprParser) primary() (value, error) {
	p.skip()
	if p.pos >= len(p.text) {
		return value{}, fmt.Errorf("expected expression")
	}

	c := p.text[p.pos]
	switch {
	case c == '(':
		p.pos++
		v, err := p.binary(0)
		if err != nil {
			return value{}, err
		}
		if !p.accept(")") {
			return value{}, fmt.Errorf("expected ')'")
		}
		return v, nil
	case c == '\'':
		return p.char()
	case isDigit(c):
		return p.number()
	case c == '.' && (p.pos+1 >= len(p.text) || !isIdentChar(p.text[p.pos+1])):
		p.pos++
		return value{sym: p.s.dot()}, nil
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.text) && isIdentChar(p.text[p.pos]) {
			p.pos++
		}
		return p.s.symbolValue(p.text[start:p.pos]), nil
	case c == '"':
		end := strings.IndexByte(p.text[p.pos+1:], '"')
		if end < 0 {
			return value{}, fmt.Errorf("unterminated quoted symbol")
		}
		name := p.text[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		return p.s.symbolValue(name), nil
	}
	return value{}, fmt.Errorf("unexpected character %q in expression", c)
}

func (p *exprParser) char() (value, error) {
	p.pos++
	if p.pos >= len(p.text) {
		return value{}, fmt.Errorf("unterminated character literal")
	}
	c := p.text[p.pos]
	p.pos++
	if c == '\\' && p.pos < len(p.text) {
		decoded, err := unquote(`"\` + p.text[p.pos:p.pos+1] + `"`)
		if err != nil {
			return value{}, err
		}
		c = decoded[0]
		p.pos++
	}
	if p.pos < len(p.text) && p.text[p.pos] == '\'' {
		p.pos++
	}
	return value{off: int64(c)}, nil
}

func (p *exprParser) number() (value, error) {
	start := p.pos
	for p.pos < len(p.text) && isIdentChar(p.text[p.pos]) {
		p.pos++
	}
	tok := p.text[start:p.pos]

	// Numeric local label references: 1b, 2f.
	if n := len(tok); n > 1 && (tok[n-1] == 'b' || tok[n-1] == 'f') && isDecimal(tok[:n-1]) {
		label, err := strconv.Atoi(tok[:n-1])
		if err != nil {
			return value{}, err
		}
		sym, err := p.s.numericLabelRef(label, tok[n-1] == 'f')
		if err != nil {
			return value{}, err
		}
		return value{sym: sym}, nil
	}

	v, err := parseInt(tok)
	if err != nil {
		return value{}, err
	}
	return value{off: v}, nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// parseInt accepts decimal, 0x hex, 0b binary and leading-zero octal.
func parseInt(tok string) (int64, error) {
	base := 10
	digits := tok
	switch {
	case strings.HasPrefix(tok, "0x"), strings.HasPrefix(tok, "0X"):
		base, digits = 16, tok[2:]
	case strings.HasPrefix(tok, "0b"), strings.HasPrefix(tok, "0B"):
		base, digits = 2, tok[2:]
	case len(tok) > 1 && tok[0] == '0':
		base, digits = 8, tok[1:]
	}
	u, err := strconv.ParseUint(digits, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", tok)
	}
	return int64(u), nil
}

// splitModifier peels a relocation specifier off text in the syntax of the
// current architecture.
func (s *assembly) splitModifier(text string) (string, modifier, error) {
	text = strings.TrimSpace(text)
	switch s.backend.modifierSyntax() {
	case '%':
		if !strings.HasPrefix(text, "%") {
			return text, modNone, nil
		}
		open := strings.IndexByte(text, '(')
		if open < 0 || !strings.HasSuffix(text, ")") {
			return "", modNone, fmt.Errorf("malformed relocation specifier %q", text)
		}
		mod, ok := riscvModifiers[strings.ToLower(text[1:open])]
		if !ok {
			return "", modNone, fmt.Errorf("unknown relocation specifier %%%s", text[1:open])
		}
		return text[open+1 : len(text)-1], mod, nil
	case ':':
		if !strings.HasPrefix(text, ":") {
			return text, modNone, nil
		}
		end := strings.IndexByte(text[1:], ':')
		if end < 0 {
			return "", modNone, fmt.Errorf("malformed relocation specifier %q", text)
		}
		name := strings.ToLower(text[1 : 1+end])
		mod, ok := aarch64Modifiers[name]
		if !ok {
			return "", modNone, fmt.Errorf("unknown relocation specifier :%s:", name)
		}
		return text[end+2:], mod, nil
	case '@':
		depth := 0
		for i := 0; i < len(text); i++ {
			switch text[i] {
			case '(':
				depth++
			case ')':
				depth--
			case '@':
				if depth != 0 {
					continue
				}
				mod, ok := x86Modifiers[strings.ToLower(text[i+1:])]
				if !ok {
					return "", modNone, fmt.Errorf("unknown relocation specifier @%s", text[i+1:])
				}
				return text[:i], mod, nil
			}
		}
	}
	return text, modNone, nil
}

// parseExpr evaluates an operand expression at the current location.
func (s *assembly) parseExpr(text string, col int) (expr, error) {
	inner, mod, err := s.splitModifier(text)
	if err != nil {
		return expr{}, s.errorf(col, "%v", err)
	}

	p := &exprParser{s: s, text: inner}
	v, err := p.binary(0)
	if err != nil {
		return expr{}, s.errorf(col, "%v", err)
	}
	p.skip()
	if p.pos != len(p.text) {
		return expr{}, s.errorf(col+p.pos, "unexpected token in expression: %q", p.text[p.pos:])
	}

	e := expr{sym: v.sym, addend: v.off, mod: mod}
	if v.neg != nil {
		if !v.neg.defined || v.neg.sec != s.cur {
			return expr{}, s.errorf(col, "expression is not relocatable: cannot subtract %s", v.neg.name)
		}
		e.pcrel = true
		e.base = v.neg.value
	}
	return e, nil
}

// evalAbs evaluates an expression that must fold to a constant.
func (s *assembly) evalAbs(text string, col int) (int64, error) {
	e, err := s.parseExpr(text, col)
	if err != nil {
		return 0, err
	}
	if !e.isAbs() || e.mod != modNone {
		return 0, s.errorf(col, "expected absolute expression")
	}
	return e.addend, nil
}
