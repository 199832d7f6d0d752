package mc

import (
	"fmt"
	"strconv"
	"strings"
)

// statement is one label-stripped instruction or directive.
type statement struct {
	line     int
	col      int
	mnemonic string
	operands []operand
}

type operand struct {
	text string
	col  int
}

// rawStatement is a ';'-separated piece of a source line.
type rawStatement struct {
	line int
	col  int
	text string
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '.' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\f' || c == '\v'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// stripComments blanks out comments while keeping columns stable.
func stripComments(line, lineComment string) string {
	buf := []byte(line)
	inString := false
	for i := 0; i < len(buf); i++ {
		c := buf[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == '\'' && i+1 < len(buf):
			// Character literal such as 'a or '#'.
			i++
			if buf[i] == '\\' {
				i++
			}
			if i+1 < len(buf) && buf[i+1] == '\'' {
				i++
			}
		case strings.HasPrefix(string(buf[i:]), "/*"):
			end := strings.Index(string(buf[i+2:]), "*/")
			if end < 0 {
				return string(buf[:i])
			}
			for j := i; j < i+2+end+2; j++ {
				buf[j] = ' '
			}
		case strings.HasPrefix(string(buf[i:]), lineComment):
			return string(buf[:i])
		}
	}
	return string(buf)
}

// splitStatements splits a comment-free line on ';'.
func splitStatements(line string, lineNo int) []rawStatement {
	var out []rawStatement
	start := 0
	inString := false
	for i := 0; i <= len(line); i++ {
		if i < len(line) {
			c := line[i]
			if inString {
				if c == '\\' {
					i++
				} else if c == '"' {
					inString = false
				}
				continue
			}
			if c == '"' {
				inString = true
				continue
			}
			if c != ';' {
				continue
			}
		}
		out = append(out, rawStatement{line: lineNo, col: start + 1, text: line[start:i]})
		start = i + 1
	}
	return out
}

// scanLabel recognises a leading "name:" and returns the name and the
// remaining text offset.
func scanLabel(text string, pos int) (string, int, bool) {
	i := pos
	if i < len(text) && text[i] == '"' {
		end := strings.IndexByte(text[i+1:], '"')
		if end < 0 {
			return "", pos, false
		}
		name := text[i+1 : i+1+end]
		i += end + 2
		if i < len(text) && text[i] == ':' {
			return name, i + 1, true
		}
		return "", pos, false
	}
	for i < len(text) && isIdentChar(text[i]) {
		i++
	}
	if i == pos || i >= len(text) || text[i] != ':' {
		return "", pos, false
	}
	return text[pos:i], i + 1, true
}

func skipSpaces(text string, i int) int {
	for i < len(text) && isSpace(text[i]) {
		i++
	}
	return i
}

// splitOperands splits on commas that are not nested in brackets, braces,
// parentheses or string literals.
func splitOperands(text string, baseCol int) ([]operand, error) {
	var ops []operand
	depth := 0
	inString := false
	start := 0
	flush := func(end int) error {
		raw := text[start:end]
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			return fmt.Errorf("missing operand")
		}
		lead := len(raw) - len(strings.TrimLeft(raw, " \t"))
		ops = append(ops, operand{text: trimmed, col: baseCol + start + lead})
		return nil
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				if err := flush(i); err != nil {
					return nil, err
				}
				start = i + 1
			}
		}
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if err := flush(len(text)); err != nil {
		return nil, err
	}
	return ops, nil
}

// unquote decodes a GNU as string literal.
func unquote(s string) ([]byte, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return nil, fmt.Errorf("expected string literal, got %q", s)
	}
	s = s[1 : len(s)-1]
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("unterminated escape in string literal")
		}
		switch c = s[i]; c {
		case 'n':
			out = append(out, '\n')
		case 't':
			out = append(out, '\t')
		case 'r':
			out = append(out, '\r')
		case 'b':
			out = append(out, '\b')
		case 'f':
			out = append(out, '\f')
		case 'v':
			out = append(out, '\v')
		case 'a':
			out = append(out, '\a')
		case 'x', 'X':
			j := i + 1
			for j < len(s) && strings.IndexByte("0123456789abcdefABCDEF", s[j]) >= 0 {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("invalid \\x escape")
			}
			v, err := strconv.ParseUint(s[i+1:j], 16, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, byte(v))
			i = j - 1
		case '0', '1', '2', '3', '4', '5', '6', '7':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7' {
				j++
			}
			v, _ := strconv.ParseUint(s[i:j], 8, 16)
			out = append(out, byte(v))
			i = j - 1
		default:
			out = append(out, c)
		}
	}
	return out, nil
}
