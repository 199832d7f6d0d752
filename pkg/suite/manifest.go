// Package suite runs link test cases described in a TOML manifest.
//
//	[[case]]
//	name = "return-constant"
//	triple = "x86_64-unknown-linux-gnu"
//	asm = """
//	  .globl foo
//	foo:
//	  movl $42, %eax
//	  ret
//	"""
//	[[case.imm]]
//	symbol = "foo"
//	operand = 1
//	value = 42
package suite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ksco/jitld/pkg/mc"
)

type Manifest struct {
	Cases []Case `toml:"case"`

	// Dir resolves relative asm_file paths.
	Dir string `toml:"-"`
}

type Case struct {
	Name           string            `toml:"name"`
	Triple         string            `toml:"triple"`
	PIC            bool              `toml:"pic"`
	LargeCodeModel bool              `toml:"large_code_model"`
	Asm            string            `toml:"asm"`
	AsmFile        string            `toml:"asm_file"`
	Options        mc.TargetOptions  `toml:"options"`
	Externals      map[string]uint64 `toml:"externals"`
	// Base links at fixed addresses from this base instead of into
	// process memory.
	Base uint64 `toml:"base"`
	// ExpectError, when set, makes the case pass only if assembling or
	// linking fails with an error containing it.
	ExpectError string `toml:"expect_error"`

	Reads   []ReadCheck   `toml:"read"`
	Edges   []EdgeCheck   `toml:"edges"`
	Imms    []ImmCheck    `toml:"imm"`
	Symbols []SymbolCheck `toml:"symbol"`
}

// ReadCheck compares the integer at symbol+offset.
type ReadCheck struct {
	Symbol string `toml:"symbol"`
	Offset uint64 `toml:"offset"`
	Width  int    `toml:"width"`
	Signed bool   `toml:"signed"`
	Value  int64  `toml:"value"`
}

// EdgeCheck counts edges of the block defining Symbol. Kind is an edge
// kind name, "branch" for any call or jump, or empty for every edge.
type EdgeCheck struct {
	Symbol string `toml:"symbol"`
	Kind   string `toml:"kind"`
	Count  int    `toml:"count"`
}

// ImmCheck decodes the instruction at symbol+offset and compares one of
// its immediate operands.
type ImmCheck struct {
	Symbol  string `toml:"symbol"`
	Offset  uint64 `toml:"offset"`
	Operand int    `toml:"operand"`
	Op      string `toml:"op"`
	Value   int64  `toml:"value"`
}

type SymbolCheck struct {
	Name    string `toml:"name"`
	Class   string `toml:"class"`
	Address uint64 `toml:"address"`
	NonZero bool   `toml:"nonzero"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if err := m.check(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Parse decodes a manifest held in memory. asm_file paths are resolved
// against dir.
func Parse(data, dir string) (*Manifest, error) {
	var m Manifest
	meta, err := toml.Decode(data, &m)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	m.Dir = dir
	if err := m.check(meta); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) check(meta toml.MetaData) error {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}

	seen := make(map[string]bool, len(m.Cases))
	for i := range m.Cases {
		c := &m.Cases[i]
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("case %d: missing name", i+1)
		}
		if seen[c.Name] {
			return fmt.Errorf("case %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if c.Triple == "" {
			return fmt.Errorf("case %q: missing triple", c.Name)
		}
		if (c.Asm == "") == (c.AsmFile == "") {
			return fmt.Errorf("case %q: exactly one of asm and asm_file is required", c.Name)
		}
		for _, r := range c.Reads {
			switch r.Width {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("case %q: read of %s: width must be 1, 2, 4 or 8", c.Name, r.Symbol)
			}
		}
		for _, s := range c.Symbols {
			switch s.Class {
			case "", "defined", "external", "absolute":
			default:
				return fmt.Errorf("case %q: symbol %s: unknown class %q", c.Name, s.Name, s.Class)
			}
		}
	}
	return nil
}

// Source returns the case's assembly text.
func (m *Manifest) Source(c *Case) (string, error) {
	if c.AsmFile == "" {
		return c.Asm, nil
	}
	path := c.AsmFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.Dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("case %q: %w", c.Name, err)
	}
	return string(data), nil
}
