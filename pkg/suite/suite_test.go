package suite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLoad(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "basic.toml"))
	require.NoError(t, err)
	require.Len(t, m.Cases, 3)
	assert.Equal(t, "testdata", m.Dir)

	c := m.Cases[0]
	assert.Equal(t, "foo_x86.s", c.AsmFile)
	assert.Equal(t, uint64(0x10000), c.Base)
	assert.Equal(t, map[string]uint64{"bar": 0x20000}, c.Externals)
	assert.Equal(t, []ImmCheck{{Symbol: "foo", Op: "mov", Operand: 1, Value: 42}}, c.Imms)
	assert.Len(t, c.Edges, 2)

	src, err := m.Source(&c)
	require.NoError(t, err)
	assert.Contains(t, src, "movl $42, %eax")

	assert.Equal(t, []ReadCheck{{Symbol: "counter", Width: 4, Signed: true, Value: -3}}, m.Cases[1].Reads)
	assert.Equal(t, "symbol not found: nowhere", m.Cases[2].ExpectError)
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name, manifest, want string
	}{
		{"syntax", "[[case]\n", "failed to parse TOML"},
		{"unknown key", "[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\ncolour = 1\n", "unknown keys: case.colour"},
		{"no name", "[[case]]\ntriple = \"x\"\nasm = \"ret\"\n", "case 1: missing name"},
		{"duplicate", "[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\n[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\n", `case "a": duplicate name`},
		{"no triple", "[[case]]\nname = \"a\"\nasm = \"ret\"\n", "missing triple"},
		{"no source", "[[case]]\nname = \"a\"\ntriple = \"x\"\n", "exactly one of asm and asm_file"},
		{"two sources", "[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\nasm_file = \"a.s\"\n", "exactly one of asm and asm_file"},
		{"width", "[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\n[[case.read]]\nsymbol = \"s\"\nwidth = 3\n", "width must be"},
		{"class", "[[case]]\nname = \"a\"\ntriple = \"x\"\nasm = \"ret\"\n[[case.symbol]]\nname = \"s\"\nclass = \"common\"\n", `unknown class "common"`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.manifest, ".")
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestRun(t *testing.T) {
	m, err := Load(filepath.Join("testdata", "basic.toml"))
	require.NoError(t, err)

	results, err := Run(context.Background(), m, 2, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	want := []Result{
		{Name: "x86-return-constant", Status: StatusPass},
		{Name: "riscv-return-constant", Status: StatusPass},
		{Name: "missing-external", Status: StatusPass},
	}
	if diff := cmp.Diff(want, results, cmpopts.IgnoreFields(Result{}, "Duration"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsFailures(t *testing.T) {
	m, err := Parse(`
[[case]]
name = "wrong-values"
triple = "x86_64-unknown-linux-gnu"
asm = """
	.globl foo
foo:
	movl $41, %eax
	ret
"""
  [[case.imm]]
  symbol = "foo"
  operand = 1
  value = 42
  [[case.imm]]
  symbol = "foo"
  operand = 0
  value = 0
  [[case.read]]
  symbol = "nothing"
  width = 4
  value = 0
  [[case.symbol]]
  name = "ghost"

[[case]]
name = "bad-asm"
triple = "x86_64-unknown-linux-gnu"
asm = "frobnicate"

[[case]]
name = "expected-asm-error"
triple = "x86_64-unknown-linux-gnu"
asm = "frobnicate"
expect_error = "<inline asm>:1:"

[[case]]
name = "unexpected-success"
triple = "x86_64-unknown-linux-gnu"
asm = "ret"
expect_error = "boom"

[[case]]
name = "unsupported"
triple = "mips-unknown-linux-gnu"
asm = "nop"
`, ".")
	require.NoError(t, err)

	results, err := Run(context.Background(), m, 0, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	require.Len(t, results, 5)

	wrong := results[0]
	assert.Equal(t, StatusFail, wrong.Status)
	require.Len(t, wrong.Messages, 4)
	assert.Equal(t, "operand 1 of foo+0x0: got 41, want 42", wrong.Messages[2])
	assert.Contains(t, wrong.Messages[3], "operand is not an immediate")
	assert.Equal(t, `no symbol "ghost"`, wrong.Messages[0])
	assert.Contains(t, wrong.Messages[1], "read nothing+0x0: symbol not found")

	assert.Equal(t, StatusFail, results[1].Status)
	assert.Equal(t, StatusPass, results[2].Status)
	assert.Equal(t, StatusFail, results[3].Status)
	assert.Equal(t, []string{`expected an error containing "boom", but linking succeeded`}, results[3].Messages)
	assert.Equal(t, StatusSkip, results[4].Status)
}

func TestRunCancelled(t *testing.T) {
	m, err := Parse(`
[[case]]
name = "a"
triple = "x86_64-unknown-linux-gnu"
asm = "ret"
`, ".")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := Run(ctx, m, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusSkip, results[0].Status)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pass", StatusPass.String())
	assert.Equal(t, "fail", StatusFail.String())
	assert.Equal(t, "skip", StatusSkip.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
