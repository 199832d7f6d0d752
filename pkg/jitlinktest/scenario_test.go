package jitlinktest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ksco/jitld/pkg/jitlink"
	"github.com/ksco/jitld/pkg/mc"
)

type scenario struct {
	triple string
	src    string
	// immOperand is the operand of foo's first instruction holding 42.
	immOperand int
	immOp      string
}

var scenarios = []scenario{
	{
		triple: x86Triple,
		src: `
	.text
	.globl foo
	.type foo, @function
foo:
	movl $0x2a, %eax
	ret
	.globl caller
	.type caller, @function
caller:
	call bar
	ret
	.data
	.globl counter
	.p2align 3
counter:
	.quad 7
`,
		immOperand: 1,
		immOp:      "mov",
	},
	{
		triple: a64Triple,
		src: `
	.text
	.globl foo
	.type foo, %function
foo:
	mov w0, #0x2a
	ret
	.globl caller
	.type caller, %function
caller:
	stp x29, x30, [sp, #-16]!
	bl bar
	ldp x29, x30, [sp], #16
	ret
	.data
	.globl counter
	.p2align 3
counter:
	.quad 7
`,
		immOperand: 1,
		immOp:      "mov",
	},
	{
		triple: rvTriple,
		src: `
	.text
	.globl foo
	.type foo, @function
foo:
	li a0, 0x2a
	ret
	.globl caller
	.type caller, @function
caller:
	addi sp, sp, -16
	sd ra, 8(sp)
	call bar
	ld ra, 8(sp)
	addi sp, sp, 16
	ret
	.data
	.globl counter
	.p2align 3
counter:
	.quad 7
`,
		immOperand: 2,
		immOp:      "addi",
	},
}

func TestScenarios(t *testing.T) {
	for _, sc := range scenarios {
		t.Run(sc.triple, func(t *testing.T) {
			res := GetTestResources(t, sc.src, sc.triple, false, false, mc.TargetOptions{})

			ran := false
			ctx := NewContext(t, res, func(g *jitlink.LinkGraph) error {
				ran = true
				assert.NotZero(t, SymbolAddr(g, "foo"))

				foo := FindSymbol(g, "foo")
				inst, _, err := Disassemble(res.Disassembler(), foo.Block(), foo.Offset())
				require.NoError(t, err)
				assert.Equal(t, sc.immOp, inst.Op)
				imm, err := DecodeImmediateOperand(res.Disassembler(), foo.Block(), sc.immOperand, foo.Offset())
				require.NoError(t, err)
				assert.Equal(t, int64(42), imm)

				counter, err := ReadSymbolInt[uint64](g, "counter", 0)
				require.NoError(t, err)
				assert.Equal(t, uint64(7), counter)

				assert.Equal(t, 1, CountSymbolEdgesMatching(g, "caller", IsBranchEdge(g)))
				return nil
			})
			ctx.SetLogger(zaptest.NewLogger(t))
			ctx.AddExternal("bar", 0x1000)

			require.NoError(t, ctx.Link())
			assert.True(t, ran)
			assert.Equal(t, StateFinalized, ctx.State())
		})
	}
}

// The linked code is mapped in this process at the addresses it was
// linked for, so PC-relative references decode to the real target.
func TestScenarioCallTargetsStub(t *testing.T) {
	res := GetTestResources(t, scenarios[0].src, x86Triple, false, false, mc.TargetOptions{})
	ctx := NewContext(t, res, func(g *jitlink.LinkGraph) error {
		caller := FindSymbol(g, "caller")
		inst, n, err := Disassemble(res.Disassembler(), caller.Block(), caller.Offset())
		require.NoError(t, err)
		assert.Equal(t, "call", inst.Op)
		assert.Equal(t, 5, n)

		call := caller.Block().Edges()[0]
		assert.Equal(t, int64(call.Target.Address()), inst.Operands[0].Imm)
		assert.Equal(t, "bar", jitlink.StubTarget(call.Target).Name())
		return nil
	})
	ctx.SetLogger(zaptest.NewLogger(t))
	ctx.AddExternal("bar", 0x1000)
	require.NoError(t, ctx.Link())
}
