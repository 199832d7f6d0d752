//go:build unix

package jitlink

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInProcessMemoryManager(t *testing.T) {
	mm := NewInProcessMemoryManager()
	a, err := mm.Allocate(nil, []SegmentRequest{
		{Prot: MemProtRead | MemProtExec, Size: 16, Align: 16},
		{Prot: MemProtRead | MemProtWrite, Size: 8, Align: 8},
	})
	require.NoError(t, err)

	segs := a.Segments()
	require.Len(t, segs, 2)
	for _, seg := range segs {
		// Working memory is the executable memory itself.
		assert.Equal(t, seg.Addr, uint64(uintptr(unsafe.Pointer(&seg.WorkingMem[0]))))
	}
	segs[0].WorkingMem[0] = 0xc3
	segs[1].WorkingMem[0] = 0x2a

	var finalizeErr error
	called := false
	a.FinalizeAsync(func(err error) {
		called = true
		finalizeErr = err
	})
	require.True(t, called)
	require.NoError(t, finalizeErr)
	assert.Equal(t, byte(0xc3), segs[0].WorkingMem[0])
	// Writable segments stay writable.
	segs[1].WorkingMem[1] = 1

	require.NoError(t, a.Deallocate())
	require.NoError(t, a.Deallocate())
	a.FinalizeAsync(func(err error) { finalizeErr = err })
	assert.ErrorIs(t, finalizeErr, ErrDeallocated)
}

func TestInProcessLinkX86(t *testing.T) {
	ctx := newRecordingContext(assembleObject(t, x86Triple, `
	.globl foo
foo:
	leaq counter(%rip), %rax
	ret
	.data
	.globl counter
counter:
	.quad 7
`))
	ctx.mm = NewInProcessMemoryManager()
	link(t, ctx)

	require.NoError(t, ctx.err)
	defer func() { require.NoError(t, ctx.alloc.Deallocate()) }()
	foo := ctx.graph.FindDefinedSymbol("foo")
	counter := ctx.graph.FindDefinedSymbol("counter")
	disp := int32(counter.Address() - (foo.Address() + 7))
	text := foo.Block().Content()
	assert.Equal(t, disp, int32(uint32(text[3])|uint32(text[4])<<8|uint32(text[5])<<16|uint32(text[6])<<24))
}
