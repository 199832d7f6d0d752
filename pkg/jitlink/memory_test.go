package jitlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentOffsets(t *testing.T) {
	offsets, total := segmentOffsets([]SegmentRequest{
		{Prot: MemProtRead | MemProtExec, Size: 10, Align: 4},
		{Prot: MemProtRead, Size: 4097, Align: 8},
		{Prot: MemProtRead | MemProtWrite, Size: 1, Align: 0x4000},
	}, 4096)
	assert.Equal(t, []uint64{0, 0x1000, 0x4000}, offsets)
	assert.Equal(t, uint64(0x5000), total)
}

func TestSlabMemoryManager(t *testing.T) {
	mm := NewSlabMemoryManager(0x10010)
	reqs := []SegmentRequest{
		{Prot: MemProtRead | MemProtExec, Size: 0x20, Align: 16},
		{Prot: MemProtRead | MemProtWrite, Size: 8, Align: 8},
	}

	a, err := mm.Allocate(nil, reqs)
	require.NoError(t, err)
	segs := a.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, uint64(0x11000), segs[0].Addr)
	assert.Equal(t, uint64(0x12000), segs[1].Addr)
	assert.Len(t, segs[0].WorkingMem, 0x20)
	assert.Equal(t, reqs[1].Prot, segs[1].Prot)

	// A second allocation never overlaps the first.
	b, err := mm.Allocate(nil, reqs)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x13000), b.Segments()[0].Addr)

	var finalized []error
	a.FinalizeAsync(func(err error) { finalized = append(finalized, err) })
	require.NoError(t, a.Deallocate())
	assert.Empty(t, a.Segments())
	a.FinalizeAsync(func(err error) { finalized = append(finalized, err) })
	assert.Equal(t, []error{nil, ErrDeallocated}, finalized)
}
