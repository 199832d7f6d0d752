package jitlink

import (
	"errors"
	"sync"

	"github.com/ksco/jitld/pkg/utils"
)

const defaultPageSize = 4096

// ErrDeallocated reports use of an allocation after Deallocate.
var ErrDeallocated = errors.New("allocation already deallocated")

// SegmentRequest asks for one contiguous region with a single protection.
type SegmentRequest struct {
	Prot  MemProt
	Size  uint64
	Align uint64
}

// Segment is one allocated region. Addr is where the content will live in
// the executing process; WorkingMem is where the linker writes it.
type Segment struct {
	Prot       MemProt
	Addr       uint64
	WorkingMem []byte
}

// Allocation is the memory of one linked graph.
type Allocation interface {
	Segments() []Segment
	// FinalizeAsync applies the final protections and reports the outcome
	// through onFinalized.
	FinalizeAsync(onFinalized func(error))
	Deallocate() error
}

type MemoryManager interface {
	Allocate(g *LinkGraph, reqs []SegmentRequest) (Allocation, error)
}

// segmentOffsets places requests back to back, each on its own page.
func segmentOffsets(reqs []SegmentRequest, pageSize uint64) ([]uint64, uint64) {
	offsets := make([]uint64, len(reqs))
	var off uint64
	for i, req := range reqs {
		off = utils.AlignTo(off, max(pageSize, req.Align))
		offsets[i] = off
		off += req.Size
	}
	return offsets, utils.AlignTo(off, pageSize)
}

// SlabMemoryManager hands out addresses from a fixed base. Working memory
// is ordinary Go memory, so the linked code is inspectable but not
// executable. Addresses are deterministic, which makes it suitable for
// golden output.
type SlabMemoryManager struct {
	mu   sync.Mutex
	next uint64
}

func NewSlabMemoryManager(base uint64) *SlabMemoryManager {
	return &SlabMemoryManager{next: base}
}

func (m *SlabMemoryManager) Allocate(_ *LinkGraph, reqs []SegmentRequest) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offsets, total := segmentOffsets(reqs, defaultPageSize)
	base := utils.AlignTo(m.next, defaultPageSize)
	m.next = base + total

	a := &slabAllocation{}
	for i, req := range reqs {
		a.segments = append(a.segments, Segment{
			Prot:       req.Prot,
			Addr:       base + offsets[i],
			WorkingMem: make([]byte, req.Size),
		})
	}
	return a, nil
}

type slabAllocation struct {
	mu          sync.Mutex
	segments    []Segment
	deallocated bool
}

func (a *slabAllocation) Segments() []Segment {
	return a.segments
}

func (a *slabAllocation) FinalizeAsync(onFinalized func(error)) {
	a.mu.Lock()
	dead := a.deallocated
	a.mu.Unlock()
	if dead {
		onFinalized(ErrDeallocated)
		return
	}
	onFinalized(nil)
}

func (a *slabAllocation) Deallocate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deallocated = true
	a.segments = nil
	return nil
}
