//go:build !unix

package jitlink

import (
	"unsafe"

	"github.com/ksco/jitld/pkg/utils"
)

// NewInProcessMemoryManager allocates from the Go heap. Protections are
// not applied on this platform, so linked code is not executable.
func NewInProcessMemoryManager() MemoryManager {
	return heapMemoryManager{}
}

type heapMemoryManager struct{}

func (heapMemoryManager) Allocate(_ *LinkGraph, reqs []SegmentRequest) (Allocation, error) {
	offsets, total := segmentOffsets(reqs, defaultPageSize)
	raw := make([]byte, total+defaultPageSize)
	addr := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(raw))))
	skip := utils.AlignTo(addr, defaultPageSize) - addr
	mem := raw[skip : skip+total]
	base := addr + skip

	a := &slabAllocation{}
	for i, req := range reqs {
		off := offsets[i]
		a.segments = append(a.segments, Segment{
			Prot:       req.Prot,
			Addr:       base + off,
			WorkingMem: mem[off : off+req.Size : off+req.Size],
		})
	}
	return a, nil
}
