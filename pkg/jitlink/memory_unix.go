//go:build unix

package jitlink

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ksco/jitld/pkg/utils"
)

// NewInProcessMemoryManager maps anonymous memory in the current process.
// Segments are writable until finalization, which applies each segment's
// protection with mprotect.
func NewInProcessMemoryManager() MemoryManager {
	return &mmapMemoryManager{pageSize: uint64(unix.Getpagesize())}
}

type mmapMemoryManager struct {
	pageSize uint64
}

func (m *mmapMemoryManager) Allocate(_ *LinkGraph, reqs []SegmentRequest) (Allocation, error) {
	offsets, total := segmentOffsets(reqs, m.pageSize)
	a := &mmapAllocation{pageSize: m.pageSize, offsets: offsets}
	if total == 0 {
		for _, req := range reqs {
			a.segments = append(a.segments, Segment{Prot: req.Prot})
		}
		return a, nil
	}

	mem, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", total, err)
	}
	a.mem = mem
	base := uint64(uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
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

type mmapAllocation struct {
	mu       sync.Mutex
	pageSize uint64
	mem      []byte
	offsets  []uint64
	segments []Segment
	unmapped bool
}

func (a *mmapAllocation) Segments() []Segment {
	return a.segments
}

func unixProt(p MemProt) int {
	prot := unix.PROT_NONE
	if p&MemProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&MemProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&MemProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (a *mmapAllocation) finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unmapped {
		return ErrDeallocated
	}
	for i, seg := range a.segments {
		size := uint64(len(seg.WorkingMem))
		if size == 0 {
			continue
		}
		off := a.offsets[i]
		end := utils.AlignTo(off+size, a.pageSize)
		if err := unix.Mprotect(a.mem[off:end], unixProt(seg.Prot)); err != nil {
			return fmt.Errorf("mprotect %s segment at %#x: %w", seg.Prot, seg.Addr, err)
		}
	}
	return nil
}

func (a *mmapAllocation) FinalizeAsync(onFinalized func(error)) {
	onFinalized(a.finalize())
}

func (a *mmapAllocation) Deallocate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unmapped || a.mem == nil {
		a.unmapped = true
		return nil
	}
	a.unmapped = true
	a.segments = nil
	return unix.Munmap(a.mem)
}
