package jitlink

import (
	"cmp"
	"slices"
)

// segmentLayout is one planned segment: the blocks that share a protection
// and their offsets from the segment start.
type segmentLayout struct {
	prot    MemProt
	blocks  []*Block
	offsets []uint64
	size    uint64
	align   uint64
}

// segmentRank orders code first, then read-only data, then writable data.
func segmentRank(prot MemProt) int {
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	writable := b2i(prot&MemProtWrite != 0)
	notExec := b2i(prot&MemProtExec == 0)
	return writable<<1 | notExec
}

func alignBlock(off uint64, b *Block) uint64 {
	return off + (b.alignOffset+b.align-off%b.align)%b.align
}

// computeLayout groups blocks into segments by section protection. Within a
// segment content blocks precede zero-fill blocks, so a segment's tail may
// be left untouched by the content copy.
func computeLayout(g *LinkGraph) []*segmentLayout {
	bySeg := make(map[MemProt]*segmentLayout)
	for _, sec := range g.sections {
		if len(sec.blocks) == 0 {
			continue
		}
		prot := sec.Prot | MemProtRead
		seg, ok := bySeg[prot]
		if !ok {
			seg = &segmentLayout{prot: prot, align: 1}
			bySeg[prot] = seg
		}
		seg.blocks = append(seg.blocks, sec.blocks...)
	}

	segs := make([]*segmentLayout, 0, len(bySeg))
	for _, seg := range bySeg {
		segs = append(segs, seg)
	}
	slices.SortFunc(segs, func(a, b *segmentLayout) int {
		return cmp.Compare(segmentRank(a.prot), segmentRank(b.prot))
	})

	for _, seg := range segs {
		slices.SortStableFunc(seg.blocks, func(a, b *Block) int {
			if a.zeroFill != b.zeroFill {
				if a.zeroFill {
					return 1
				}
				return -1
			}
			return cmp.Compare(a.section.Ordinal, b.section.Ordinal)
		})

		var off uint64
		for _, b := range seg.blocks {
			off = alignBlock(off, b)
			seg.offsets = append(seg.offsets, off)
			off += b.size
			seg.align = max(seg.align, b.align)
		}
		seg.size = off
	}
	return segs
}

func segmentRequests(segs []*segmentLayout) []SegmentRequest {
	reqs := make([]SegmentRequest, len(segs))
	for i, seg := range segs {
		reqs[i] = SegmentRequest{Prot: seg.prot, Size: seg.size, Align: seg.align}
	}
	return reqs
}

// assignAddresses gives every block its final address.
func assignAddresses(segs []*segmentLayout, alloc Allocation) {
	allocated := alloc.Segments()
	for i, seg := range segs {
		for j, b := range seg.blocks {
			b.addr = allocated[i].Addr + seg.offsets[j]
		}
	}
}

// copyContent moves block content into working memory and points each
// content block at its copy.
func copyContent(segs []*segmentLayout, alloc Allocation) {
	allocated := alloc.Segments()
	for i, seg := range segs {
		mem := allocated[i].WorkingMem
		for j, b := range seg.blocks {
			if b.zeroFill {
				continue
			}
			off := seg.offsets[j]
			dst := mem[off : off+b.size : off+b.size]
			copy(dst, b.content)
			b.content = dst
		}
	}
}
