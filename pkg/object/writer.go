package object

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/ksco/jitld/pkg/utils"
)

// Section is a section of a relocatable object under construction.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	AddrAlign uint64
	EntSize   uint64
	Data      []byte
	// Size is used for SHT_NOBITS sections, which carry no Data.
	Size   uint64
	Relocs []Reloc

	shndx uint32
	sym   *Symbol
}

func (s *Section) ContentSize() uint64 {
	if s.Type == elf.SHT_NOBITS {
		return s.Size
	}
	return uint64(len(s.Data))
}

// Symbol is a symbol table entry under construction. A nil Section means
// the symbol is undefined unless Shndx names a special index.
type Symbol struct {
	Name       string
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
	Section    *Section
	Shndx      elf.SectionIndex
	Value      uint64
	Size       uint64

	idx uint32
}

type Reloc struct {
	Offset uint64
	Type   uint32
	Symbol *Symbol
	Addend int64
}

// Writer serialises sections and symbols into an ET_REL ELF64 image.
type Writer struct {
	Machine elf.Machine
	Flags   uint32
	Order   binary.ByteOrder

	sections []*Section
	symbols  []*Symbol
}

func NewWriter(machine elf.Machine, order binary.ByteOrder) *Writer {
	return &Writer{Machine: machine, Order: order}
}

func (w *Writer) AddSection(sec *Section) *Section {
	sec.sym = &Symbol{
		Bind:    elf.STB_LOCAL,
		Type:    elf.STT_SECTION,
		Section: sec,
	}
	w.sections = append(w.sections, sec)
	return sec
}

// SectionSymbol returns the STT_SECTION symbol created for sec.
func (w *Writer) SectionSymbol(sec *Section) *Symbol {
	return sec.sym
}

func (w *Writer) AddSymbol(sym *Symbol) *Symbol {
	w.symbols = append(w.symbols, sym)
	return sym
}

type elfRela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func (w *Writer) orderedSymbols() ([]*Symbol, int) {
	syms := []*Symbol{{}}
	for _, sec := range w.sections {
		syms = append(syms, sec.sym)
	}
	for _, sym := range w.symbols {
		if sym.Bind == elf.STB_LOCAL {
			syms = append(syms, sym)
		}
	}
	firstGlobal := len(syms)
	for _, sym := range w.symbols {
		if sym.Bind != elf.STB_LOCAL {
			syms = append(syms, sym)
		}
	}
	for i, sym := range syms {
		sym.idx = uint32(i)
	}
	return syms, firstGlobal
}

type stringTable struct {
	data []byte
	offs map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{data: []byte{0}, offs: map[string]uint32{"": 0}}
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offs[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	buf := make([]byte, len(s)+1)
	writeString(buf, s)
	t.data = append(t.data, buf...)
	t.offs[s] = off
	return off
}

func (w *Writer) Bytes() ([]byte, error) {
	syms, firstGlobal := w.orderedSymbols()

	type outSection struct {
		shdr Shdr
		data []byte
	}

	shstrtab := newStringTable()
	strtab := newStringTable()

	out := []*outSection{{}}
	for i, sec := range w.sections {
		sec.shndx = uint32(i + 1)
		align := max(sec.AddrAlign, 1)
		if !utils.HasSingleBit(align) {
			return nil, fmt.Errorf("section %s: alignment %d is not a power of two", sec.Name, align)
		}
		out = append(out, &outSection{
			shdr: Shdr{
				Name:      shstrtab.add(sec.Name),
				Type:      uint32(sec.Type),
				Flags:     uint64(sec.Flags),
				Size:      sec.ContentSize(),
				AddrAlign: align,
				EntSize:   sec.EntSize,
			},
			data: sec.Data,
		})
	}

	symtabIdx := uint32(len(out))
	for _, sec := range w.sections {
		if len(sec.Relocs) > 0 {
			symtabIdx++
		}
	}

	for _, sec := range w.sections {
		if len(sec.Relocs) == 0 {
			continue
		}
		data := make([]byte, len(sec.Relocs)*RelaSize)
		for i, r := range sec.Relocs {
			if r.Symbol == nil {
				return nil, fmt.Errorf("section %s: relocation at 0x%x has no symbol", sec.Name, r.Offset)
			}
			utils.WriteOrder(data[i*RelaSize:], elfRela{
				Offset: r.Offset,
				Info:   uint64(r.Symbol.idx)<<32 | uint64(r.Type),
				Addend: r.Addend,
			}, w.Order)
		}
		out = append(out, &outSection{
			shdr: Shdr{
				Name:      shstrtab.add(".rela" + sec.Name),
				Type:      uint32(elf.SHT_RELA),
				Flags:     uint64(elf.SHF_INFO_LINK),
				Size:      uint64(len(data)),
				Link:      symtabIdx,
				Info:      sec.shndx,
				AddrAlign: 8,
				EntSize:   RelaSize,
			},
			data: data,
		})
	}

	symdata := make([]byte, len(syms)*SymSize)
	for i, sym := range syms {
		esym := Sym{
			Other: uint8(sym.Visibility) & 0b11,
			Val:   sym.Value,
			Size:  sym.Size,
		}
		esym.SetBind(uint8(sym.Bind))
		esym.SetType(uint8(sym.Type))
		if sym.Type != elf.STT_SECTION {
			esym.Name = strtab.add(sym.Name)
		}
		switch {
		case sym.Section != nil:
			esym.Shndx = uint16(sym.Section.shndx)
		default:
			esym.Shndx = uint16(sym.Shndx)
		}
		utils.WriteOrder(symdata[i*SymSize:], esym, w.Order)
	}

	out = append(out, &outSection{
		shdr: Shdr{
			Name:      shstrtab.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Size:      uint64(len(symdata)),
			Link:      symtabIdx + 1,
			Info:      uint32(firstGlobal),
			AddrAlign: 8,
			EntSize:   SymSize,
		},
		data: symdata,
	})
	out = append(out, &outSection{
		shdr: Shdr{
			Name:      shstrtab.add(".strtab"),
			Type:      uint32(elf.SHT_STRTAB),
			AddrAlign: 1,
		},
		data: strtab.data,
	})
	out[len(out)-1].shdr.Size = uint64(len(strtab.data))

	shstrtabIdx := len(out)
	shstrtabSec := &outSection{
		shdr: Shdr{
			Name:      shstrtab.add(".shstrtab"),
			Type:      uint32(elf.SHT_STRTAB),
			AddrAlign: 1,
		},
	}
	out = append(out, shstrtabSec)
	shstrtabSec.data = shstrtab.data
	shstrtabSec.shdr.Size = uint64(len(shstrtab.data))

	fileoff := uint64(EhdrSize)
	for _, o := range out[1:] {
		fileoff = utils.AlignTo(fileoff, max(o.shdr.AddrAlign, 1))
		o.shdr.Offset = fileoff
		if o.shdr.Type != uint32(elf.SHT_NOBITS) {
			fileoff += o.shdr.Size
		}
	}
	shoff := utils.AlignTo(fileoff, 8)
	buf := make([]byte, shoff+uint64(len(out))*ShdrSize)

	for i, o := range out {
		if o.shdr.Type != uint32(elf.SHT_NOBITS) {
			copy(buf[o.shdr.Offset:], o.data)
		}
		utils.WriteOrder(buf[shoff+uint64(i)*ShdrSize:], o.shdr, w.Order)
	}

	ehdr := &Ehdr{}
	WriteMagic(ehdr.Ident[:])
	ehdr.Ident[elf.EI_CLASS] = uint8(elf.ELFCLASS64)
	ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2LSB)
	if w.Order == binary.BigEndian {
		ehdr.Ident[elf.EI_DATA] = uint8(elf.ELFDATA2MSB)
	}
	ehdr.Ident[elf.EI_VERSION] = uint8(elf.EV_CURRENT)
	ehdr.Ident[elf.EI_OSABI] = 0
	ehdr.Ident[elf.EI_ABIVERSION] = 0
	ehdr.Type = uint16(elf.ET_REL)
	ehdr.Machine = uint16(w.Machine)
	ehdr.Version = uint32(elf.EV_CURRENT)
	ehdr.ShOff = shoff
	ehdr.Flags = w.Flags
	ehdr.EhSize = EhdrSize
	ehdr.ShEntSize = ShdrSize
	ehdr.ShNum = uint16(len(out))
	ehdr.ShStrndx = uint16(shstrtabIdx)
	utils.WriteOrder(buf, *ehdr, w.Order)

	return buf, nil
}
