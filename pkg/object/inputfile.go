package object

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"fortio.org/safecast"
	"github.com/ksco/jitld/pkg/triple"
	"github.com/ksco/jitld/pkg/utils"
)

// ErrMalformed reports an object image that cannot be parsed.
var ErrMalformed = errors.New("malformed object")

type InputFile struct {
	Buffer       ObjectBuffer
	Order        binary.ByteOrder
	Ehdr         Ehdr
	ElfSections  []Shdr
	FirstGlobal  int64
	ShStrtab     []byte
	SymbolStrtab []byte

	ElfSyms        []Sym
	SymtabShndxSec []uint32
}

func malformed(buf ObjectBuffer, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", buf.Name, ErrMalformed, fmt.Sprintf(format, args...))
}

func byteOrder(contents []byte) (binary.ByteOrder, error) {
	switch elf.Data(contents[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, nil
	case elf.ELFDATA2MSB:
		return binary.BigEndian, nil
	}
	return nil, fmt.Errorf("unknown ELF data encoding %d", contents[elf.EI_DATA])
}

func NewInputFile(buf ObjectBuffer) (*InputFile, error) {
	f := &InputFile{Buffer: buf}
	contents := buf.Contents
	if len(contents) < EhdrSize {
		return nil, malformed(buf, "file too small")
	}
	if !CheckMagic(contents) {
		return nil, malformed(buf, "not an ELF file")
	}
	if elf.Class(contents[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, malformed(buf, "unsupported ELF class %v", elf.Class(contents[elf.EI_CLASS]))
	}

	order, err := byteOrder(contents)
	if err != nil {
		return nil, malformed(buf, "%v", err)
	}
	f.Order = order
	f.Ehdr = utils.ReadOrder[Ehdr](contents, order)

	if f.Ehdr.ShOff == 0 {
		return f, nil
	}
	if f.Ehdr.ShOff > uint64(len(contents))-ShdrSize {
		return nil, malformed(buf, "section header table is out of range: %d", f.Ehdr.ShOff)
	}

	shdrs := contents[f.Ehdr.ShOff:]
	shdr := utils.ReadOrder[Shdr](shdrs, order)

	numSections, err := safecast.Conv[int](f.Ehdr.ShNum)
	if err != nil {
		return nil, malformed(buf, "bad section count: %v", err)
	}
	if numSections == 0 {
		if numSections, err = safecast.Conv[int](shdr.Size); err != nil {
			return nil, malformed(buf, "bad extended section count: %v", err)
		}
	}
	if numSections > len(shdrs)/ShdrSize {
		return nil, malformed(buf, "section header table truncated")
	}

	f.ElfSections = []Shdr{shdr}
	for numSections > 1 {
		shdrs = shdrs[ShdrSize:]
		f.ElfSections = append(f.ElfSections, utils.ReadOrder[Shdr](shdrs, order))
		numSections--
	}

	shstrtabIdx := int64(f.Ehdr.ShStrndx)
	if f.Ehdr.ShStrndx == uint16(elf.SHN_XINDEX) {
		shstrtabIdx = int64(shdr.Link)
	}

	if f.ShStrtab, err = f.GetBytesFromIdx(shstrtabIdx); err != nil {
		return nil, err
	}

	if symtab := f.FindSection(uint32(elf.SHT_SYMTAB)); symtab != nil {
		f.FirstGlobal = int64(symtab.Info)
		if err := f.FillUpElfSyms(symtab); err != nil {
			return nil, err
		}
		if f.SymbolStrtab, err = f.GetBytesFromIdx(int64(symtab.Link)); err != nil {
			return nil, err
		}
	}

	if s := f.FindSection(uint32(elf.SHT_SYMTAB_SHNDX)); s != nil {
		if err := f.FillUpSymtabShndxSec(s); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (f *InputFile) Arch() triple.Arch {
	return triple.ArchFromMachine(elf.Machine(f.Ehdr.Machine))
}

func (f *InputFile) GetBytesFromShdr(s *Shdr) ([]byte, error) {
	if s.Type == uint32(elf.SHT_NOBITS) {
		return nil, nil
	}

	size := uint64(len(f.Buffer.Contents))
	if s.Offset > size || s.Size > size-s.Offset {
		return nil, malformed(f.Buffer, "section header is out of range: %d", s.Offset)
	}

	return f.Buffer.Contents[s.Offset : s.Offset+s.Size], nil
}

func (f *InputFile) GetBytesFromIdx(idx int64) ([]byte, error) {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		return nil, malformed(f.Buffer, "section index %d out of range", idx)
	}
	return f.GetBytesFromShdr(&f.ElfSections[idx])
}

func (f *InputFile) FillUpElfSyms(s *Shdr) error {
	bs, err := f.GetBytesFromShdr(s)
	if err != nil {
		return err
	}
	nums := len(bs) / SymSize
	f.ElfSyms = make([]Sym, 0, nums)
	for nums > 0 {
		f.ElfSyms = append(f.ElfSyms, utils.ReadOrder[Sym](bs, f.Order))
		bs = bs[SymSize:]
		nums--
	}

	if f.FirstGlobal > int64(len(f.ElfSyms)) {
		return malformed(f.Buffer, "first global symbol index %d out of range", f.FirstGlobal)
	}
	return nil
}

func (f *InputFile) FillUpSymtabShndxSec(s *Shdr) error {
	bs, err := f.GetBytesFromShdr(s)
	if err != nil {
		return err
	}
	nums := len(bs) / 4
	f.SymtabShndxSec = make([]uint32, 0, nums)
	for nums > 0 {
		f.SymtabShndxSec = append(f.SymtabShndxSec, f.Order.Uint32(bs))
		bs = bs[4:]
		nums--
	}
	return nil
}

func (f *InputFile) FindSection(ty uint32) *Shdr {
	for i := 0; i < len(f.ElfSections); i++ {
		sec := &f.ElfSections[i]
		if sec.Type == ty {
			return sec
		}
	}
	return nil
}

func (f *InputFile) SectionName(idx int64) string {
	if idx < 0 || idx >= int64(len(f.ElfSections)) {
		return ""
	}
	return getName(f.ShStrtab, f.ElfSections[idx].Name)
}

func (f *InputFile) SymbolName(esym *Sym) string {
	return getName(f.SymbolStrtab, esym.Name)
}

func (f *InputFile) GetShndx(esym *Sym, idx int64) int64 {
	if esym.Shndx == uint16(elf.SHN_XINDEX) && idx < int64(len(f.SymtabShndxSec)) {
		return int64(f.SymtabShndxSec[idx])
	}
	return int64(esym.Shndx)
}

// Rels decodes the RELA entries of a SHT_RELA section.
func (f *InputFile) Rels(s *Shdr) ([]Rela, error) {
	if s.Type != uint32(elf.SHT_RELA) {
		return nil, malformed(f.Buffer, "section %s is not SHT_RELA", getName(f.ShStrtab, s.Name))
	}

	bs, err := f.GetBytesFromShdr(s)
	if err != nil {
		return nil, err
	}

	nums := len(bs) / RelaSize
	rels := make([]Rela, 0, nums)
	for nums > 0 {
		// r_info packs the symbol index above the relocation type.
		r := utils.ReadOrder[struct {
			Offset uint64
			Info   uint64
			Addend int64
		}](bs, f.Order)
		rels = append(rels, Rela{
			Offset: r.Offset,
			Type:   uint32(r.Info),
			Sym:    uint32(r.Info >> 32),
			Addend: r.Addend,
		})
		bs = bs[RelaSize:]
		nums--
	}
	return rels, nil
}
