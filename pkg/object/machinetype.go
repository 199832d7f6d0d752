package object

import (
	"debug/elf"

	"github.com/ksco/jitld/pkg/triple"
)

// GetArchFromContents reports the architecture of an ELF64 object, or
// triple.ArchUnknown for anything else.
func GetArchFromContents(contents []byte) triple.Arch {
	switch GetFileType(contents) {
	case FileTypeObject, FileTypeDso, FileTypeExec:
		if contents[elf.EI_CLASS] != byte(elf.ELFCLASS64) {
			return triple.ArchUnknown
		}
		order, err := byteOrder(contents)
		if err != nil {
			return triple.ArchUnknown
		}
		return triple.ArchFromMachine(elf.Machine(order.Uint16(contents[18:])))
	}

	return triple.ArchUnknown
}
