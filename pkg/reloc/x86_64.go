package reloc

import (
	"debug/elf"
	"fmt"

	"fortio.org/safecast"
	"github.com/ksco/jitld/pkg/utils"
)

// ApplyX86_64 writes val into the field at loc that typ describes.
func ApplyX86_64(loc []byte, typ elf.R_X86_64, val uint64) error {
	sval := int64(val)

	switch typ {
	case elf.R_X86_64_64, elf.R_X86_64_PC64:
		utils.Write[uint64](loc, val)
	case elf.R_X86_64_32:
		v, err := safecast.Conv[uint32](val)
		if err != nil {
			return outOfRange(typ, sval)
		}
		utils.Write[uint32](loc, v)
	case elf.R_X86_64_32S, elf.R_X86_64_PC32, elf.R_X86_64_PLT32,
		elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		v, err := safecast.Conv[int32](sval)
		if err != nil {
			return outOfRange(typ, sval)
		}
		utils.Write[int32](loc, v)
	case elf.R_X86_64_8:
		v, err := safecast.Conv[uint8](val)
		if err != nil {
			return outOfRange(typ, sval)
		}
		loc[0] = v
	case elf.R_X86_64_PC8:
		v, err := safecast.Conv[int8](sval)
		if err != nil {
			return outOfRange(typ, sval)
		}
		loc[0] = byte(v)
	default:
		return fmt.Errorf("unsupported x86-64 relocation %v", typ)
	}
	return nil
}
