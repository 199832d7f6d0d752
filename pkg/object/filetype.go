package object

import (
	"bytes"
	"debug/elf"
	"unicode"
)

type FileType int8

const (
	FileTypeUnknown FileType = iota
	FileTypeEmpty
	FileTypeObject
	FileTypeDso
	FileTypeExec
	FileTypeAr
	FileTypeText
)

func (t FileType) String() string {
	switch t {
	case FileTypeEmpty:
		return "empty file"
	case FileTypeObject:
		return "relocatable object"
	case FileTypeDso:
		return "shared object"
	case FileTypeExec:
		return "executable"
	case FileTypeAr:
		return "archive"
	case FileTypeText:
		return "text file"
	default:
		return "unknown file type"
	}
}

// GetFileType classifies contents by their leading bytes. Only ELF files
// are inspected beyond the magic.
func GetFileType(contents []byte) FileType {
	if len(contents) == 0 {
		return FileTypeEmpty
	}

	if CheckMagic(contents) {
		if len(contents) < EhdrSize {
			return FileTypeUnknown
		}
		order, err := byteOrder(contents)
		if err != nil {
			return FileTypeUnknown
		}
		switch elf.Type(order.Uint16(contents[16:])) {
		case elf.ET_REL:
			return FileTypeObject
		case elf.ET_DYN:
			return FileTypeDso
		case elf.ET_EXEC:
			return FileTypeExec
		}
		return FileTypeUnknown
	}

	if bytes.HasPrefix(contents, []byte("!<arch>\n")) {
		return FileTypeAr
	}

	for _, c := range contents[:min(len(contents), 4)] {
		if !unicode.IsPrint(rune(c)) && !unicode.IsSpace(rune(c)) {
			return FileTypeUnknown
		}
	}
	return FileTypeText
}
