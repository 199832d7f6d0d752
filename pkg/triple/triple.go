// Package triple parses target identifiers of the form arch-vendor-os-env.
package triple

import (
	"debug/elf"
	"strings"
)

type Arch uint8

const (
	ArchUnknown Arch = iota
	ArchX86_64
	ArchAArch64
	ArchRISCV64
)

func (a Arch) String() string {
	switch a {
	case ArchX86_64:
		return "x86_64"
	case ArchAArch64:
		return "aarch64"
	case ArchRISCV64:
		return "riscv64"
	default:
		return "unknown"
	}
}

func ParseArch(s string) Arch {
	switch strings.ToLower(s) {
	case "x86_64", "x86-64", "amd64", "x64":
		return ArchX86_64
	case "aarch64", "arm64":
		return ArchAArch64
	case "riscv64":
		return ArchRISCV64
	default:
		return ArchUnknown
	}
}

// ArchFromMachine maps an ELF e_machine value to an Arch.
func ArchFromMachine(m elf.Machine) Arch {
	switch m {
	case elf.EM_X86_64:
		return ArchX86_64
	case elf.EM_AARCH64:
		return ArchAArch64
	case elf.EM_RISCV:
		return ArchRISCV64
	default:
		return ArchUnknown
	}
}

func (a Arch) Machine() elf.Machine {
	switch a {
	case ArchX86_64:
		return elf.EM_X86_64
	case ArchAArch64:
		return elf.EM_AARCH64
	case ArchRISCV64:
		return elf.EM_RISCV
	default:
		return elf.EM_NONE
	}
}

func (a Arch) PointerSize() int {
	if a == ArchUnknown {
		return 0
	}
	return 8
}

type ObjectFormat uint8

const (
	FormatUnknown ObjectFormat = iota
	FormatELF
	FormatMachO
	FormatCOFF
)

func (f ObjectFormat) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatMachO:
		return "macho"
	case FormatCOFF:
		return "coff"
	default:
		return "unknown"
	}
}

type Triple struct {
	Arch        Arch
	ArchName    string
	Vendor      string
	OS          string
	Environment string

	str string
}

// Parse splits s into its components. Missing components are left empty
// and an unrecognised architecture yields ArchUnknown; Parse never fails.
func Parse(s string) Triple {
	parts := strings.SplitN(s, "-", 4)
	t := Triple{str: s, ArchName: parts[0], Arch: ParseArch(parts[0])}

	rest := parts[1:]
	// Two-component forms like aarch64-linux omit the vendor.
	if len(rest) > 0 && isOS(rest[0]) {
		rest = append([]string{""}, rest...)
	}
	if len(rest) > 0 {
		t.Vendor = rest[0]
	}
	if len(rest) > 1 {
		t.OS = rest[1]
	}
	if len(rest) > 2 {
		t.Environment = strings.Join(rest[2:], "-")
	}
	return t
}

func isOS(s string) bool {
	for _, prefix := range []string{"linux", "freebsd", "netbsd", "openbsd", "darwin", "macos", "ios", "windows", "none", "elf"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

func (t Triple) ObjectFormat() ObjectFormat {
	switch {
	case strings.HasPrefix(t.OS, "darwin"), strings.HasPrefix(t.OS, "macos"),
		strings.HasPrefix(t.OS, "ios"):
		return FormatMachO
	case strings.HasPrefix(t.OS, "windows"):
		return FormatCOFF
	default:
		return FormatELF
	}
}

func (t Triple) String() string {
	if t.str != "" {
		return t.str
	}
	parts := []string{t.Arch.String()}
	for _, p := range []string{t.Vendor, t.OS, t.Environment} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

// FromArch builds the canonical ELF triple for a.
func FromArch(a Arch) Triple {
	return Triple{Arch: a, ArchName: a.String(), Vendor: "unknown", OS: "linux", Environment: "gnu"}
}
