package mc

import (
	"fmt"

	"github.com/ksco/jitld/pkg/object"
	"github.com/ksco/jitld/pkg/triple"
)

// TargetOptions tunes the assembler in the manner of command line flags.
type TargetOptions struct {
	// ABIName selects the calling convention, e.g. lp64d on riscv64.
	ABIName string `toml:"abi"`
	// FatalWarnings turns every warning into an *AssemblyError.
	FatalWarnings bool `toml:"fatal_warnings"`
	// NoExecStack emits an empty .note.GNU-stack section.
	NoExecStack bool `toml:"no_exec_stack"`
}

// CodeGenOptions are the position independence and code model settings the
// assembler honours when expanding pseudo instructions.
type CodeGenOptions struct {
	PIC            bool
	LargeCodeModel bool
}

func elfFlags(arch triple.Arch, abi string) (uint32, error) {
	switch arch {
	case triple.ArchRISCV64:
		var flags uint32
		switch abi {
		case "", "lp64d":
			flags |= object.EF_RISCV_FLOAT_ABI_DOUBLE
		case "lp64f":
			flags |= object.EF_RISCV_FLOAT_ABI_SINGLE
		case "lp64":
		default:
			return 0, fmt.Errorf("unknown ABI %q for %s", abi, arch)
		}
		return flags, nil
	default:
		switch abi {
		case "", "lp64":
			return 0, nil
		}
		return 0, fmt.Errorf("unknown ABI %q for %s", abi, arch)
	}
}
