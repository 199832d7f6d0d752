package jitlink

import (
	"errors"
	"fmt"
)

var (
	// ErrLinkFailed is matched by every error delivered through
	// Context.NotifyFailed.
	ErrLinkFailed = errors.New("link failed")
	// ErrSymbolNotFound reports a lookup or named read of an absent symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrConfiguration reports a rejected pass configuration.
	ErrConfiguration = errors.New("invalid pass configuration")
	// ErrUnsupportedRelocation reports an ELF relocation with no edge kind.
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
	// ErrFixupOutOfRange reports a fixup value that does not fit its field.
	ErrFixupOutOfRange = errors.New("fixup value out of range")
)

// Phase names the step of Link that failed.
type Phase uint8

const (
	PhaseBuildGraph Phase = iota
	PhaseConfigure
	PhasePrePrune
	PhasePrune
	PhasePostPrune
	PhaseAllocate
	PhasePostAllocation
	PhaseLookup
	PhaseResolve
	PhasePreFixup
	PhaseFixup
	PhasePostFixup
	PhaseFinalize
)

func (p Phase) String() string {
	switch p {
	case PhaseBuildGraph:
		return "build graph"
	case PhaseConfigure:
		return "configure"
	case PhasePrePrune:
		return "pre-prune passes"
	case PhasePrune:
		return "prune"
	case PhasePostPrune:
		return "post-prune passes"
	case PhaseAllocate:
		return "allocate"
	case PhasePostAllocation:
		return "post-allocation passes"
	case PhaseLookup:
		return "lookup"
	case PhaseResolve:
		return "resolve"
	case PhasePreFixup:
		return "pre-fixup passes"
	case PhaseFixup:
		return "fixup"
	case PhasePostFixup:
		return "post-fixup passes"
	case PhaseFinalize:
		return "finalize"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// LinkError is the error Link hands to Context.NotifyFailed.
type LinkError struct {
	Phase Phase
	Err   error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrLinkFailed, e.Phase, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

func (e *LinkError) Is(target error) bool {
	return target == ErrLinkFailed
}
