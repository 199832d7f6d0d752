package mc

import (
	"errors"
	"fmt"
)

var (
	// ErrTargetUnsupported is returned for targets that are not registered.
	ErrTargetUnsupported = errors.New("target not supported")
	// ErrAssembly is matched by every *AssemblyError.
	ErrAssembly = errors.New("assembly failed")
	// ErrDecode reports bytes the disassembler could not decode.
	ErrDecode = errors.New("cannot decode instruction")
)

// AssemblyError locates a syntax or encoding problem in assembly source.
// Line and Column are 1-based.
type AssemblyError struct {
	Line   int
	Column int
	Msg    string
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("<inline asm>:%d:%d: error: %s", e.Line, e.Column, e.Msg)
}

func (e *AssemblyError) Is(target error) bool {
	return target == ErrAssembly
}

// Warning is a non-fatal assembler diagnostic.
type Warning struct {
	Line   int
	Column int
	Msg    string
}

func (w Warning) String() string {
	return fmt.Sprintf("<inline asm>:%d:%d: warning: %s", w.Line, w.Column, w.Msg)
}
