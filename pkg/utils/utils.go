// Package utils holds byte-order and bit-field helpers shared by the
// object reader, the assemblers and the fixup code.
package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"runtime/debug"
	"unsafe"

	"github.com/fatih/color"
)

type Uint interface {
	uint8 | uint16 | uint32 | uint64
}

type Integer interface {
	Uint | int8 | int16 | int32 | int64
}

func HasSingleBit(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

var fatalLabel = color.New(color.FgRed, color.Bold).SprintFunc()

// Fatal reports v and terminates the process. Only the command line driver
// calls it; library packages return errors.
func Fatal(v any) {
	fmt.Fprintln(os.Stderr, "jitld: "+fatalLabel("fatal:"), fmt.Sprintf("%v", v))
	if os.Getenv("JITLD_BACKTRACE") != "" {
		debug.PrintStack()
	}
	os.Exit(1)
}

func AlignTo(val, align uint64) uint64 {
	if align == 0 {
		return val
	}
	return (val + align - 1) & ^(align - 1)
}

func Read[T any](data []byte) (val T) {
	return ReadOrder[T](data, binary.LittleEndian)
}

func ReadOrder[T any](data []byte, order binary.ByteOrder) (val T) {
	reader := bytes.NewReader(data)
	err := binary.Read(reader, order, &val)
	if err != nil {
		panic(fmt.Sprintf("utils.Read: %v", err))
	}
	return
}

func Write[T any](data []byte, e T) {
	WriteOrder(data, e, binary.LittleEndian)
}

func WriteOrder[T any](data []byte, e T, order binary.ByteOrder) {
	buf := &bytes.Buffer{}
	err := binary.Write(buf, order, e)
	if err != nil {
		panic(fmt.Sprintf("utils.Write: %v", err))
	}
	copy(data, buf.Bytes())
}

// Decode reads a sizeof(T)-wide integer from the front of data.
func Decode[T Integer](data []byte, order binary.ByteOrder) T {
	var v T
	switch unsafe.Sizeof(v) {
	case 1:
		return T(data[0])
	case 2:
		return T(order.Uint16(data))
	case 4:
		return T(order.Uint32(data))
	default:
		return T(order.Uint64(data))
	}
}

func SizeOf[T Integer]() int {
	var v T
	return int(unsafe.Sizeof(v))
}

func Bit[T Uint](val T, pos int) T {
	return (val >> pos) & 1
}

func Bits[T Uint](val T, hi T, lo T) T {
	return (val >> lo) & ((1 << (hi - lo + 1)) - 1)
}

func SignExtend(val uint64, size int) uint64 {
	return uint64(int64(val<<(63-size)) >> (63 - size))
}

// IsInt reports whether v fits in a signed n-bit field.
func IsInt(v int64, n int) bool {
	return v >= -(1<<(n-1)) && v < 1<<(n-1)
}

// IsUint reports whether v fits in an unsigned n-bit field.
func IsUint(v uint64, n int) bool {
	return n >= 64 || v < 1<<n
}
