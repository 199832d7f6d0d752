package utils

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitFields(t *testing.T) {
	assert.Equal(t, uint32(0x2a), Bits(uint32(0x2a0), 11, 4))
	assert.Equal(t, uint64(1), Bit(uint64(0x80), 7))
	assert.Equal(t, uint64(0xffffffffffffffff), SignExtend(0xfff, 11))
	assert.Equal(t, uint64(0x7ff), SignExtend(0x7ff, 11))
	assert.True(t, HasSingleBit(0x1000))
	assert.False(t, HasSingleBit(0))
	assert.False(t, HasSingleBit(6))
}

func TestRanges(t *testing.T) {
	assert.True(t, IsInt(-2048, 12))
	assert.False(t, IsInt(2048, 12))
	assert.True(t, IsUint(0xffff, 16))
	assert.False(t, IsUint(0x10000, 16))
	assert.True(t, IsUint(^uint64(0), 64))
	assert.Equal(t, uint64(0x1000), AlignTo(1, 0x1000))
	assert.Equal(t, uint64(7), AlignTo(7, 0))
}

func TestDecode(t *testing.T) {
	data := []byte{0xfe, 0xff, 0xff, 0xff, 0, 0, 0, 0x80}
	assert.Equal(t, int32(-2), Decode[int32](data, binary.LittleEndian))
	assert.Equal(t, uint16(0xfeff), Decode[uint16](data, binary.BigEndian))
	assert.Equal(t, int8(-2), Decode[int8](data, binary.LittleEndian))
	assert.Equal(t, uint64(0x80000000fffffffe), Decode[uint64](data, binary.LittleEndian))
	assert.Equal(t, 4, SizeOf[uint32]())
}

func TestReadWrite(t *testing.T) {
	type rec struct {
		A uint16
		B uint32
	}
	buf := make([]byte, 6)
	WriteOrder(buf, rec{A: 1, B: 2}, binary.BigEndian)
	assert.Equal(t, []byte{0, 1, 0, 0, 0, 2}, buf)
	assert.Equal(t, rec{A: 0x100, B: 0x2000000}, Read[rec](buf))
}
