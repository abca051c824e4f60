// Package endian provides the byte order engines used by the stream encoders.
//
// An EndianEngine combines binary.ByteOrder and binary.AppendByteOrder, so the
// same value can either be patched in place (PutUint64) or appended (AppendUint64).
// Every stream records its byte order in a single flag byte of its header and
// minifooter; FromFlag and Flag convert between the engine and that byte.
//
//	engine := endian.GetLittleEndianEngine()
//	buf = engine.AppendUint64(buf, offset)
//	engine.PutUint32(buf[lengthPos:], length)
//
// All functions and methods in this package are safe for concurrent use.
package endian

import (
	"encoding/binary"
	"unsafe"
)

// EndianEngine combines ByteOrder and AppendByteOrder interfaces from encoding/binary.
type EndianEngine interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Flag values stored in stream headers and minifooters.
const (
	FlagLittleEndian byte = 0
	FlagBigEndian    byte = 1
)

// CheckEndianness uses a fixed integer value to determine the host's byte order.
func CheckEndianness() binary.ByteOrder {
	var i uint16 = 0x0100

	b := (*[2]byte)(unsafe.Pointer(&i))
	if b[0] == 0x01 {
		return binary.BigEndian
	}

	return binary.LittleEndian
}

func IsNativeLittleEndian() bool {
	return CheckEndianness() == binary.LittleEndian
}

// GetLittleEndianEngine returns the little-endian engine.
func GetLittleEndianEngine() EndianEngine {
	return binary.LittleEndian
}

// GetBigEndianEngine returns the big-endian engine.
func GetBigEndianEngine() EndianEngine {
	return binary.BigEndian
}

// GetNativeEngine returns the engine matching the host byte order.
func GetNativeEngine() EndianEngine {
	if IsNativeLittleEndian() {
		return binary.LittleEndian
	}

	return binary.BigEndian
}

// FromFlag returns the engine for a header endianness flag.
// The second result is false for flag values other than 0 and 1.
func FromFlag(flag byte) (EndianEngine, bool) {
	switch flag {
	case FlagLittleEndian:
		return binary.LittleEndian, true
	case FlagBigEndian:
		return binary.BigEndian, true
	default:
		return nil, false
	}
}

// Flag returns the header endianness flag for engine.
func Flag(engine EndianEngine) byte {
	if engine == EndianEngine(binary.BigEndian) {
		return FlagBigEndian
	}

	return FlagLittleEndian
}

// IsLittleEndian reports whether engine writes little-endian integers.
func IsLittleEndian(engine EndianEngine) bool {
	return Flag(engine) == FlagLittleEndian
}
