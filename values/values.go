// Package values implements the NCP typed parameter value codec (C1).
//
// A parameter value is a tagged union: the wire type code determines how the
// following bytes are interpreted. Go already carries the signed/unsigned
// distinction in its integer types (int32 vs uint32, unlike e.g. Python,
// where ncplib/values.py needs a uint wrapper class to keep it), so scalar
// values round-trip as plain int32/uint32/int64/uint64/float32/float64/string.
// The one ambiguity Go's type system doesn't resolve for free is raw bytes
// (type 0x80) vs. a u8 array (type 0x81): both would naturally be []byte.
// ArrayU8 is a distinct named type so a type switch can tell them apart.
package values

import (
	"encoding/binary"
	"math"
)

// Type is the one-byte wire tag identifying a parameter's encoding.
type Type byte

const (
	TypeI32    Type = 0x00
	TypeU32    Type = 0x01
	TypeString Type = 0x02
	// Extended scalar types. Not present in the original wire format this
	// library was distilled from (ncplib/values.py only defines the base
	// set below 0x80); continuing the numbering after TypeString is an Open
	// Question resolution recorded in DESIGN.md.
	TypeI64 Type = 0x03
	TypeU64 Type = 0x04
	TypeF32 Type = 0x05
	TypeF64 Type = 0x06

	TypeRaw      Type = 0x80
	TypeArrayU8  Type = 0x81
	TypeArrayU16 Type = 0x82
	TypeArrayU32 Type = 0x83
	TypeArrayI8  Type = 0x84
	TypeArrayI16 Type = 0x85
	TypeArrayI32 Type = 0x86
	TypeArrayI64 Type = 0x87
	TypeArrayU64 Type = 0x88
	TypeArrayF32 Type = 0x89
	TypeArrayF64 Type = 0x8A
)

// Bytes is raw, type-0x80 payload. Distinct from ArrayU8 even though both
// are backed by a byte slice on the wire.
type Bytes []byte

// ArrayU8 is a packed array of unsigned 8-bit integers (type 0x81).
type ArrayU8 []uint8

// ArrayU16 is a packed array of unsigned 16-bit integers (type 0x82).
type ArrayU16 []uint16

// ArrayU32 is a packed array of unsigned 32-bit integers (type 0x83).
type ArrayU32 []uint32

// ArrayI8 is a packed array of signed 8-bit integers (type 0x84).
type ArrayI8 []int8

// ArrayI16 is a packed array of signed 16-bit integers (type 0x85).
type ArrayI16 []int16

// ArrayI32 is a packed array of signed 32-bit integers (type 0x86).
type ArrayI32 []int32

// ArrayI64 is a packed array of signed 64-bit integers (type 0x87).
type ArrayI64 []int64

// ArrayU64 is a packed array of unsigned 64-bit integers (type 0x88).
type ArrayU64 []uint64

// ArrayF32 is a packed array of 32-bit IEEE 754 floats (type 0x89).
type ArrayF32 []float32

// ArrayF64 is a packed array of 64-bit IEEE 754 floats (type 0x8A).
type ArrayF64 []float64

// UnknownType is what a decoder presents for a type code it doesn't
// recognize: the payload bytes exactly as passed to Decode (any wire
// padding included), tagged with the code that produced them, per §4.1.
type UnknownType struct {
	Code Type
	Data []byte
}

// pad4 returns the number of zero bytes needed to round n up to a multiple
// of 4.
func pad4(n int) int {
	return (4 - n%4) % 4
}

// Encode converts an in-memory value into its wire type code and padded
// byte form. The returned byte slice is already padded to a 4-byte
// boundary; callers must not pad it again.
func Encode(v any) (Type, []byte, error) {
	switch val := v.(type) {
	case int32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(val))
		return TypeI32, buf, nil
	case uint32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, val)
		return TypeU32, buf, nil
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(val))
		return TypeI64, buf, nil
	case uint64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, val)
		return TypeU64, buf, nil
	case float32:
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, math.Float32bits(val))
		return TypeF32, buf, nil
	case float64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val))
		return TypeF64, buf, nil
	case string:
		buf := make([]byte, len(val)+1)
		copy(buf, val)
		// buf[len(val)] is already the trailing NUL terminator.
		return TypeString, padString(buf), nil
	case Bytes:
		return TypeRaw, padBytes([]byte(val)), nil
	case []byte:
		return TypeRaw, padBytes(val), nil
	case ArrayU8:
		return TypeArrayU8, padBytes([]byte(val)), nil
	case ArrayU16:
		return TypeArrayU16, encodeUint16Array(val), nil
	case ArrayU32:
		return TypeArrayU32, encodeUint32Array(val), nil
	case ArrayI8:
		buf := make([]byte, len(val))
		for i, e := range val {
			buf[i] = byte(e)
		}
		return TypeArrayI8, padBytes(buf), nil
	case ArrayI16:
		u := make(ArrayU16, len(val))
		for i, e := range val {
			u[i] = uint16(e)
		}
		return TypeArrayI16, encodeUint16Array(u), nil
	case ArrayI32:
		u := make(ArrayU32, len(val))
		for i, e := range val {
			u[i] = uint32(e)
		}
		return TypeArrayI32, encodeUint32Array(u), nil
	case ArrayI64:
		u := make(ArrayU64, len(val))
		for i, e := range val {
			u[i] = uint64(e)
		}
		return TypeArrayI64, encodeUint64Array(u), nil
	case ArrayU64:
		return TypeArrayU64, encodeUint64Array(val), nil
	case ArrayF32:
		u := make(ArrayU32, len(val))
		for i, e := range val {
			u[i] = math.Float32bits(e)
		}
		return TypeArrayF32, encodeUint32Array(u), nil
	case ArrayF64:
		u := make(ArrayU64, len(val))
		for i, e := range val {
			u[i] = math.Float64bits(e)
		}
		return TypeArrayF64, encodeUint64Array(u), nil
	default:
		return 0, nil, &UnsupportedValueError{Value: v}
	}
}

func padString(buf []byte) []byte {
	if p := pad4(len(buf)); p > 0 {
		buf = append(buf, make([]byte, p)...)
	}
	return buf
}

func padBytes(buf []byte) []byte {
	if p := pad4(len(buf)); p > 0 {
		out := make([]byte, len(buf)+p)
		copy(out, buf)
		return out
	}
	return buf
}

func encodeUint16Array(a []uint16) []byte {
	buf := make([]byte, len(a)*2)
	for i, e := range a {
		binary.LittleEndian.PutUint16(buf[i*2:], e)
	}
	return padBytes(buf)
}

func encodeUint32Array(a []uint32) []byte {
	buf := make([]byte, len(a)*4)
	for i, e := range a {
		binary.LittleEndian.PutUint32(buf[i*4:], e)
	}
	return padBytes(buf)
}

func encodeUint64Array(a []uint64) []byte {
	buf := make([]byte, len(a)*8)
	for i, e := range a {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}
	return padBytes(buf)
}

// UnsupportedValueError is returned by Encode for a Go value with no wire
// representation.
type UnsupportedValueError struct {
	Value any
}

func (e *UnsupportedValueError) Error() string {
	return "values: unsupported value type"
}

// Decode converts a wire type code and its payload (the parameter's value
// bytes, padding included) back into an in-memory value. Strings stop at
// the first NUL; raw bytes and arrays keep the trailing zero padding, so
// Bytes("foo") decodes as Bytes("foo\x00") and ArrayU8{10} as
// ArrayU8{10, 0, 0, 0}. An unrecognized type code is not an
// error: it decodes successfully to an UnknownType carrying the raw bytes,
// and the caller is expected to surface a recoverable DecodeWarning.
func Decode(code Type, data []byte) (any, bool) {
	switch code {
	case TypeI32:
		if len(data) < 4 {
			return int32(0), true
		}
		return int32(binary.LittleEndian.Uint32(data)), true
	case TypeU32:
		if len(data) < 4 {
			return uint32(0), true
		}
		return binary.LittleEndian.Uint32(data), true
	case TypeI64:
		if len(data) < 8 {
			return int64(0), true
		}
		return int64(binary.LittleEndian.Uint64(data)), true
	case TypeU64:
		if len(data) < 8 {
			return uint64(0), true
		}
		return binary.LittleEndian.Uint64(data), true
	case TypeF32:
		if len(data) < 4 {
			return float32(0), true
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), true
	case TypeF64:
		if len(data) < 8 {
			return float64(0), true
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), true
	case TypeString:
		return decodeString(data), true
	case TypeRaw:
		return Bytes(data), true
	case TypeArrayU8:
		return ArrayU8(data), true
	case TypeArrayU16:
		return decodeArrayU16(data), true
	case TypeArrayU32:
		return decodeArrayU32(data), true
	case TypeArrayI8:
		out := make(ArrayI8, len(data))
		for i, b := range data {
			out[i] = int8(b)
		}
		return out, true
	case TypeArrayI16:
		u := decodeArrayU16(data)
		out := make(ArrayI16, len(u))
		for i, e := range u {
			out[i] = int16(e)
		}
		return out, true
	case TypeArrayI32:
		u := decodeArrayU32(data)
		out := make(ArrayI32, len(u))
		for i, e := range u {
			out[i] = int32(e)
		}
		return out, true
	case TypeArrayI64:
		u := decodeArrayU64(data)
		out := make(ArrayI64, len(u))
		for i, e := range u {
			out[i] = int64(e)
		}
		return out, true
	case TypeArrayU64:
		return decodeArrayU64(data), true
	case TypeArrayF32:
		u := decodeArrayU32(data)
		out := make(ArrayF32, len(u))
		for i, e := range u {
			out[i] = math.Float32frombits(e)
		}
		return out, true
	case TypeArrayF64:
		u := decodeArrayU64(data)
		out := make(ArrayF64, len(u))
		for i, e := range u {
			out[i] = math.Float64frombits(e)
		}
		return out, true
	default:
		return UnknownType{Code: code, Data: data}, false
	}
}

// decodeString splits on the first NUL (the wire terminator) and is lenient
// about invalid UTF-8: if the bytes are not valid UTF-8, the whole string
// is decoded as latin-1 instead of rejecting the packet — newer NCP
// revisions encode UTF-8, but legacy peers wrote latin-1, so decode must
// tolerate both (§9 Open Question).
func decodeString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			data = data[:i]
			break
		}
	}
	if isValidUTF8(data) {
		return string(data)
	}
	return sanitizeUTF8(data)
}

func isValidUTF8(b []byte) bool {
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c < 0x80:
			i++
		case c>>5 == 0x6 && i+1 < len(b) && b[i+1]&0xC0 == 0x80:
			i += 2
		case c>>4 == 0xE && i+2 < len(b) && b[i+1]&0xC0 == 0x80 && b[i+2]&0xC0 == 0x80:
			i += 3
		case c>>3 == 0x1E && i+3 < len(b) && b[i+1]&0xC0 == 0x80 && b[i+2]&0xC0 == 0x80 && b[i+3]&0xC0 == 0x80:
			i += 4
		default:
			return false
		}
	}
	return true
}

// sanitizeUTF8 treats the bytes as latin-1 (every byte is one code point),
// the legacy encoding some NCP peers still emit.
func sanitizeUTF8(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

func decodeArrayU16(data []byte) ArrayU16 {
	out := make(ArrayU16, len(data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return out
}

func decodeArrayU32(data []byte) ArrayU32 {
	out := make(ArrayU32, len(data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return out
}

func decodeArrayU64(data []byte) ArrayU64 {
	out := make(ArrayU64, len(data)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return out
}
