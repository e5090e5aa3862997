package protocol

import (
	"encoding/binary"
	"fmt"
)

// ReadLenencInt decodes a length-encoded integer at the start of data,
// returning the value, whether it was the NULL marker (0xFB), and the
// number of bytes consumed. Per §4.1: <0xFB literal, 0xFC/0xFD/0xFE give
// 2/3/8 little-endian bytes, 0xFB is NULL (context-dependent), 0xFF is
// never a valid length.
func ReadLenencInt(data []byte) (value uint64, isNull bool, n int, err error) {
	if len(data) == 0 {
		return 0, false, 0, fmt.Errorf("lenenc int: empty buffer")
	}
	first := data[0]
	switch {
	case first < lenEncNull:
		return uint64(first), false, 1, nil
	case first == lenEncNull:
		return 0, true, 1, nil
	case first == lenEnc2Byte:
		if len(data) < 3 {
			return 0, false, 0, fmt.Errorf("lenenc int: short 2-byte form")
		}
		return uint64(binary.LittleEndian.Uint16(data[1:3])), false, 3, nil
	case first == lenEnc3Byte:
		if len(data) < 4 {
			return 0, false, 0, fmt.Errorf("lenenc int: short 3-byte form")
		}
		v := uint64(data[1]) | uint64(data[2])<<8 | uint64(data[3])<<16
		return v, false, 4, nil
	case first == lenEnc8Byte:
		if len(data) < 9 {
			return 0, false, 0, fmt.Errorf("lenenc int: short 8-byte form")
		}
		return binary.LittleEndian.Uint64(data[1:9]), false, 9, nil
	default: // 0xFF
		return 0, false, 0, fmt.Errorf("lenenc int: error marker 0xFF is not a valid length")
	}
}

// PutLenencInt appends the length-encoded form of v to buf.
func PutLenencInt(buf []byte, v uint64) []byte {
	switch {
	case v < uint64(lenEncNull):
		return append(buf, byte(v))
	case v <= 0xFFFF:
		buf = append(buf, lenEnc2Byte)
		return PutUint16LE(buf, uint16(v))
	case v <= 0xFFFFFF:
		buf = append(buf, lenEnc3Byte)
		return PutUint24LE(buf, uint32(v))
	default:
		buf = append(buf, lenEnc8Byte)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		return append(buf, b[:]...)
	}
}

// ReadLenencString decodes a length-encoded string: a lenenc_int length
// followed by that many bytes. Returns the string, NULL-ness, and bytes
// consumed.
func ReadLenencString(data []byte) (s []byte, isNull bool, n int, err error) {
	l, isNull, hdrLen, err := ReadLenencInt(data)
	if err != nil {
		return nil, false, 0, err
	}
	if isNull {
		return nil, true, hdrLen, nil
	}
	end := hdrLen + int(l)
	if end > len(data) {
		return nil, false, 0, fmt.Errorf("lenenc string: length %d exceeds buffer", l)
	}
	return data[hdrLen:end], false, end, nil
}

// PutLenencString appends the length-encoded form of s to buf.
func PutLenencString(buf []byte, s []byte) []byte {
	buf = PutLenencInt(buf, uint64(len(s)))
	return append(buf, s...)
}

// ReadNullString reads bytes up to and including a 0x00 terminator,
// returning the value (terminator excluded) and bytes consumed
// (terminator included).
func ReadNullString(data []byte) (s []byte, n int, err error) {
	for i, b := range data {
		if b == 0 {
			return data[:i], i + 1, nil
		}
	}
	return nil, 0, fmt.Errorf("null-terminated string: no terminator found")
}

// PutNullString appends s followed by a 0x00 terminator.
func PutNullString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}
