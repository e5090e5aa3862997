package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// DecodeTextRow decodes one Text resultset row: each column is either a
// lenenc_str or the NULL marker 0xFB. Values are always strings (or nil)
// per the text protocol's lossless string round-trip guarantee (§4.5).
func DecodeTextRow(data []byte, numCols int) ([]any, error) {
	vals := make([]any, numCols)
	pos := 0
	for i := 0; i < numCols; i++ {
		if pos >= len(data) {
			return nil, fmt.Errorf("text row: truncated at column %d", i)
		}
		s, isNull, n, err := ReadLenencString(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("text row: column %d: %w", i, err)
		}
		pos += n
		if isNull {
			vals[i] = nil
		} else {
			vals[i] = string(s)
		}
	}
	return vals, nil
}

// DecodeBinaryRow decodes one ProtocolBinary::ResultsetRow (§4.6). The
// leading 0x00 packet-header byte is NOT part of data; data starts at
// the null-bitmap.
func DecodeBinaryRow(data []byte, cols []ColumnDefinition) ([]any, error) {
	numCols := len(cols)
	bitmapLen := (numCols + 7 + 2) / 8
	if len(data) < bitmapLen {
		return nil, fmt.Errorf("binary row: truncated null-bitmap")
	}
	nullBitmap := data[:bitmapLen]
	pos := bitmapLen

	isNull := func(i int) bool {
		bit := i + 2
		return nullBitmap[bit/8]>>uint(bit%8)&1 == 1
	}

	vals := make([]any, numCols)
	for i, col := range cols {
		if isNull(i) {
			vals[i] = nil
			continue
		}
		v, n, err := decodeBinaryValue(data[pos:], col)
		if err != nil {
			return nil, fmt.Errorf("binary row: column %d (%s): %w", i, col.Name, err)
		}
		vals[i] = v
		pos += n
	}
	return vals, nil
}

func decodeBinaryValue(data []byte, col ColumnDefinition) (any, int, error) {
	unsigned := col.IsUnsigned()
	switch col.Type {
	case TypeTiny:
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("short TINY")
		}
		if unsigned {
			return uint64(data[0]), 1, nil
		}
		return int64(int8(data[0])), 1, nil

	case TypeShort, TypeYear:
		if len(data) < 2 {
			return nil, 0, fmt.Errorf("short SHORT/YEAR")
		}
		u := binary.LittleEndian.Uint16(data[:2])
		if unsigned {
			return uint64(u), 2, nil
		}
		return int64(int16(u)), 2, nil

	case TypeLong, TypeInt24:
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("short LONG/INT24")
		}
		u := binary.LittleEndian.Uint32(data[:4])
		if unsigned {
			return uint64(u), 4, nil
		}
		return int64(int32(u)), 4, nil

	case TypeLongLong:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("short LONGLONG")
		}
		u := binary.LittleEndian.Uint64(data[:8])
		if unsigned {
			if u > math.MaxInt64 {
				// Overflows signed 64-bit: return the decimal string per spec.
				return strconv.FormatUint(u, 10), 8, nil
			}
			return u, 8, nil
		}
		return int64(u), 8, nil

	case TypeFloat:
		if len(data) < 4 {
			return nil, 0, fmt.Errorf("short FLOAT")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[:4])), 4, nil

	case TypeDouble:
		if len(data) < 8 {
			return nil, 0, fmt.Errorf("short DOUBLE")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[:8])), 8, nil

	case TypeDate, TypeDateTime, TypeTimestamp, TypeNewDate:
		return decodeBinaryDateTime(data)

	case TypeTime:
		return decodeBinaryTime(data)

	case TypeDecimal, TypeNewDecimal, TypeVarChar, TypeBit, TypeEnum, TypeSet,
		TypeTinyBlob, TypeMediumBlob, TypeLongBlob, TypeBlob, TypeVarString,
		TypeString, TypeGeometry, TypeJSON:
		s, _, n, err := ReadLenencString(data)
		if err != nil {
			return nil, 0, err
		}
		return string(s), n, nil

	default:
		return nil, 0, fmt.Errorf("unsupported column type %d", col.Type)
	}
}

// decodeBinaryDateTime decodes the DATE/DATETIME/TIMESTAMP on-wire format:
// 1 length byte in {0,4,7,11}; year(2) month(1) day(1); optional
// hour/min/sec(1 each); optional micro(4). Returns a canonical string.
func decodeBinaryDateTime(data []byte) (any, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("short DATE/DATETIME length byte")
	}
	length := int(data[0])
	if length == 0 {
		return "0000-00-00", 1, nil
	}
	if len(data) < 1+length {
		return nil, 0, fmt.Errorf("short DATE/DATETIME body")
	}
	body := data[1 : 1+length]
	year := binary.LittleEndian.Uint16(body[0:2])
	month, day := body[2], body[3]
	if length == 4 {
		return fmt.Sprintf("%04d-%02d-%02d", year, month, day), 5, nil
	}
	hour, min, sec := body[4], body[5], body[6]
	if length == 7 {
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, min, sec), 8, nil
	}
	micro := binary.LittleEndian.Uint32(body[7:11])
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d.%06d", year, month, day, hour, min, sec, micro), 12, nil
}

// decodeBinaryTime decodes the TIME on-wire format: 1 length byte in
// {0,8,12}; is_negative(1) days(4) hour(1) min(1) sec(1); optional
// micro(4). TIME may exceed 24h — total hours = days*24 + hour.
func decodeBinaryTime(data []byte) (any, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("short TIME length byte")
	}
	length := int(data[0])
	if length == 0 {
		return "00:00:00", 1, nil
	}
	if len(data) < 1+length {
		return nil, 0, fmt.Errorf("short TIME body")
	}
	body := data[1 : 1+length]
	neg := body[0] == 1
	days := binary.LittleEndian.Uint32(body[1:5])
	hour, min, sec := body[5], body[6], body[7]
	totalHours := uint64(days)*24 + uint64(hour)
	sign := ""
	if neg {
		sign = "-"
	}
	if length == 8 {
		return fmt.Sprintf("%s%02d:%02d:%02d", sign, totalHours, min, sec), 9, nil
	}
	micro := binary.LittleEndian.Uint32(body[8:12])
	return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, totalHours, min, sec, micro), 13, nil
}

// ParamValue is a parameter value ready for binary encoding in
// COM_STMT_EXECUTE, paired with the wire type code the client declares
// for it (§4.6).
type ParamValue struct {
	Type     FieldType
	Unsigned bool
	IsNull   bool
	Bytes    []byte // pre-encoded binary-protocol representation; empty if IsNull
}

// EncodeParam converts a Go value into its binary-protocol wire
// representation. Supported: nil, bool, integer kinds, float32/float64,
// string, []byte. Anything else is sent as its fmt.Sprint string form,
// matching the "everything stringifies for TEXT-ish columns" convention
// common MySQL client libraries use for unknown parameter types.
func EncodeParam(v any) ParamValue {
	switch x := v.(type) {
	case nil:
		return ParamValue{Type: TypeNull, IsNull: true}
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return ParamValue{Type: TypeTiny, Bytes: []byte{b}}
	case int8:
		return ParamValue{Type: TypeTiny, Bytes: []byte{byte(x)}}
	case uint8:
		return ParamValue{Type: TypeTiny, Unsigned: true, Bytes: []byte{x}}
	case int16:
		return ParamValue{Type: TypeShort, Bytes: PutUint16LE(nil, uint16(x))}
	case uint16:
		return ParamValue{Type: TypeShort, Unsigned: true, Bytes: PutUint16LE(nil, x)}
	case int32:
		return ParamValue{Type: TypeLong, Bytes: PutUint32LE(nil, uint32(x))}
	case uint32:
		return ParamValue{Type: TypeLong, Unsigned: true, Bytes: PutUint32LE(nil, x)}
	case int:
		return ParamValue{Type: TypeLongLong, Bytes: encodeU64(uint64(x))}
	case int64:
		return ParamValue{Type: TypeLongLong, Bytes: encodeU64(uint64(x))}
	case uint64:
		return ParamValue{Type: TypeLongLong, Unsigned: true, Bytes: encodeU64(x)}
	case float32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(x))
		return ParamValue{Type: TypeFloat, Bytes: b[:]}
	case float64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))
		return ParamValue{Type: TypeDouble, Bytes: b[:]}
	case []byte:
		return ParamValue{Type: TypeVarString, Bytes: PutLenencString(nil, x)}
	case string:
		return ParamValue{Type: TypeVarString, Bytes: PutLenencString(nil, []byte(x))}
	default:
		s := fmt.Sprint(x)
		return ParamValue{Type: TypeVarString, Bytes: PutLenencString(nil, []byte(s))}
	}
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// OKPacketInfo holds the fields of a parsed OK_Packet.
type OKPacketInfo struct {
	AffectedRows uint64
	LastInsertID uint64
	StatusFlags  ServerStatus
	WarningCount uint16
	Info         string
}

// ParseOKPacket parses an OK_Packet payload (leading 0x00 already consumed
// by the caller's dispatch, so data starts right after it).
func ParseOKPacket(data []byte) (OKPacketInfo, error) {
	var info OKPacketInfo
	pos := 0
	v, _, n, err := ReadLenencInt(data[pos:])
	if err != nil {
		return info, fmt.Errorf("OK packet affected_rows: %w", err)
	}
	info.AffectedRows = v
	pos += n

	v, _, n, err = ReadLenencInt(data[pos:])
	if err != nil {
		return info, fmt.Errorf("OK packet last_insert_id: %w", err)
	}
	info.LastInsertID = v
	pos += n

	if pos+2 > len(data) {
		return info, fmt.Errorf("OK packet: truncated status flags")
	}
	info.StatusFlags = ServerStatus(binary.LittleEndian.Uint16(data[pos : pos+2]))
	pos += 2

	if pos+2 > len(data) {
		return info, fmt.Errorf("OK packet: truncated warning count")
	}
	info.WarningCount = binary.LittleEndian.Uint16(data[pos : pos+2])
	pos += 2

	if pos < len(data) {
		info.Info = string(data[pos:])
	}
	return info, nil
}

// ErrPacketInfo holds the fields of a parsed ERR_Packet.
type ErrPacketInfo struct {
	Code     uint16
	SQLState string
	Message  string
}

// ParseErrPacket parses an ERR_Packet payload per §6: 0xFF already
// consumed; data starts at error_code.
func ParseErrPacket(data []byte) (ErrPacketInfo, error) {
	var info ErrPacketInfo
	if len(data) < 2 {
		return info, fmt.Errorf("ERR packet: truncated error code")
	}
	info.Code = binary.LittleEndian.Uint16(data[:2])
	pos := 2
	if pos < len(data) && data[pos] == '#' {
		pos++
		if pos+5 > len(data) {
			return info, fmt.Errorf("ERR packet: truncated sql state")
		}
		info.SQLState = string(data[pos : pos+5])
		pos += 5
	}
	info.Message = string(data[pos:])
	return info, nil
}

// IsEOFPacket reports whether data is an EOF_Packet: first byte 0xFE and
// length < 9 (distinguishing it from a LONGLONG-prefixed binary row or a
// lenenc-int-prefixed column count that also starts with 0xFE).
func IsEOFPacket(data []byte) bool {
	return len(data) > 0 && data[0] == EOFPacket && len(data) < 9
}

// EOFPacketInfo holds the fields of a parsed EOF_Packet.
type EOFPacketInfo struct {
	WarningCount uint16
	StatusFlags  ServerStatus
}

// ParseEOFPacket parses an EOF_Packet payload (leading 0xFE already
// consumed).
func ParseEOFPacket(data []byte) EOFPacketInfo {
	var info EOFPacketInfo
	if len(data) >= 2 {
		info.WarningCount = binary.LittleEndian.Uint16(data[0:2])
	}
	if len(data) >= 4 {
		info.StatusFlags = ServerStatus(binary.LittleEndian.Uint16(data[2:4]))
	}
	return info
}
