package protocol

import "fmt"

// ColumnDefinition is Protocol::ColumnDefinition41 (§3 / §4.5).
type ColumnDefinition struct {
	Catalog  string
	Schema   string
	Table    string
	OrgTable string
	Name     string
	OrgName  string
	Charset  uint16
	Length   uint32
	Type     FieldType
	Flags    ColumnFlag
	Decimals byte
}

// ParseColumnDefinition decodes one Protocol::ColumnDefinition41 payload.
func ParseColumnDefinition(data []byte) (ColumnDefinition, error) {
	var cd ColumnDefinition
	pos := 0

	next := func(label string) ([]byte, error) {
		s, _, n, err := ReadLenencString(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("column definition %s: %w", label, err)
		}
		pos += n
		return s, nil
	}

	var b []byte
	var err error
	if b, err = next("catalog"); err != nil {
		return cd, err
	}
	cd.Catalog = string(b)
	if b, err = next("schema"); err != nil {
		return cd, err
	}
	cd.Schema = string(b)
	if b, err = next("table"); err != nil {
		return cd, err
	}
	cd.Table = string(b)
	if b, err = next("org_table"); err != nil {
		return cd, err
	}
	cd.OrgTable = string(b)
	if b, err = next("name"); err != nil {
		return cd, err
	}
	cd.Name = string(b)
	if b, err = next("org_name"); err != nil {
		return cd, err
	}
	cd.OrgName = string(b)

	// length of fixed-length fields, always 0x0c
	_, _, n, err := ReadLenencInt(data[pos:])
	if err != nil {
		return cd, fmt.Errorf("column definition fixed-length marker: %w", err)
	}
	pos += n

	if pos+13 > len(data) {
		return cd, fmt.Errorf("column definition: truncated fixed block")
	}
	cd.Charset = uint16(data[pos]) | uint16(data[pos+1])<<8
	cd.Length = uint32(data[pos+2]) | uint32(data[pos+3])<<8 | uint32(data[pos+4])<<16 | uint32(data[pos+5])<<24
	cd.Type = FieldType(data[pos+6])
	cd.Flags = ColumnFlag(uint16(data[pos+7]) | uint16(data[pos+8])<<8)
	cd.Decimals = data[pos+9]
	// 2 filler bytes follow; if this is COM_FIELD_LIST a default value
	// trails, which this client never issues.
	return cd, nil
}

// IsUnsigned reports whether the column's UNSIGNED flag is set.
func (cd ColumnDefinition) IsUnsigned() bool {
	return cd.Flags&FlagUnsigned != 0
}
