package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildColumnDefinitionPayload() []byte {
	var buf []byte
	buf = PutLenencString(buf, []byte("def"))
	buf = PutLenencString(buf, []byte("testdb"))
	buf = PutLenencString(buf, []byte("users"))
	buf = PutLenencString(buf, []byte("users"))
	buf = PutLenencString(buf, []byte("id"))
	buf = PutLenencString(buf, []byte("id"))
	buf = PutLenencInt(buf, 0x0c)
	buf = PutUint16LE(buf, 33) // charset utf8_general_ci
	buf = PutUint32LE(buf, 11)
	buf = append(buf, byte(TypeLong))
	buf = PutUint16LE(buf, uint16(FlagNotNull|FlagPriKey|FlagUnsigned))
	buf = append(buf, 0) // decimals
	buf = append(buf, 0, 0)
	return buf
}

func TestParseColumnDefinition(t *testing.T) {
	payload := buildColumnDefinitionPayload()
	cd, err := ParseColumnDefinition(payload)
	require.NoError(t, err)
	assert.Equal(t, "users", cd.Table)
	assert.Equal(t, "id", cd.Name)
	assert.Equal(t, TypeLong, cd.Type)
	assert.EqualValues(t, 33, cd.Charset)
	assert.True(t, cd.IsUnsigned())
}

func TestParseColumnDefinitionTruncated(t *testing.T) {
	payload := buildColumnDefinitionPayload()
	_, err := ParseColumnDefinition(payload[:len(payload)-5])
	assert.Error(t, err)
}

func TestIsUnsignedFalse(t *testing.T) {
	cd := ColumnDefinition{Flags: FlagNotNull}
	assert.False(t, cd.IsUnsigned())
}
