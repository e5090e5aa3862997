package conn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbbouncer/asyncmy/protocol"
)

func serverSendPrepareOK(codec *protocol.Codec, stmtID uint32, numParams, numColumns uint16) error {
	buf := []byte{protocol.OKPacket}
	buf = protocol.PutUint32LE(buf, stmtID)
	buf = protocol.PutUint16LE(buf, numColumns)
	buf = protocol.PutUint16LE(buf, numParams)
	buf = append(buf, 0) // filler
	buf = protocol.PutUint16LE(buf, 0)
	return codec.WritePacket(buf)
}

func serverSendBinaryResultOneRow(codec *protocol.Codec, col string, typ protocol.FieldType, encoded []byte) error {
	var header []byte
	header = protocol.PutLenencInt(header, 1)
	if err := codec.WritePacket(header); err != nil {
		return err
	}
	if err := codec.WritePacket(buildColumnDefPayload(col, typ)); err != nil {
		return err
	}
	if err := codec.WritePacket(eofPayload()); err != nil {
		return err
	}
	row := []byte{0x00, 0x00} // packet header byte + null-bitmap (1 col, no nulls)
	row = append(row, encoded...)
	if err := codec.WritePacket(row); err != nil {
		return err
	}
	return codec.WritePacket(eofPayload())
}

func TestPrepareAndExecute(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		// COM_STMT_PREPARE
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		if err := serverSendPrepareOK(codec, 7, 1, 1); err != nil {
			return
		}
		if err := codec.WritePacket(buildColumnDefPayload("id", protocol.TypeLong)); err != nil {
			return
		}
		if err := codec.WritePacket(eofPayload()); err != nil {
			return
		}
		if err := codec.WritePacket(buildColumnDefPayload("name", protocol.TypeVarString)); err != nil {
			return
		}
		if err := codec.WritePacket(eofPayload()); err != nil {
			return
		}

		// COM_STMT_EXECUTE
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		pv := protocol.EncodeParam("alice")
		serverSendBinaryResultOneRow(codec, "name", protocol.TypeVarString, pv.Bytes)
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()

	stmt, err := c.Prepare(context.Background(), "SELECT name FROM users WHERE id = ?")
	require.NoError(t, err)
	assert.EqualValues(t, 7, stmt.ID())
	assert.Equal(t, 1, stmt.NumParams())

	res, err := c.Execute(context.Background(), stmt, []any{1})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "alice", res.Rows[0]["name"])
}

func TestExecuteOnWrongConnectionFails(t *testing.T) {
	fs1 := startFakeServer(t, func(codec *protocol.Codec) {
		serverHandshake(codec, protocol.AuthNativePassword)
	})
	fs2 := startFakeServer(t, func(codec *protocol.Codec) {
		serverHandshake(codec, protocol.AuthNativePassword)
	})

	c1, err := Connect(context.Background(), testParams(t, fs1))
	require.NoError(t, err)
	defer c1.Close()
	c2, err := Connect(context.Background(), testParams(t, fs2))
	require.NoError(t, err)
	defer c2.Close()

	stmt := &PreparedStatement{conn: c1, sql: "SELECT 1", id: 1}
	_, err = c2.Execute(context.Background(), stmt, nil)
	assert.Error(t, err)
}

func TestStmtCloseIdempotent(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		serverSendPrepareOK(codec, 3, 0, 0)

		codec.ResetSeq()
		codec.ReadPacket() // COM_STMT_CLOSE, no response expected
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()

	stmt, err := c.Prepare(context.Background(), "DO 1")
	require.NoError(t, err)

	require.NoError(t, c.StmtClose(context.Background(), stmt))
	assert.True(t, stmt.IsClosed())
	require.NoError(t, c.StmtClose(context.Background(), stmt)) // idempotent no-op
}

func serverSendBinaryResultOneRowMore(codec *protocol.Codec, col string, typ protocol.FieldType, encoded []byte) error {
	var header []byte
	header = protocol.PutLenencInt(header, 1)
	if err := codec.WritePacket(header); err != nil {
		return err
	}
	if err := codec.WritePacket(buildColumnDefPayload(col, typ)); err != nil {
		return err
	}
	if err := codec.WritePacket(eofPayload()); err != nil {
		return err
	}
	row := []byte{0x00, 0x00}
	row = append(row, encoded...)
	if err := codec.WritePacket(row); err != nil {
		return err
	}
	eof := []byte{protocol.EOFPacket, 0, 0}
	eof = protocol.PutUint16LE(eof, uint16(protocol.StatusMoreResultsExists))
	return codec.WritePacket(eof)
}

func TestExecuteChainsMultipleResultSets(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		// COM_STMT_PREPARE for a multi-statement "SELECT 1; SELECT 2" statement
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		if err := serverSendPrepareOK(codec, 9, 0, 1); err != nil {
			return
		}
		if err := codec.WritePacket(buildColumnDefPayload("n", protocol.TypeLong)); err != nil {
			return
		}
		if err := codec.WritePacket(eofPayload()); err != nil {
			return
		}

		// COM_STMT_EXECUTE: first result set has SERVER_MORE_RESULTS_EXISTS set,
		// second (terminal) result set carries the chain's last row.
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		pv1 := protocol.EncodeParam(int32(1))
		if err := serverSendBinaryResultOneRowMore(codec, "n", protocol.TypeLong, pv1.Bytes); err != nil {
			return
		}
		pv2 := protocol.EncodeParam(int32(2))
		serverSendBinaryResultOneRow(codec, "n", protocol.TypeLong, pv2.Bytes)
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()

	stmt, err := c.Prepare(context.Background(), "SELECT 1; SELECT 2")
	require.NoError(t, err)

	res, err := c.Execute(context.Background(), stmt, nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.EqualValues(t, 1, res.Rows[0]["n"])

	next := res.NextResultSet()
	require.NotNil(t, next)
	require.Len(t, next.Rows, 1)
	assert.EqualValues(t, 2, next.Rows[0]["n"])
	assert.Nil(t, next.NextResultSet())
}

func TestExecuteOnClosedStatementFails(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		serverHandshake(codec, protocol.AuthNativePassword)
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()

	stmt := &PreparedStatement{conn: c, sql: "SELECT 1", id: 1, closed: true}
	_, err = c.Execute(context.Background(), stmt, nil)
	assert.Error(t, err)
}

func TestExecuteServerErrorLeavesConnectionReady(t *testing.T) {
	fs := startFakeServer(t, func(codec *protocol.Codec) {
		if err := serverHandshake(codec, protocol.AuthNativePassword); err != nil {
			return
		}
		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		if err := serverSendPrepareOK(codec, 11, 0, 0); err != nil {
			return
		}

		codec.ResetSeq()
		if _, err := codec.ReadPacket(); err != nil {
			return
		}
		serverSendErr(codec, 1146, "42S02", "Table 'x' doesn't exist")
	})

	c, err := Connect(context.Background(), testParams(t, fs))
	require.NoError(t, err)
	defer c.Close()

	stmt, err := c.Prepare(context.Background(), "SELECT * FROM x")
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), stmt, nil)
	require.Error(t, err)
	assert.Equal(t, StateReady, c.State())
}
