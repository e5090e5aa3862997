package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/dbbouncer/asyncmy/mysqlerr"
	"github.com/dbbouncer/asyncmy/protocol"
)

// Prepare issues COM_STMT_PREPARE (§4.5) and returns the resulting
// server-side statement handle, scoped to this connection.
func (c *Connection) Prepare(ctx context.Context, sql string) (*PreparedStatement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, mysqlerr.Connection("prepare on non-ready connection", 0, nil)
	}
	c.beginCommand(StatePreparing)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	cmd := append([]byte{protocol.ComStmtPrepare}, []byte(sql)...)
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("sending COM_STMT_PREPARE", err)
	}

	header, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("reading prepare response", err)
	}
	if len(header) == 0 {
		c.poison()
		return nil, mysqlerr.WrapQuery("empty prepare response", nil)
	}
	if header[0] == protocol.ErrPacket {
		info, perr := protocol.ParseErrPacket(header[1:])
		if perr != nil {
			return nil, mysqlerr.WrapQuery("parsing ERR packet", perr)
		}
		return nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
	}
	if header[0] != protocol.OKPacket || len(header) < 12 {
		c.poison()
		return nil, mysqlerr.WrapQuery("malformed COM_STMT_PREPARE_OK", nil)
	}
	stmt := &PreparedStatement{conn: c, sql: sql}
	stmt.id = uint32(header[1]) | uint32(header[2])<<8 | uint32(header[3])<<16 | uint32(header[4])<<24
	stmt.numColumns = uint16(header[5]) | uint16(header[6])<<8
	stmt.numParams = uint16(header[7]) | uint16(header[8])<<8
	// header[9] is the filler byte; header[10:12] is warning_count (unused here).

	if stmt.numParams > 0 {
		params, err := c.readColumnDefinitions(int(stmt.numParams))
		if err != nil {
			return nil, err
		}
		stmt.params = params
	}
	if stmt.numColumns > 0 {
		cols, err := c.readColumnDefinitions(int(stmt.numColumns))
		if err != nil {
			return nil, err
		}
		stmt.columns = cols
	}
	return stmt, nil
}

// Execute runs a prepared statement via COM_STMT_EXECUTE with bound
// params (§4.5/§4.6), returning the materialized chained result.
func (c *Connection) Execute(ctx context.Context, stmt *PreparedStatement, params []any) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, mysqlerr.Connection("execute on non-ready connection", 0, nil)
	}
	if stmt.closed {
		return nil, mysqlerr.WrapQuery("execute on closed prepared statement", nil)
	}
	if stmt.conn != c {
		return nil, mysqlerr.WrapQuery("prepared statement executed on a different connection than it was prepared on", nil)
	}
	c.beginCommand(StateExecuting)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	cmd, err := buildExecutePacket(stmt.id, params)
	if err != nil {
		return nil, mysqlerr.WrapQuery("encoding execute parameters", err)
	}
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("sending COM_STMT_EXECUTE", err)
	}

	res, cols, err := c.readBinaryResultChain(stmt.columns)
	if err != nil {
		if !mysqlerr.IsServerError(err) {
			c.poison()
		}
		return nil, err
	}
	if cols != nil {
		stmt.columns = cols // metadata changed since prepare; replace cached copy
	}
	return res, nil
}

// StreamExecute runs a prepared statement like Execute but delivers rows
// to onRow as they parse instead of materializing a Result.
func (c *Connection) StreamExecute(ctx context.Context, stmt *PreparedStatement, params []any, onRow func(Row) error) (*StreamStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, mysqlerr.Connection("stream-execute on non-ready connection", 0, nil)
	}
	if stmt.closed {
		return nil, mysqlerr.WrapQuery("stream-execute on closed prepared statement", nil)
	}
	if stmt.conn != c {
		return nil, mysqlerr.WrapQuery("prepared statement executed on a different connection than it was prepared on", nil)
	}
	c.beginCommand(StateExecuting)
	defer c.endCommand()

	start := time.Now()
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	cmd, err := buildExecutePacket(stmt.id, params)
	if err != nil {
		return nil, mysqlerr.WrapQuery("encoding execute parameters", err)
	}
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("sending COM_STMT_EXECUTE", err)
	}

	header, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("reading execute response header", err)
	}
	if len(header) == 0 {
		c.poison()
		return nil, mysqlerr.WrapQuery("empty execute response", nil)
	}
	switch header[0] {
	case protocol.OKPacket:
		info, err := protocol.ParseOKPacket(header[1:])
		if err != nil {
			c.poison()
			return nil, mysqlerr.WrapQuery("parsing OK packet", err)
		}
		return &StreamStats{WarningCount: info.WarningCount, Duration: int64(time.Since(start)), ConnectionID: c.id}, nil
	case protocol.ErrPacket:
		info, perr := protocol.ParseErrPacket(header[1:])
		if perr != nil {
			return nil, mysqlerr.WrapQuery("parsing ERR packet", perr)
		}
		return nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
	}

	colCount, _, _, err := protocol.ReadLenencInt(header)
	if err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("parsing result set header", err)
	}
	var cols []protocol.ColumnDefinition
	if colCount == 0 && len(stmt.columns) > 0 {
		cols = stmt.columns
	} else {
		cols, err = c.readColumnDefinitions(int(colCount))
		if err != nil {
			c.poison()
			return nil, err
		}
		stmt.columns = cols
	}
	keys := ColumnKeys(cols)

	var rowCount uint64
	var warnings uint16
	for {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			c.poison()
			return nil, mysqlerr.WrapQuery("reading binary row", err)
		}
		if protocol.IsEOFPacket(payload) {
			eof := protocol.ParseEOFPacket(payload[1:])
			warnings = eof.WarningCount
			break
		}
		if len(payload) > 0 && payload[0] == protocol.ErrPacket {
			info, perr := protocol.ParseErrPacket(payload[1:])
			if perr != nil {
				return nil, mysqlerr.WrapQuery("parsing mid-stream ERR packet", perr)
			}
			return nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
		}
		if len(payload) < 1 || payload[0] != 0x00 {
			c.poison()
			return nil, mysqlerr.WrapQuery(fmt.Sprintf("unexpected binary row header byte 0x%02x", payload[0]), nil)
		}
		values, err := protocol.DecodeBinaryRow(payload[1:], cols)
		if err != nil {
			c.poison()
			return nil, mysqlerr.WrapQuery("decoding binary row", err)
		}
		rowCount++
		if onRow != nil {
			if err := onRow(rowFromValues(keys, values)); err != nil {
				c.poison() // remaining rows left unread on the wire
				return nil, err
			}
		}
	}
	return &StreamStats{
		RowCount:     rowCount,
		ColumnCount:  len(cols),
		Duration:     int64(time.Since(start)),
		WarningCount: warnings,
		ConnectionID: c.id,
	}, nil
}

// StmtClose issues COM_STMT_CLOSE (§4.5: no response). Idempotent.
func (c *Connection) StmtClose(ctx context.Context, stmt *PreparedStatement) error {
	if stmt.closed {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		stmt.closed = true
		return mysqlerr.Connection("stmt-close on non-ready connection", 0, nil)
	}
	c.beginCommand(StateReady) // no response follows; stays Ready throughout
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return err
	}
	buf := append([]byte{protocol.ComStmtClose}, protocol.PutUint32LE(nil, stmt.id)...)
	if err := c.codec.WritePacket(buf); err != nil {
		c.poison()
		return mysqlerr.Connection("sending COM_STMT_CLOSE", 0, err)
	}
	stmt.closed = true
	return nil
}

// buildExecutePacket encodes a COM_STMT_EXECUTE payload (§4.5).
func buildExecutePacket(stmtID uint32, params []any) ([]byte, error) {
	buf := make([]byte, 0, 16+len(params)*8)
	buf = append(buf, protocol.ComStmtExecute)
	buf = protocol.PutUint32LE(buf, stmtID)
	buf = append(buf, 0x00)           // cursor flags: no cursor
	buf = protocol.PutUint32LE(buf, 1) // iteration count

	if len(params) == 0 {
		return buf, nil
	}

	encoded := make([]protocol.ParamValue, len(params))
	for i, p := range params {
		encoded[i] = protocol.EncodeParam(p)
	}

	bitmapLen := (len(params) + 7) / 8
	bitmap := make([]byte, bitmapLen)
	for i, p := range encoded {
		if p.IsNull {
			bitmap[i/8] |= 1 << uint(i%8)
		}
	}
	buf = append(buf, bitmap...)
	buf = append(buf, 0x01) // new_params_bound_flag

	for _, p := range encoded {
		typeByte := byte(p.Type)
		flagByte := byte(0)
		if p.Unsigned {
			flagByte = 0x80
		}
		buf = append(buf, typeByte, flagByte)
	}
	for _, p := range encoded {
		if !p.IsNull {
			buf = append(buf, p.Bytes...)
		}
	}
	return buf, nil
}

// readBinaryResultChain mirrors readTextResultChain but decodes
// ProtocolBinary rows, looping on StatusMoreResultsExists to build the
// same Result.Next chain a multi-statement COM_STMT_EXECUTE can produce.
// fallbackCols is the statement's cached metadata, used only if a result
// set's header unexpectedly carries zero columns while the statement is
// known to return rows. Returns the column list of the last result set
// that carried column metadata (nil if every result was a plain OK) so
// the caller can refresh the statement's cached metadata.
// Callers must hold c.mu.
func (c *Connection) readBinaryResultChain(fallbackCols []protocol.ColumnDefinition) (*Result, []protocol.ColumnDefinition, error) {
	var head, tail *Result
	var lastCols []protocol.ColumnDefinition
	for {
		header, err := c.codec.ReadPacket()
		if err != nil {
			return nil, nil, mysqlerr.WrapQuery("reading execute response header", err)
		}
		if len(header) == 0 {
			return nil, nil, mysqlerr.WrapQuery("empty execute response", nil)
		}
		switch header[0] {
		case protocol.OKPacket:
			info, err := protocol.ParseOKPacket(header[1:])
			if err != nil {
				return nil, nil, mysqlerr.WrapQuery("parsing OK packet", err)
			}
			res := &Result{AffectedRows: info.AffectedRows, LastInsertID: info.LastInsertID, WarningCount: info.WarningCount}
			head, tail = appendResult(head, tail, res)
			if info.StatusFlags&protocol.StatusMoreResultsExists == 0 {
				return head, lastCols, nil
			}
			continue
		case protocol.ErrPacket:
			info, perr := protocol.ParseErrPacket(header[1:])
			if perr != nil {
				return nil, nil, mysqlerr.WrapQuery("parsing ERR packet", perr)
			}
			return nil, nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
		}

		colCount, _, _, err := protocol.ReadLenencInt(header)
		if err != nil {
			return nil, nil, mysqlerr.WrapQuery("parsing result set header", err)
		}
		var cols []protocol.ColumnDefinition
		if colCount == 0 && len(fallbackCols) > 0 {
			cols = fallbackCols
		} else {
			cols, err = c.readColumnDefinitions(int(colCount))
			if err != nil {
				return nil, nil, err
			}
		}
		lastCols = cols
		keys := ColumnKeys(cols)

		var rows []Row
		var statusFlags protocol.ServerStatus
		for {
			payload, err := c.codec.ReadPacket()
			if err != nil {
				return nil, nil, mysqlerr.WrapQuery("reading binary row", err)
			}
			if protocol.IsEOFPacket(payload) {
				eof := protocol.ParseEOFPacket(payload[1:])
				statusFlags = eof.StatusFlags
				break
			}
			if len(payload) > 0 && payload[0] == protocol.ErrPacket {
				info, perr := protocol.ParseErrPacket(payload[1:])
				if perr != nil {
					return nil, nil, mysqlerr.WrapQuery("parsing mid-result ERR packet", perr)
				}
				return nil, nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
			}
			if len(payload) < 1 || payload[0] != 0x00 {
				return nil, nil, mysqlerr.WrapQuery(fmt.Sprintf("unexpected binary row header byte 0x%02x", payload[0]), nil)
			}
			values, err := protocol.DecodeBinaryRow(payload[1:], cols)
			if err != nil {
				return nil, nil, mysqlerr.WrapQuery("decoding binary row", err)
			}
			rows = append(rows, rowFromValues(keys, values))
		}
		res := &Result{Columns: cols, Rows: rows}
		head, tail = appendResult(head, tail, res)
		if statusFlags&protocol.StatusMoreResultsExists == 0 {
			return head, lastCols, nil
		}
	}
}
