package conn

import (
	"context"
	"fmt"
	"time"

	"github.com/dbbouncer/asyncmy/mysqlerr"
	"github.com/dbbouncer/asyncmy/protocol"
)

// Query executes sql via COM_QUERY (text protocol, §4.5) and materializes
// every chained result set (SERVER_MORE_RESULTS_EXISTS) into a Result
// linked list.
func (c *Connection) Query(ctx context.Context, sql string) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, mysqlerr.Connection("query on non-ready connection", 0, nil)
	}
	c.beginCommand(StateQuerying)
	defer c.endCommand()

	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	cmd := append([]byte{protocol.ComQuery}, []byte(sql)...)
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("sending COM_QUERY", err)
	}
	res, err := c.readTextResultChain()
	if err != nil {
		if !mysqlerr.IsServerError(err) {
			c.poison()
		}
		return nil, err
	}
	return res, nil
}

// StreamQuery executes sql via COM_QUERY and delivers rows to onRow as
// they parse off the wire, resolving with StreamStats on completion.
// Only the first result set is streamed — multi-result streaming is
// undefined per the protocol's open questions.
func (c *Connection) StreamQuery(ctx context.Context, sql string, onRow func(Row) error) (*StreamStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return nil, mysqlerr.Connection("stream on non-ready connection", 0, nil)
	}
	c.beginCommand(StateQuerying)
	defer c.endCommand()

	start := time.Now()
	if err := c.applyDeadline(ctx); err != nil {
		return nil, err
	}
	cmd := append([]byte{protocol.ComQuery}, []byte(sql)...)
	if err := c.codec.WritePacket(cmd); err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("sending COM_QUERY", err)
	}

	header, err := c.codec.ReadPacket()
	if err != nil {
		c.poison()
		return nil, mysqlerr.WrapQuery("reading result header", err)
	}
	if len(header) == 0 {
		c.poison()
		return nil, mysqlerr.WrapQuery("empty result header", nil)
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
	cols, err := c.readColumnDefinitions(int(colCount))
	if err != nil {
		c.poison()
		return nil, err
	}
	keys := ColumnKeys(cols)

	var rowCount uint64
	var warnings uint16
	for {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			c.poison()
			return nil, mysqlerr.WrapQuery("reading row", err)
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
		values, err := protocol.DecodeTextRow(payload, len(cols))
		if err != nil {
			c.poison()
			return nil, mysqlerr.WrapQuery("decoding row", err)
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

// readTextResultChain reads one or more chained text result sets
// following a just-sent COM_QUERY, until a terminal response with no
// SERVER_MORE_RESULTS_EXISTS flag. Callers must hold c.mu.
func (c *Connection) readTextResultChain() (*Result, error) {
	var head, tail *Result
	for {
		header, err := c.codec.ReadPacket()
		if err != nil {
			return nil, mysqlerr.WrapQuery("reading result header", err)
		}
		if len(header) == 0 {
			return nil, mysqlerr.WrapQuery("empty result header", nil)
		}
		switch header[0] {
		case protocol.OKPacket:
			info, err := protocol.ParseOKPacket(header[1:])
			if err != nil {
				return nil, mysqlerr.WrapQuery("parsing OK packet", err)
			}
			res := &Result{AffectedRows: info.AffectedRows, LastInsertID: info.LastInsertID, WarningCount: info.WarningCount}
			head, tail = appendResult(head, tail, res)
			if info.StatusFlags&protocol.StatusMoreResultsExists == 0 {
				return head, nil
			}
			continue
		case protocol.ErrPacket:
			info, perr := protocol.ParseErrPacket(header[1:])
			if perr != nil {
				return nil, mysqlerr.WrapQuery("parsing ERR packet", perr)
			}
			return nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
		}

		colCount, _, _, err := protocol.ReadLenencInt(header)
		if err != nil {
			return nil, mysqlerr.WrapQuery("parsing result set header", err)
		}
		cols, err := c.readColumnDefinitions(int(colCount))
		if err != nil {
			return nil, err
		}
		keys := ColumnKeys(cols)

		var rows []Row
		var statusFlags protocol.ServerStatus
		for {
			payload, err := c.codec.ReadPacket()
			if err != nil {
				return nil, mysqlerr.WrapQuery("reading row", err)
			}
			if protocol.IsEOFPacket(payload) {
				eof := protocol.ParseEOFPacket(payload[1:])
				statusFlags = eof.StatusFlags
				break
			}
			if len(payload) > 0 && payload[0] == protocol.ErrPacket {
				info, perr := protocol.ParseErrPacket(payload[1:])
				if perr != nil {
					return nil, mysqlerr.WrapQuery("parsing mid-result ERR packet", perr)
				}
				return nil, mysqlerr.Query(info.Code, info.SQLState, info.Message)
			}
			values, err := protocol.DecodeTextRow(payload, len(cols))
			if err != nil {
				return nil, mysqlerr.WrapQuery("decoding row", err)
			}
			rows = append(rows, rowFromValues(keys, values))
		}
		res := &Result{Columns: cols, Rows: rows}
		head, tail = appendResult(head, tail, res)
		if statusFlags&protocol.StatusMoreResultsExists == 0 {
			return head, nil
		}
	}
}

func appendResult(head, tail *Result, res *Result) (*Result, *Result) {
	if head == nil {
		return res, res
	}
	tail.Next = res
	return head, res
}

// readColumnDefinitions reads n ColumnDefinition packets, followed by an
// intermediate EOF unless CLIENT_DEPRECATE_EOF was negotiated (§4.3/§4.5).
// Callers must hold c.mu.
func (c *Connection) readColumnDefinitions(n int) ([]protocol.ColumnDefinition, error) {
	cols := make([]protocol.ColumnDefinition, n)
	for i := 0; i < n; i++ {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			return nil, mysqlerr.WrapQuery(fmt.Sprintf("reading column definition %d", i), err)
		}
		col, err := protocol.ParseColumnDefinition(payload)
		if err != nil {
			return nil, mysqlerr.WrapQuery(fmt.Sprintf("parsing column definition %d", i), err)
		}
		cols[i] = col
	}
	if !c.deprecateEOF {
		payload, err := c.codec.ReadPacket()
		if err != nil {
			return nil, mysqlerr.WrapQuery("reading intermediate EOF", err)
		}
		if !protocol.IsEOFPacket(payload) {
			return nil, mysqlerr.WrapQuery("expected intermediate EOF after column definitions", nil)
		}
	}
	return cols, nil
}
