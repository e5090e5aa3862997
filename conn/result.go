package conn

import (
	"strconv"

	"github.com/dbbouncer/asyncmy/protocol"
)

// Row is one result row keyed by (disambiguated) column name.
type Row map[string]any

// Result is a materialized result set (§3). Chained result sets from a
// multi-statement response are linked via Next, walked with
// NextResultSet — the SERVER_MORE_RESULTS_EXISTS supplement scoped by
// SPEC_FULL's non-goals note.
type Result struct {
	Rows         []Row
	Columns      []protocol.ColumnDefinition
	AffectedRows uint64
	LastInsertID uint64
	WarningCount uint16

	Next *Result
}

// NextResultSet returns the next chained result set, or nil if this was
// the last one.
func (r *Result) NextResultSet() *Result { return r.Next }

// ColumnKeys computes the row keys for a column list, disambiguating
// duplicates by suffixing 1, 2, … on the second and later occurrence
// (§8 boundary behavior: "x", "x", "x" -> "x", "x1", "x2"). Exported so
// callers outside this package (e.g. mysqlx's FetchValue) key rows from
// a *Result the exact same way, instead of re-implementing the rule.
func ColumnKeys(cols []protocol.ColumnDefinition) []string {
	keys := make([]string, len(cols))
	seen := make(map[string]int, len(cols))
	for i, c := range cols {
		n := seen[c.Name]
		seen[c.Name] = n + 1
		if n == 0 {
			keys[i] = c.Name
		} else {
			keys[i] = c.Name + strconv.Itoa(n)
		}
	}
	return keys
}

func rowFromValues(keys []string, values []any) Row {
	row := make(Row, len(keys))
	for i, k := range keys {
		row[k] = values[i]
	}
	return row
}

// StreamStats is the outcome of a streaming query (§3).
type StreamStats struct {
	RowCount     uint64
	ColumnCount  int
	Duration     int64 // nanoseconds; caller formats as time.Duration
	WarningCount uint16
	ConnectionID string
}

// PreparedStatement is a server-side statement handle, scoped to the
// connection that prepared it (§3). Closing is idempotent.
type PreparedStatement struct {
	conn       *Connection
	sql        string
	id         uint32
	numColumns uint16
	numParams  uint16
	columns    []protocol.ColumnDefinition
	params     []protocol.ColumnDefinition

	closed bool
}

// ID returns the server-assigned statement id.
func (s *PreparedStatement) ID() uint32 { return s.id }

// SQL returns the text the statement was prepared from.
func (s *PreparedStatement) SQL() string { return s.sql }

// NumParams returns the number of bound parameters this statement expects.
func (s *PreparedStatement) NumParams() int { return int(s.numParams) }

// IsClosed reports whether Close has already run.
func (s *PreparedStatement) IsClosed() bool { return s.closed }

// Connection returns the owning connection — statement ids are never
// valid across connections (§3 invariant).
func (s *PreparedStatement) Connection() *Connection { return s.conn }
