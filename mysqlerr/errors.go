// Package mysqlerr defines the typed error taxonomy surfaced by asyncmy.
//
// Every error returned across a public API boundary can be inspected with
// errors.As into one of the *Error types below, or matched with errors.Is
// against one of the sentinel values. Low-level I/O and parse errors are
// wrapped at the boundary of the component that encountered them so the
// original cause is never lost.
package mysqlerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's variant tags.
type Kind int

const (
	KindConfiguration Kind = iota
	KindConnection
	KindAuthentication
	KindQuery
	KindConstraintViolation
	KindPool
	KindTimeout
	KindNotInitialized
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindQuery:
		return "query"
	case KindConstraintViolation:
		return "constraint_violation"
	case KindPool:
		return "pool"
	case KindTimeout:
		return "timeout"
	case KindNotInitialized:
		return "not_initialized"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// constraintViolationCodes are the MySQL error codes that promote a Query
// error to ConstraintViolation, per spec: 1062 (duplicate key), 1451/1452
// (FK violation), 1048 (column cannot be null), 1216/1217 (FK row
// constraints), 1364 (field has no default), 3819 (CHECK constraint).
var constraintViolationCodes = map[uint16]bool{
	1062: true,
	1451: true,
	1452: true,
	1048: true,
	1216: true,
	1217: true,
	1364: true,
	3819: true,
}

// Error is the unified error type for every kind in the taxonomy. All
// errors returned by asyncmy can be type-asserted to *Error.
type Error struct {
	Kind     Kind
	Code     uint16 // MySQL error code, 0 if not a server error
	SQLState string // 5-char SQL state, empty if not a server error
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		if e.SQLState != "" {
			return fmt.Sprintf("%s: [%d, %s] %s", e.Kind, e.Code, e.SQLState, e.Message)
		}
		return fmt.Sprintf("%s: [%d] %s", e.Kind, e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrPoolExhausted) et al. work against sentinels
// that share a Kind but carry no code/message of their own.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != 0 || t.Message != "" {
		return t.Kind == e.Kind && t.Code == e.Code && t.Message == e.Message
	}
	return t.Kind == e.Kind
}

func newErr(kind Kind, code uint16, sqlState, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: code, SQLState: sqlState, Message: msg, Cause: cause}
}

// Configuration wraps an invalid-options / bad-DSN / bad-timeout error.
func Configuration(msg string, cause error) *Error {
	return newErr(KindConfiguration, 0, "", msg, cause)
}

// Connection wraps a TCP/TLS/handshake level failure. code is the MySQL
// error code if the server surfaced one (e.g. 1040, 1045), else 0.
func Connection(msg string, code uint16, cause error) *Error {
	return newErr(KindConnection, code, "", msg, cause)
}

// Authentication wraps a plugin/RSA/access-denied failure.
func Authentication(msg string, code uint16, sqlState string, cause error) *Error {
	return newErr(KindAuthentication, code, sqlState, msg, cause)
}

// Query builds a Query error from a parsed ERR packet, promoting it to
// ConstraintViolation when the code matches the known set.
func Query(code uint16, sqlState, msg string) *Error {
	kind := KindQuery
	if constraintViolationCodes[code] {
		kind = KindConstraintViolation
	}
	return newErr(kind, code, sqlState, msg, nil)
}

// WrapQuery wraps a non-server parse/protocol error encountered while a
// query was in flight, preserving the cause per the propagation policy.
func WrapQuery(msg string, cause error) *Error {
	return newErr(KindQuery, 0, "", msg, cause)
}

// PoolExhausted signals the waiter cap was reached.
func PoolExhausted(tenant string) *Error {
	return newErr(KindPool, 0, "", fmt.Sprintf("pool exhausted: %s", tenant), nil)
}

// PoolClosed signals the pool was closed while a caller was waiting.
func PoolClosed() *Error {
	return newErr(KindPool, 0, "", "pool closed", nil)
}

// AcquireTimeout signals the acquire timeout elapsed before a connection
// became available.
func AcquireTimeout() *Error {
	return newErr(KindTimeout, 0, "", "acquire timeout: pool exhausted", nil)
}

// NotInitialized signals an operation was attempted after Close.
func NotInitialized() *Error {
	return newErr(KindNotInitialized, 0, "", "client is closed", nil)
}

// Cancelled signals the caller cancelled the in-flight operation.
func Cancelled() *Error {
	return newErr(KindCancelled, 0, "", "operation cancelled", nil)
}

// IsKind reports whether err (or something it wraps) is a *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// IsServerError reports whether err is an ERR packet the server sent on an
// otherwise healthy connection (built via Query, carrying a nonzero MySQL
// error code), as opposed to a protocol/transport failure wrapped by
// WrapQuery. Callers use this to decide whether the connection is still
// reusable after a query fails.
func IsServerError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return (e.Kind == KindQuery || e.Kind == KindConstraintViolation) && e.Code != 0
}
