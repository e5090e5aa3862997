package mysqlx

import (
	"context"
	"fmt"

	"github.com/dbbouncer/asyncmy/conn"
	"github.com/dbbouncer/asyncmy/mysqlerr"
)

// Transaction is a connection pinned for the duration of a transaction
// (§4.8 "Transactions"). It is not safe for concurrent use by more than
// one goroutine.
type Transaction struct {
	cl     *Client
	co     *conn.Connection
	active bool
}

// BeginTransaction pins a connection, optionally sets its isolation
// level, and issues START TRANSACTION. isolation may be "" to leave the
// connection's current default in place.
func (cl *Client) BeginTransaction(ctx context.Context, isolation string) (*Transaction, error) {
	if err := cl.checkOpen(); err != nil {
		return nil, err
	}
	co, err := cl.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	cl.invalidateStatementCacheOnBorrow(co)

	if isolation != "" {
		if _, err := co.Query(ctx, fmt.Sprintf("SET TRANSACTION ISOLATION LEVEL %s", isolation)); err != nil {
			cl.pool.Release(ctx, co)
			return nil, err
		}
	}
	if _, err := co.Query(ctx, "START TRANSACTION"); err != nil {
		cl.pool.Release(ctx, co)
		return nil, err
	}
	return &Transaction{cl: cl, co: co, active: true}, nil
}

func (t *Transaction) checkActive() error {
	if !t.active {
		return mysqlerr.WrapQuery("transaction closed", nil)
	}
	return nil
}

// runOnPinned bridges ctx cancellation to KILL QUERY exactly like
// withConnection, but never releases the pinned connection — the
// transaction owns its lifetime until Commit/Rollback.
func runOnPinned[T any](ctx context.Context, co *conn.Connection, fn func(ctx context.Context, co *conn.Connection) (T, error)) (T, error) {
	var zero T
	type outcome struct {
		val T
		err error
	}
	doneCh := make(chan outcome, 1)
	go func() {
		v, err := fn(context.Background(), co)
		doneCh <- outcome{v, err}
	}()
	select {
	case o := <-doneCh:
		return o.val, o.err
	case <-ctx.Done():
		go func() {
			_ = co.Kill(context.Background())
			<-doneCh
		}()
		return zero, mysqlerr.Cancelled()
	}
}

// Query runs sql against the pinned connection.
func (t *Transaction) Query(ctx context.Context, sql string, params []any) (*Result, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	return runOnPinned(ctx, t.co, func(ctx context.Context, co *conn.Connection) (*Result, error) {
		return t.cl.execOnConn(ctx, co, sql, params)
	})
}

// Execute runs sql and returns its affected-row count.
func (t *Transaction) Execute(ctx context.Context, sql string, params []any) (uint64, error) {
	res, err := t.Query(ctx, sql, params)
	if err != nil {
		return 0, err
	}
	return res.AffectedRows, nil
}

// Prepare prepares sql on the pinned connection, using the same
// per-connection cache the rest of the client uses.
func (t *Transaction) Prepare(ctx context.Context, sql string) (*conn.PreparedStatement, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	return runOnPinned(ctx, t.co, func(ctx context.Context, co *conn.Connection) (*conn.PreparedStatement, error) {
		return t.cl.getOrPrepare(ctx, co, sql)
	})
}

// Savepoint issues SAVEPOINT name.
func (t *Transaction) Savepoint(ctx context.Context, name string) error {
	_, err := t.Query(ctx, fmt.Sprintf("SAVEPOINT %s", name), nil)
	return err
}

// RollbackTo issues ROLLBACK TO SAVEPOINT name.
func (t *Transaction) RollbackTo(ctx context.Context, name string) error {
	_, err := t.Query(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name), nil)
	return err
}

// ReleaseSavepoint issues RELEASE SAVEPOINT name.
func (t *Transaction) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.Query(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name), nil)
	return err
}

// Commit sends COMMIT and releases the pinned connection. Inert after
// the first call.
func (t *Transaction) Commit(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.active = false
	_, err := t.co.Query(ctx, "COMMIT")
	t.cl.pool.Release(context.Background(), t.co)
	return err
}

// Rollback sends ROLLBACK and releases the pinned connection. Inert
// after the first call.
func (t *Transaction) Rollback(ctx context.Context) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	t.active = false
	_, err := t.co.Query(ctx, "ROLLBACK")
	t.cl.pool.Release(context.Background(), t.co)
	return err
}

// IsActive reports whether the transaction is still open.
func (t *Transaction) IsActive() bool { return t.active }

// WithTransaction runs cb inside a begin/commit/rollback loop, retrying
// up to attempts times on any error returned by cb (§4.8: "begin, invoke
// callback, commit; on any thrown error roll back and retry ... rethrow
// the final error if all attempts fail"). Rollback errors are swallowed
// so the original error surfaces.
func WithTransaction[T any](cl *Client, ctx context.Context, attempts int, isolation string, cb func(*Transaction) (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		tx, err := cl.BeginTransaction(ctx, isolation)
		if err != nil {
			return zero, err
		}
		result, cbErr := cb(tx)
		if cbErr == nil {
			if err := tx.Commit(ctx); err != nil {
				lastErr = err
				continue
			}
			return result, nil
		}
		if tx.IsActive() {
			_ = tx.Rollback(ctx)
		}
		lastErr = cbErr
	}
	return zero, lastErr
}
