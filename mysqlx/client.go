// Package mysqlx is the public client façade (§4.8): borrow/release
// against a connection pool, per-connection prepared-statement caching,
// transactions, streaming, and cancellation bridging from a
// context.Context back down to a KILL QUERY side channel.
package mysqlx

import (
	"context"
	"sync"

	"github.com/dbbouncer/asyncmy/config"
	"github.com/dbbouncer/asyncmy/conn"
	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlerr"
	"github.com/dbbouncer/asyncmy/pool"
	"github.com/dbbouncer/asyncmy/stmtcache"
)

// Result, Row, StreamStats and PreparedStatement are the client-visible
// shapes of the same-named types in package conn (§3) — aliased here so
// callers never need to import conn directly.
type (
	Result            = conn.Result
	Row               = conn.Row
	StreamStats       = conn.StreamStats
	PreparedStatement = conn.PreparedStatement
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithMetrics attaches a Prometheus collector to the client's pool.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// Client is the library's public entry point: one Client per logical
// backend, wrapping a connection pool.
type Client struct {
	params  config.ConnectionParams
	metrics *metrics.Collector
	pool    *pool.Pool

	mu         sync.Mutex
	stmtCaches map[*conn.Connection]*stmtcache.Cache[*conn.PreparedStatement]
	closed     bool
}

// New constructs a Client for params, which must already be valid (see
// config.ConnectionParams.Validate).
func New(params config.ConnectionParams, opts ...Option) (*Client, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		params:     params,
		stmtCaches: make(map[*conn.Connection]*stmtcache.Cache[*conn.PreparedStatement]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = pool.New(params, c.metrics)
	return c, nil
}

// Close shuts down the pool and every connection it holds. Idempotent.
func (cl *Client) Close() error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()
	return cl.pool.Close()
}

// Ping borrows a connection and issues COM_PING, per §6's client.ping().
func (cl *Client) Ping(ctx context.Context) (bool, error) {
	if err := cl.checkOpen(); err != nil {
		return false, err
	}
	_, err := withConnection(cl, ctx, func(ctx context.Context, co *conn.Connection) (struct{}, error) {
		return struct{}{}, co.Ping(ctx)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// HealthCheckResult is returned by HealthCheck (§6's `{total_checked,
// healthy, unhealthy}` row).
type HealthCheckResult struct {
	TotalChecked int
	Healthy      int
	Unhealthy    int
}

// HealthCheck pings once and reports the outcome in the shape the pool
// router would aggregate across many backends; scaled down here to the
// single-client shape this library actually needs (SPEC_FULL supplement,
// grounded in the teacher's health.Checker).
func (cl *Client) HealthCheck(ctx context.Context) HealthCheckResult {
	ok, _ := cl.Ping(ctx)
	if ok {
		return HealthCheckResult{TotalChecked: 1, Healthy: 1, Unhealthy: 0}
	}
	return HealthCheckResult{TotalChecked: 1, Healthy: 0, Unhealthy: 1}
}

// GetStatsResult is returned by GetStats (§6's client.getStats()).
type GetStatsResult struct {
	Pool               pool.Stats
	StatementCacheSize int
}

// GetStats reports pool + cache metrics.
func (cl *Client) GetStats() GetStatsResult {
	return GetStatsResult{Pool: cl.pool.Stats(), StatementCacheSize: cl.params.StatementCacheSize}
}

func (cl *Client) checkOpen() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return mysqlerr.NotInitialized()
	}
	return nil
}

// withConnection borrows a connection, runs fn in its own goroutine, and
// bridges ctx cancellation to the KILL QUERY side channel (§4.8's
// cancellation bridge / §5's cancellation semantics): if ctx is
// cancelled before fn settles, the caller gets Cancelled immediately
// while fn keeps running in the background (now under a detached
// context) and the connection is released once it actually finishes —
// either because the server-side query ran to completion or because
// the dispatched KILL aborted it.
func withConnection[T any](cl *Client, ctx context.Context, fn func(ctx context.Context, co *conn.Connection) (T, error)) (T, error) {
	var zero T
	co, err := cl.pool.Get(ctx)
	if err != nil {
		return zero, err
	}

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
		cl.pool.Release(context.Background(), co)
		return o.val, o.err
	case <-ctx.Done():
		go func() {
			_ = co.Kill(context.Background())
			<-doneCh
			cl.pool.Release(context.Background(), co)
		}()
		return zero, mysqlerr.Cancelled()
	}
}

// statementCache returns (creating if necessary) co's prepared-statement
// cache. Returns nil if statement caching is disabled for this client.
func (cl *Client) statementCache(co *conn.Connection) *stmtcache.Cache[*conn.PreparedStatement] {
	if !cl.params.StatementCacheEnabled {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if sc, ok := cl.stmtCaches[co]; ok {
		return sc
	}
	size := cl.params.StatementCacheSize
	if size <= 0 {
		size = 1
	}
	sc, _ := stmtcache.New(size, func(_ string, stmt *conn.PreparedStatement) {
		_ = stmt.Connection().StmtClose(context.Background(), stmt)
	})
	cl.stmtCaches[co] = sc
	co.AddCloseHook(func() {
		cl.mu.Lock()
		delete(cl.stmtCaches, co)
		cl.mu.Unlock()
	})
	return sc
}

// invalidateStatementCacheOnBorrow clears co's cache without issuing
// COM_STMT_CLOSE when reset_connection is enabled — the server has
// already dropped every prepared statement as part of the previous
// release's COM_RESET_CONNECTION (§4.8 "Borrow & cache invalidation").
func (cl *Client) invalidateStatementCacheOnBorrow(co *conn.Connection) {
	if !cl.params.ResetConnection {
		return
	}
	cl.mu.Lock()
	sc, ok := cl.stmtCaches[co]
	cl.mu.Unlock()
	if ok {
		sc.Close()
	}
}
