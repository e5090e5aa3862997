// Package pool implements PoolManager (§4.7): a FIFO-fair pool of
// *conn.Connection with check-on-borrow validation, idle/lifetime
// rotation, an acquire-timeout waiter queue, cancellation-absorption
// draining, optional COM_RESET_CONNECTION flushing on release, and
// draining-connection bookkeeping resistant to concurrent Close.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dbbouncer/asyncmy/config"
	"github.com/dbbouncer/asyncmy/conn"
	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlerr"
)

// Stats mirrors §4.7's "Statistics" — counts plus enabled features.
type Stats struct {
	Active              int
	Idle                int
	Waiting             int
	Draining            int
	MaxConnections      int
	AcquireTimeouts     int64
	ResetConnectionUsed bool
}

// waiter is one pending Get() call queued because the pool was at
// capacity (§4.7 step 5). settle is called at most once.
type waiter struct {
	resultCh chan waiterResult
	settled  bool
}

type waiterResult struct {
	conn *conn.Connection
	err  error
}

// Pool is a single-backend connection pool.
type Pool struct {
	mu      sync.Mutex
	params  config.ConnectionParams
	metrics *metrics.Collector

	idle     []*conn.Connection
	active   map[*conn.Connection]struct{}
	draining map[*conn.Connection]struct{}
	total    int // idle + active + draining + in-flight dial reservations

	waiters []*waiter

	closed  bool
	closing bool

	acquireTimeouts int64
}

// New creates a Pool for params. metrics may be nil.
func New(params config.ConnectionParams, m *metrics.Collector) *Pool {
	return &Pool{
		params:   params,
		metrics:  m,
		active:   make(map[*conn.Connection]struct{}),
		draining: make(map[*conn.Connection]struct{}),
	}
}

// Get borrows a connection per §4.7's acquire algorithm.
func (p *Pool) Get(ctx context.Context) (*conn.Connection, error) {
	start := time.Now()
	c, err := p.get(ctx)
	if p.metrics != nil {
		p.metrics.AcquireDuration(time.Since(start))
	}
	p.reportStats()
	return c, err
}

// reportStats pushes the pool's current gauges to metrics, if configured.
func (p *Pool) reportStats() {
	if p.metrics == nil {
		return
	}
	s := p.Stats()
	p.metrics.SetPoolStats(s.Active, s.Idle, s.Draining, s.Waiting)
}

func (p *Pool) get(ctx context.Context) (*conn.Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, mysqlerr.PoolClosed()
	}

	// Step 1-2: drain idle queue from the front, validating each.
	for len(p.idle) > 0 {
		c := p.idle[0]
		p.idle = p.idle[1:]
		if !p.isStillValid(c) {
			p.total--
			p.mu.Unlock()
			_ = c.Close()
			p.mu.Lock()
			continue
		}
		p.active[c] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}

	// Step 3: create a new connection if under capacity.
	if p.total < p.params.MaxConnections {
		p.total++
		p.mu.Unlock()
		c, err := conn.ConnectWithMetrics(ctx, p.params, p.metrics)
		p.mu.Lock()
		if err != nil {
			p.total--
			p.mu.Unlock()
			return nil, mysqlerr.Connection(fmt.Sprintf("connecting to %s:%d", p.params.Host, p.params.Port), 0, err)
		}
		p.active[c] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}

	// Step 4: immediate rejection once the waiter cap is reached.
	if p.params.MaxWaiters > 0 && len(p.waiters) >= p.params.MaxWaiters {
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolExhausted()
		}
		return nil, mysqlerr.PoolExhausted(fmt.Sprintf("%s:%d", p.params.Host, p.params.Port))
	}

	// Step 5: enqueue a FIFO waiter.
	w := &waiter{resultCh: make(chan waiterResult, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	var timeoutCh <-chan time.Time
	if p.params.AcquireTimeout > 0 {
		timer := time.NewTimer(p.params.AcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-w.resultCh:
		return res.conn, res.err
	case <-ctx.Done():
		p.cancelWaiter(w)
		return nil, ctx.Err()
	case <-timeoutCh:
		p.cancelWaiter(w)
		p.acquireTimeouts++
		if p.metrics != nil {
			p.metrics.AcquireTimeout()
		}
		return nil, mysqlerr.AcquireTimeout()
	}
}

// cancelWaiter marks w settled so satisfyNextWaiter skips it (§4.7:
// "a cancelled waiter is skipped on the next release; no connection is
// created for it"), decrementing pendingWaiters via the cleanup hook
// semantics baked into the waiters slice itself.
func (p *Pool) cancelWaiter(w *waiter) {
	p.mu.Lock()
	w.settled = true
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// isStillValid implements the borrow-side checks from §4.7 step 1.
// Callers must hold p.mu.
func (p *Pool) isStillValid(c *conn.Connection) bool {
	now := time.Now()
	if p.params.IdleTimeout > 0 && now.Sub(c.LastUsedAt()) > p.params.IdleTimeout {
		return false
	}
	if p.params.MaxLifetime > 0 && now.Sub(c.CreatedAt()) > p.params.MaxLifetime {
		return false
	}
	return c.IsReady()
}

// Release returns a connection to the pool per §4.7's release algorithm.
func (p *Pool) Release(ctx context.Context, c *conn.Connection) {
	defer p.reportStats()
	p.mu.Lock()
	if p.closed {
		delete(p.active, c)
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	delete(p.active, c)

	if c.WasQueryCancelled() {
		p.draining[c] = struct{}{}
		p.mu.Unlock()
		p.drain(ctx, c)
		return
	}
	p.mu.Unlock()
	p.releaseClean(ctx, c)
}

// drain absorbs a stale cancellation flag via `DO SLEEP(0)` before the
// connection may be reused (§4.7, "Drain" in the glossary).
func (p *Pool) drain(ctx context.Context, c *conn.Connection) {
	err := c.DoSleepZero(ctx)
	c.ClearQueryCancelled()

	p.mu.Lock()
	if p.closing {
		delete(p.draining, c)
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	delete(p.draining, c)
	p.mu.Unlock()

	if err != nil || !c.IsReady() {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	p.releaseClean(ctx, c)
}

// releaseClean implements §4.7's releaseClean: hand the connection to
// the next waiting FIFO caller, or park it idle.
func (p *Pool) releaseClean(ctx context.Context, c *conn.Connection) {
	if !c.IsReady() {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	if p.params.ResetConnection {
		if err := c.ResetConnection(ctx); err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			_ = c.Close()
			p.satisfyNextWaiter()
			return
		}
	}

	p.mu.Lock()
	if p.closing {
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	w := p.popNextWaiter()
	if w != nil {
		p.active[c] = struct{}{}
		p.mu.Unlock()
		w.resultCh <- waiterResult{conn: c}
		return
	}
	if p.params.MaxLifetime > 0 && time.Since(c.CreatedAt()) > p.params.MaxLifetime {
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		p.satisfyNextWaiter()
		return
	}
	c.Touch()
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// popNextWaiter returns the first non-settled waiter, discarding any
// cancelled ones in front of it. Callers must hold p.mu.
func (p *Pool) popNextWaiter() *waiter {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.settled {
			continue
		}
		w.settled = true
		return w
	}
	return nil
}

// satisfyNextWaiter is called whenever a removal frees capacity without
// producing a reusable connection: it dials a fresh connection for the
// next FIFO waiter, if any (§4.7 "Satisfy-next-waiter"). If the waiter
// cancelled before the dial resolves, the new connection is released
// back through the normal release path.
func (p *Pool) satisfyNextWaiter() {
	p.mu.Lock()
	w := p.popNextWaiter()
	if w == nil {
		p.mu.Unlock()
		return
	}
	if p.closed || p.closing {
		p.mu.Unlock()
		w.resultCh <- waiterResult{err: mysqlerr.PoolClosed()}
		return
	}
	p.total++
	p.mu.Unlock()

	c, err := conn.ConnectWithMetrics(context.Background(), p.params, p.metrics)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		w.resultCh <- waiterResult{err: mysqlerr.Connection("connecting for queued waiter", 0, err)}
		return
	}

	p.mu.Lock()
	p.active[c] = struct{}{}
	p.mu.Unlock()
	w.resultCh <- waiterResult{conn: c}
}

// Close closes every connection in every state and rejects every
// pending waiter (§4.7). Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closing = true
	idle := p.idle
	p.idle = nil
	active := make([]*conn.Connection, 0, len(p.active))
	for c := range p.active {
		active = append(active, c)
	}
	draining := make([]*conn.Connection, 0, len(p.draining))
	for c := range p.draining {
		draining = append(draining, c)
	}
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		if !w.settled {
			w.settled = true
			w.resultCh <- waiterResult{err: mysqlerr.PoolClosed()}
		}
	}
	for _, c := range idle {
		_ = c.Close()
	}
	for _, c := range active {
		_ = c.Close()
	}
	for _, c := range draining {
		_ = c.Close()
	}
	p.reportStats()
	slog.Info("pool closed", "host", p.params.Host, "port", p.params.Port)
	return nil
}

// Stats reports the pool's current counters (§4.7 "Statistics").
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:              len(p.active),
		Idle:                len(p.idle),
		Waiting:             len(p.waiters),
		Draining:            len(p.draining),
		MaxConnections:      p.params.MaxConnections,
		AcquireTimeouts:     p.acquireTimeouts,
		ResetConnectionUsed: p.params.ResetConnection,
	}
}
