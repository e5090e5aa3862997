package conn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dbbouncer/asyncmy/config"
	"github.com/dbbouncer/asyncmy/metrics"
	"github.com/dbbouncer/asyncmy/mysqlerr"
)

// killSideChannelTimeout bounds the short-lived kill connection's own
// connect+handshake+query round trip, independent of the cancelled
// query's original deadline.
const killSideChannelTimeout = 3 * time.Second

// Kill dispatches KILL QUERY at this connection's server thread id over
// a separate, short-lived authenticated connection (§4.8's cancellation
// bridge), then marks the connection dirty so the pool drains it on
// release. A no-op if server-side cancellation is disabled for this
// connection's params.
func (c *Connection) Kill(ctx context.Context) error {
	if !c.params.ServerSideCancellation {
		// Cancellation is user-visible only; the query runs to completion
		// and the connection is returned to the pool normally (§4.8).
		return nil
	}
	err := DispatchKillQueryWithMetrics(ctx, c.params, c.threadID, c.metrics)
	c.MarkQueryCancelled()
	if err != nil {
		slog.Warn("kill query side-channel failed", "conn_id", c.id, "thread_id", c.threadID, "err", err)
	}
	return err
}

// DispatchKillQuery opens a short-lived connection authenticated with
// the same credentials as params and issues `KILL QUERY <threadID>`,
// closing the side channel immediately afterward (§4.8, §9 open
// question: no code path awaits the KILL's own acknowledgement beyond
// the query's own OK/ERR — the caller marks the target dirty
// regardless of outcome).
func DispatchKillQuery(ctx context.Context, params config.ConnectionParams, threadID uint32) error {
	return DispatchKillQueryWithMetrics(ctx, params, threadID, nil)
}

// DispatchKillQueryWithMetrics is DispatchKillQuery with an optional
// metrics collector, incremented once per dispatch attempt regardless of
// the KILL's own outcome — mirroring Kill's own "mark dirty regardless"
// semantics. m may be nil.
func DispatchKillQueryWithMetrics(ctx context.Context, params config.ConnectionParams, threadID uint32, m *metrics.Collector) error {
	if m != nil {
		m.KillDispatched()
	}
	killParams := params.With(func(p *config.ConnectionParams) {
		p.ConnectTimeout = killSideChannelTimeout
		p.Database = ""
		p.ServerSideCancellation = false
	})
	kc, err := Connect(ctx, killParams)
	if err != nil {
		return mysqlerr.Connection("dialing kill side-channel", 0, err)
	}
	defer kc.Quit()

	_, err = kc.Query(ctx, fmt.Sprintf("KILL QUERY %d", threadID))
	return err
}
