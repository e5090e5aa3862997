// Package metrics exposes Prometheus instrumentation for a Pool/Client,
// adapted from the teacher's internal/metrics.Collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every metric a Pool/Client reports.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive   prometheus.Gauge
	connectionsIdle     prometheus.Gauge
	connectionsDraining prometheus.Gauge
	connectionsWaiting  prometheus.Gauge
	acquireDuration     prometheus.Histogram
	acquireTimeouts     prometheus.Counter
	poolExhausted       prometheus.Counter
	queryDuration       *prometheus.HistogramVec
	authPlugin          *prometheus.CounterVec
	killDispatched      prometheus.Counter
	statementCacheHits  prometheus.Counter
	statementCacheMiss  prometheus.Counter
}

// New creates and registers all metrics on a fresh registry, safe to call
// more than once (e.g. once per Client, or in tests).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncmy_connections_active",
			Help: "Number of connections currently checked out of the pool",
		}),
		connectionsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncmy_connections_idle",
			Help: "Number of idle connections held by the pool",
		}),
		connectionsDraining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncmy_connections_draining",
			Help: "Number of connections being drained after cancellation",
		}),
		connectionsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "asyncmy_connections_waiting",
			Help: "Number of callers waiting for a connection",
		}),
		acquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asyncmy_acquire_duration_seconds",
			Help:    "Time spent waiting for Pool.Get to return",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		acquireTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncmy_acquire_timeouts_total",
			Help: "Total acquire timeouts",
		}),
		poolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncmy_pool_exhausted_total",
			Help: "Total immediate rejections due to the waiter cap",
		}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "asyncmy_query_duration_seconds",
			Help:    "Duration of query/execute/stream operations",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"kind"}),
		authPlugin: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asyncmy_auth_plugin_total",
			Help: "Completed authentications by plugin name",
		}, []string{"plugin"}),
		killDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncmy_kill_query_total",
			Help: "Total KILL QUERY side-channel dispatches",
		}),
		statementCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncmy_statement_cache_hits_total",
			Help: "Prepared-statement cache hits",
		}),
		statementCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asyncmy_statement_cache_misses_total",
			Help: "Prepared-statement cache misses",
		}),
	}

	reg.MustRegister(
		c.connectionsActive, c.connectionsIdle, c.connectionsDraining, c.connectionsWaiting,
		c.acquireDuration, c.acquireTimeouts, c.poolExhausted, c.queryDuration,
		c.authPlugin, c.killDispatched, c.statementCacheHits, c.statementCacheMiss,
	)
	return c
}

func (c *Collector) SetPoolStats(active, idle, draining, waiting int) {
	c.connectionsActive.Set(float64(active))
	c.connectionsIdle.Set(float64(idle))
	c.connectionsDraining.Set(float64(draining))
	c.connectionsWaiting.Set(float64(waiting))
}

func (c *Collector) AcquireDuration(d time.Duration) { c.acquireDuration.Observe(d.Seconds()) }
func (c *Collector) AcquireTimeout()                 { c.acquireTimeouts.Inc() }
func (c *Collector) PoolExhausted()                  { c.poolExhausted.Inc() }
func (c *Collector) QueryDuration(kind string, d time.Duration) {
	c.queryDuration.WithLabelValues(kind).Observe(d.Seconds())
}
func (c *Collector) AuthPlugin(name string)  { c.authPlugin.WithLabelValues(name).Inc() }
func (c *Collector) KillDispatched()         { c.killDispatched.Inc() }
func (c *Collector) StatementCacheHit()      { c.statementCacheHits.Inc() }
func (c *Collector) StatementCacheMiss()     { c.statementCacheMiss.Inc() }
