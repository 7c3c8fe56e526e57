package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for DBBouncer.
type Collector struct {
	// Registry is this Collector's own registry rather than the global
	// default: each call to New() (production start, a config reload that
	// rebuilds the metrics set, a test) gets an independent registry, so
	// nothing collides with prometheus.DefaultRegisterer across repeated
	// construction. The admin API's /metrics handler serves this registry
	// directly (see internal/api.Server).
	Registry *prometheus.Registry

	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	tenantHealth       *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	reactorReads       *prometheus.GaugeVec
	reactorWrites      *prometheus.GaugeVec
	reactorErrors      *prometheus.GaugeVec
	reactorFDCount     *prometheus.GaugeVec
	reactorQueueDepth  *prometheus.GaugeVec
	reactorHandlerNs   *prometheus.GaugeVec

	cacheSize      *prometheus.GaugeVec
	cacheBytes     *prometheus.GaugeVec
	cacheHits      *prometheus.GaugeVec
	cacheMisses    *prometheus.GaugeVec
	cacheEvictions *prometheus.GaugeVec

	connPoolGroupCurrent  *prometheus.GaugeVec
	connPoolGroupCapacity *prometheus.GaugeVec
	connPoolGroupWaiting  *prometheus.GaugeVec

	sessionCount *prometheus.GaugeVec

	rebalanceEvents prometheus.Gauge
	declinedMoves   prometheus.Gauge
}

// New creates and registers all Prometheus metrics against a fresh registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_active",
				Help: "Number of active connections per tenant",
			},
			[]string{"tenant", "db_type"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_idle",
				Help: "Number of idle connections per tenant",
			},
			[]string{"tenant", "db_type"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_total",
				Help: "Total number of connections per tenant",
			},
			[]string{"tenant", "db_type"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connections_waiting",
				Help: "Number of goroutines waiting for a connection per tenant",
			},
			[]string{"tenant", "db_type"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_query_duration_seconds",
				Help:    "Duration of proxied sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"tenant", "db_type"},
		),
		tenantHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_tenant_health",
				Help: "Health status of tenant database (1=healthy, 0=unhealthy)",
			},
			[]string{"tenant"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_pool_exhausted_total",
				Help: "Total number of times the pool was exhausted per tenant",
			},
			[]string{"tenant"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbbouncer_health_check_duration_seconds",
				Help:    "Duration of a tenant health check probe",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"tenant", "healthy"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbbouncer_health_check_errors_total",
				Help: "Total health check failures per tenant, broken down by reason",
			},
			[]string{"tenant", "reason"},
		),
		reactorReads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_reads_total",
				Help: "Cumulative reads serviced by a reactor worker",
			},
			[]string{"worker"},
		),
		reactorWrites: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_writes_total",
				Help: "Cumulative writes serviced by a reactor worker",
			},
			[]string{"worker"},
		),
		reactorErrors: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_errors_total",
				Help: "Cumulative descriptor errors observed by a reactor worker",
			},
			[]string{"worker"},
		),
		reactorFDCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_fd_count",
				Help: "Live descriptor count owned by a reactor worker",
			},
			[]string{"worker"},
		),
		reactorQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_readiness_queue_avg",
				Help: "Average readiness queue depth observed by a reactor worker",
			},
			[]string{"worker"},
		),
		reactorHandlerNs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_reactor_handler_exec_ns_avg",
				Help: "Average per-event handler execution time, in nanoseconds",
			},
			[]string{"worker"},
		),
		cacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_statement_cache_entries",
				Help: "Cached prepared statement count per reactor worker",
			},
			[]string{"worker"},
		),
		cacheBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_statement_cache_bytes",
				Help: "Cached prepared statement byte footprint per reactor worker",
			},
			[]string{"worker"},
		),
		cacheHits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_statement_cache_hits_total",
				Help: "Cumulative statement cache hits per reactor worker",
			},
			[]string{"worker"},
		),
		cacheMisses: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_statement_cache_misses_total",
				Help: "Cumulative statement cache misses per reactor worker",
			},
			[]string{"worker"},
		),
		cacheEvictions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_statement_cache_evictions_total",
				Help: "Cumulative statement cache evictions per reactor worker",
			},
			[]string{"worker"},
		),
		connPoolGroupCurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connpool_group_current",
				Help: "Live backend connections held against a data-plane target",
			},
			[]string{"target"},
		),
		connPoolGroupCapacity: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connpool_group_capacity",
				Help: "Configured connection cap for a data-plane target",
			},
			[]string{"target"},
		),
		connPoolGroupWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_connpool_group_waiting",
				Help: "Sessions currently queued waiting for a data-plane target",
			},
			[]string{"target"},
		),
		sessionCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbbouncer_sessions",
				Help: "Live client sessions owned by a reactor worker",
			},
			[]string{"worker"},
		),
		rebalanceEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbbouncer_coordinator_rebalance_events_total",
				Help: "Cumulative rebalance events triggered by the coordinator",
			},
		),
		declinedMoves: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbbouncer_coordinator_declined_moves_total",
				Help: "Cumulative session moves the coordinator declined",
			},
		),
	}

	c.Registry.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.tenantHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.reactorReads,
		c.reactorWrites,
		c.reactorErrors,
		c.reactorFDCount,
		c.reactorQueueDepth,
		c.reactorHandlerNs,
		c.cacheSize,
		c.cacheBytes,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
		c.connPoolGroupCurrent,
		c.connPoolGroupCapacity,
		c.connPoolGroupWaiting,
		c.sessionCount,
		c.rebalanceEvents,
		c.declinedMoves,
	)

	return c
}

// HealthCheckCompleted records the outcome and duration of one health check
// probe (internal/health.Checker, either protocol-level or pool-backed).
func (c *Collector) HealthCheckCompleted(tenant string, d time.Duration, healthy bool) {
	healthyLabel := "false"
	if healthy {
		healthyLabel = "true"
	}
	c.healthCheckDuration.WithLabelValues(tenant, healthyLabel).Observe(d.Seconds())
}

// HealthCheckError increments the health-check failure counter for tenant,
// tagged with the probe-specific failure reason (e.g. "connection_refused",
// "pool_exhausted", "query_error").
func (c *Collector) HealthCheckError(tenant, reason string) {
	c.healthCheckErrors.WithLabelValues(tenant, reason).Inc()
}

// UpdateReactorStats mirrors one reactor worker's reactor.Stats onto the
// reactor_* gauges. Called periodically from the same stats loop that
// drives UpdatePoolStats, keyed by worker id rather than tenant since a
// reactor worker serves every tenant.
func (c *Collector) UpdateReactorStats(worker string, reads, writes, errs, fdCount int64, queueAvg float64, handlerAvgNs float64) {
	c.reactorReads.WithLabelValues(worker).Set(float64(reads))
	c.reactorWrites.WithLabelValues(worker).Set(float64(writes))
	c.reactorErrors.WithLabelValues(worker).Set(float64(errs))
	c.reactorFDCount.WithLabelValues(worker).Set(float64(fdCount))
	c.reactorQueueDepth.WithLabelValues(worker).Set(queueAvg)
	c.reactorHandlerNs.WithLabelValues(worker).Set(handlerAvgNs)
}

// UpdateCacheStats mirrors one reactor worker's statementcache.Stats onto
// the statement_cache_* series.
func (c *Collector) UpdateCacheStats(worker string, size, bytes int, hits, misses, evictions int64) {
	c.cacheSize.WithLabelValues(worker).Set(float64(size))
	c.cacheBytes.WithLabelValues(worker).Set(float64(bytes))
	c.cacheHits.WithLabelValues(worker).Set(float64(hits))
	c.cacheMisses.WithLabelValues(worker).Set(float64(misses))
	c.cacheEvictions.WithLabelValues(worker).Set(float64(evictions))
}

// UpdateConnPoolGroupStats mirrors one data-plane target's connpool.Limits
// snapshot onto the connpool_group_* series.
func (c *Collector) UpdateConnPoolGroupStats(target string, capacity int, current, waiting int64) {
	c.connPoolGroupCapacity.WithLabelValues(target).Set(float64(capacity))
	c.connPoolGroupCurrent.WithLabelValues(target).Set(float64(current))
	c.connPoolGroupWaiting.WithLabelValues(target).Set(float64(waiting))
}

// UpdateSessionCount sets the live session gauge for a reactor worker.
func (c *Collector) UpdateSessionCount(worker string, count int) {
	c.sessionCount.WithLabelValues(worker).Set(float64(count))
}

// UpdateRebalanceStats mirrors the coordinator's cumulative rebalance
// counters onto the coordinator_* gauges.
func (c *Collector) UpdateRebalanceStats(rebalanceEvents, declinedMoves int64) {
	c.rebalanceEvents.Set(float64(rebalanceEvents))
	c.declinedMoves.Set(float64(declinedMoves))
}

// ConnectionOpened increments the active connection gauge.
func (c *Collector) ConnectionOpened(tenant, dbType string) {
	c.connectionsActive.WithLabelValues(tenant, dbType).Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (c *Collector) ConnectionClosed(tenant, dbType string) {
	c.connectionsActive.WithLabelValues(tenant, dbType).Dec()
}

// QueryDuration observes a session duration.
func (c *Collector) QueryDuration(tenant, dbType string, d time.Duration) {
	c.queryDuration.WithLabelValues(tenant, dbType).Observe(d.Seconds())
}

// SetTenantHealth sets the health gauge for a tenant.
func (c *Collector) SetTenantHealth(tenant string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.tenantHealth.WithLabelValues(tenant).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(tenant string) {
	c.poolExhausted.WithLabelValues(tenant).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(tenant, dbType string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(tenant, dbType).Set(float64(active))
	c.connectionsIdle.WithLabelValues(tenant, dbType).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(tenant, dbType).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(tenant, dbType).Set(float64(waiting))
}

// RemoveTenant removes all metrics for a tenant.
func (c *Collector) RemoveTenant(tenant string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	c.tenantHealth.DeleteLabelValues(tenant)
	c.poolExhausted.DeleteLabelValues(tenant)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"tenant": tenant})
}
