package database

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStater is implemented by *pgxpool.Pool.
type PoolStater interface {
	Stat() *pgxpool.Stat
}

// PoolStatsCollector exports pgxpool statistics as Prometheus metrics.
type PoolStatsCollector struct {
	pool PoolStater

	acquired  *prometheus.Desc
	idle      *prometheus.Desc
	total     *prometheus.Desc
	max       *prometheus.Desc
	acquires  *prometheus.Desc
	waited    *prometheus.Desc
	cancelled *prometheus.Desc
}

// NewPoolStatsCollector creates a collector reading from pool on every scrape.
func NewPoolStatsCollector(pool PoolStater, service string) *PoolStatsCollector {
	constLabels := prometheus.Labels{"service": service}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("db_pool_"+name, help, nil, constLabels)
	}
	return &PoolStatsCollector{
		pool:      pool,
		acquired:  desc("acquired_connections", "Number of currently acquired connections"),
		idle:      desc("idle_connections", "Number of currently idle connections"),
		total:     desc("total_connections", "Total number of connections in the pool"),
		max:       desc("max_connections", "Maximum number of connections allowed"),
		acquires:  desc("acquire_count_total", "Total number of connection acquires"),
		waited:    desc("empty_acquire_count_total", "Acquires that had to wait for a connection"),
		cancelled: desc("canceled_acquire_count_total", "Acquires cancelled by their context"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquires
	ch <- c.waited
	ch <- c.cancelled
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stat()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.acquired, float64(s.AcquiredConns()))
	gauge(c.idle, float64(s.IdleConns()))
	gauge(c.total, float64(s.TotalConns()))
	gauge(c.max, float64(s.MaxConns()))
	counter(c.acquires, float64(s.AcquireCount()))
	counter(c.waited, float64(s.EmptyAcquireCount()))
	counter(c.cancelled, float64(s.CanceledAcquireCount()))
}

// RegisterPoolMetrics registers a pool collector with reg.
func RegisterPoolMetrics(reg prometheus.Registerer, pool PoolStater, service string) error {
	return reg.Register(NewPoolStatsCollector(pool, service))
}
