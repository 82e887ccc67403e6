package counterstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

// collector exposes the underlying go-redis pool's PoolStats as
// Prometheus metrics, the same shape pg.Client uses to expose pgxpool's
// native Stat() snapshot.
type collector struct {
	rdb  *redis.Client
	addr string

	hitsTotal     *prometheus.Desc
	missesTotal   *prometheus.Desc
	timeoutsTotal *prometheus.Desc
	totalConns    *prometheus.Desc
	idleConns     *prometheus.Desc
	staleConns    *prometheus.Desc
}

func newCollector(rdb *redis.Client, addr string) *collector {
	labels := map[string]string{"addr": addr}

	return &collector{
		rdb:  rdb,
		addr: addr,

		hitsTotal: prometheus.NewDesc(
			"counterstore_redis_pool_hits_total",
			"Cumulative count of connections reused from the pool.",
			nil, labels,
		),
		missesTotal: prometheus.NewDesc(
			"counterstore_redis_pool_misses_total",
			"Cumulative count of new connections created because none were available.",
			nil, labels,
		),
		timeoutsTotal: prometheus.NewDesc(
			"counterstore_redis_pool_timeouts_total",
			"Cumulative count of waits for a connection that timed out.",
			nil, labels,
		),
		totalConns: prometheus.NewDesc(
			"counterstore_redis_pool_total_connections",
			"Number of connections currently in the pool.",
			nil, labels,
		),
		idleConns: prometheus.NewDesc(
			"counterstore_redis_pool_idle_connections",
			"Number of currently idle connections in the pool.",
			nil, labels,
		),
		staleConns: prometheus.NewDesc(
			"counterstore_redis_pool_stale_connections",
			"Cumulative count of stale connections removed from the pool.",
			nil, labels,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(metrics chan<- prometheus.Metric) {
	stats := c.rdb.PoolStats()

	metrics <- prometheus.MustNewConstMetric(c.hitsTotal, prometheus.CounterValue, float64(stats.Hits))
	metrics <- prometheus.MustNewConstMetric(c.missesTotal, prometheus.CounterValue, float64(stats.Misses))
	metrics <- prometheus.MustNewConstMetric(c.timeoutsTotal, prometheus.CounterValue, float64(stats.Timeouts))
	metrics <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns))
	metrics <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
	metrics <- prometheus.MustNewConstMetric(c.staleConns, prometheus.CounterValue, float64(stats.StaleConns))
}
