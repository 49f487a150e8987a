package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder observes operation latency into a histogram labelled
// by operation and status.
type PrometheusRecorder struct {
	latency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the latency histogram with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfmgraph",
		Name:      "operation_duration_seconds",
		Help:      "Latency of service operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"operation", "status"})
	if err := reg.Register(latency); err != nil {
		return nil, err
	}
	return &PrometheusRecorder{latency: latency}, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.latency.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// PrometheusCollector exports lock, transaction, and graph size statistics
// read from a Service at scrape time. Transaction figures come from the
// bounded history and are exported as gauges.
type PrometheusCollector struct {
	svc *Service

	locksAcquired      *prometheus.Desc
	locksReleased      *prometheus.Desc
	lockTimeouts       *prometheus.Desc
	deadlocksPrevented *prometheus.Desc
	forceReleased      *prometheus.Desc
	activeLocks        *prometheus.Desc
	lockedEntities     *prometheus.Desc
	transactions       *prometheus.Desc
	activeTxns         *prometheus.Desc
	incomplete         *prometheus.Desc
	avgTxnSeconds      *prometheus.Desc
	nodes              *prometheus.Desc
	relationships      *prometheus.Desc
}

var _ prometheus.Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector returns a collector over svc.
func NewPrometheusCollector(svc *Service) *PrometheusCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("sfmgraph", "", name), help, labels, nil)
	}
	return &PrometheusCollector{
		svc:                svc,
		locksAcquired:      desc("locks_acquired_total", "Locks granted."),
		locksReleased:      desc("locks_released_total", "Locks released."),
		lockTimeouts:       desc("lock_timeouts_total", "Lock acquisitions that timed out."),
		deadlocksPrevented: desc("deadlocks_prevented_total", "Timeouts where the waiter already held other locks."),
		forceReleased:      desc("locks_force_released_total", "Locks dropped by administrative force release."),
		activeLocks:        desc("locks_active", "Locks currently held."),
		lockedEntities:     desc("locked_entities", "Entities with at least one lock."),
		transactions:       desc("transactions_retained", "Closed transactions in history by outcome.", "status"),
		activeTxns:         desc("transactions_active", "Open transactions."),
		incomplete:         desc("transactions_incomplete_rollbacks", "Retained rollbacks where an undo command failed."),
		avgTxnSeconds:      desc("transaction_average_duration_seconds", "Mean duration of closed transactions."),
		nodes:              desc("nodes", "Nodes in the graph."),
		relationships:      desc("relationships", "Relationships in the graph."),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.locksAcquired, c.locksReleased, c.lockTimeouts, c.deadlocksPrevented, c.forceReleased,
		c.activeLocks, c.lockedEntities, c.transactions, c.activeTxns, c.incomplete, c.avgTxnSeconds,
		c.nodes, c.relationships,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	ls := c.svc.LockStats()
	ts := c.svc.TransactionStats()
	nodes, rels := c.svc.counts()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter(c.locksAcquired, ls.Acquired)
	counter(c.locksReleased, ls.Released)
	counter(c.lockTimeouts, ls.Timeouts)
	counter(c.deadlocksPrevented, ls.DeadlocksPrevented)
	counter(c.forceReleased, ls.ForceReleased)
	gauge(c.activeLocks, float64(ls.ActiveLocks))
	gauge(c.lockedEntities, float64(ls.ActiveEntities))
	gauge(c.transactions, float64(ts.Committed), "committed")
	gauge(c.transactions, float64(ts.RolledBack), "rolled_back")
	gauge(c.activeTxns, float64(ts.Active))
	gauge(c.incomplete, float64(ts.IncompleteRollbacks))
	gauge(c.avgTxnSeconds, ts.AverageDuration.Seconds())
	gauge(c.nodes, float64(nodes))
	gauge(c.relationships, float64(rels))
}
