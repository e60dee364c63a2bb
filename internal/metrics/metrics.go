// Package metrics exposes Prometheus collectors for the offline queue and
// the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "posync"

// Collector holds the sync metrics on a private registry. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	queueActions   *prometheus.GaugeVec
	syncAttempts   *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	drains         *prometheus.CounterVec
	storageUsage   prometheus.Gauge
	storageQuota   prometheus.Gauge
	syncLogEntries prometheus.Gauge
	online         prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.queueActions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_actions",
			Help:      "Queued actions by status",
		},
		[]string{"status"},
	)

	c.syncAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_attempts_total",
			Help:      "Executed sync attempts by action kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	c.syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Time spent executing one action",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"kind"},
	)

	c.drains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drains_total",
			Help:      "Queue drains by trigger",
		},
		[]string{"trigger"},
	)

	c.storageUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_usage_bytes",
		Help:      "Bytes used by the offline databases",
	})

	c.storageQuota = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "storage_quota_bytes",
		Help:      "Bytes available to the offline databases",
	})

	c.syncLogEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_log_entries",
		Help:      "Entries in the sync history",
	})

	c.online = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online",
		Help:      "1 when the terminal reports connectivity",
	})

	c.registry.MustRegister(
		c.queueActions,
		c.syncAttempts,
		c.syncDuration,
		c.drains,
		c.storageUsage,
		c.storageQuota,
		c.syncLogEntries,
		c.online,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAttempt counts one executed action and its duration.
func (c *Collector) RecordAttempt(kind, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.syncAttempts.WithLabelValues(kind, outcome).Inc()
	c.syncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDrain counts a drain started by trigger.
func (c *Collector) RecordDrain(trigger string) {
	if c == nil {
		return
	}
	c.drains.WithLabelValues(trigger).Inc()
}

// SetQueueCounts publishes the number of actions per status.
func (c *Collector) SetQueueCounts(counts map[string]int) {
	if c == nil {
		return
	}
	for status, n := range counts {
		c.queueActions.WithLabelValues(status).Set(float64(n))
	}
}

// SetStorage publishes the storage estimate. Nil values leave the gauge unchanged.
func (c *Collector) SetStorage(usage, quota *int64) {
	if c == nil {
		return
	}
	if usage != nil {
		c.storageUsage.Set(float64(*usage))
	}
	if quota != nil {
		c.storageQuota.Set(float64(*quota))
	}
}

// SetSyncLogEntries publishes the history length.
func (c *Collector) SetSyncLogEntries(n int) {
	if c == nil {
		return
	}
	c.syncLogEntries.Set(float64(n))
}

// SetOnline publishes the connectivity flag.
func (c *Collector) SetOnline(online bool) {
	if c == nil {
		return
	}
	if online {
		c.online.Set(1)
	} else {
		c.online.Set(0)
	}
}
