// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。持有独立的 prometheus.Registry，
// 同一测试进程内可以并存多个实例。
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 订阅连接指标
	connectionsOpen    prometheus.Gauge
	connectionsTotal   *prometheus.CounterVec
	sendFailuresTotal  prometheus.Counter
	broadcastsTotal    prometheus.Counter
	broadcastReceivers prometheus.Counter
	broadcastDuration  prometheus.Histogram

	// 投递桥指标
	snapshotsDispatched prometheus.Counter
	snapshotsDropped    prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 订阅连接指标
	c.connectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_connections_open",
			Help:      "Currently open subscriber connections",
		},
	)

	c.connectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_connections_total",
			Help:      "Subscriber connection registry operations",
		},
		[]string{"op"},
	)

	c.sendFailuresTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_send_failures_total",
			Help:      "Failed pushes to individual subscriber connections",
		},
	)

	c.broadcastsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_broadcasts_total",
			Help:      "Completed session fan-outs",
		},
	)

	c.broadcastReceivers = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_broadcast_receivers_total",
			Help:      "Connections successfully reached by fan-outs",
		},
	)

	c.broadcastDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "progress_broadcast_duration_seconds",
			Help:      "Session fan-out duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// 投递桥指标
	c.snapshotsDispatched = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_snapshots_dispatched_total",
			Help:      "Snapshots handed off and successfully dispatched",
		},
	)

	c.snapshotsDropped = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_snapshots_dropped_total",
			Help:      "Snapshots dropped due to delivery backlog overflow",
		},
	)

	return c
}

// Registry 返回底层 prometheus registry，供 promhttp 暴露。
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// progress.RegistryMetrics 实现
// =============================================================================

// ConnectionRegistered 记录一次连接注册。
func (c *Collector) ConnectionRegistered(sessionID string) {
	c.connectionsOpen.Inc()
	c.connectionsTotal.WithLabelValues("register").Inc()
}

// ConnectionUnregistered 记录一次连接注销。
func (c *Collector) ConnectionUnregistered(sessionID string) {
	c.connectionsOpen.Dec()
	c.connectionsTotal.WithLabelValues("unregister").Inc()
}

// BroadcastCompleted 记录一次会话扇出。
func (c *Collector) BroadcastCompleted(receivers int, elapsed time.Duration) {
	c.broadcastsTotal.Inc()
	c.broadcastReceivers.Add(float64(receivers))
	c.broadcastDuration.Observe(elapsed.Seconds())
}

// SendFailed 记录一次单连接推送失败。
func (c *Collector) SendFailed(sessionID string) {
	c.sendFailuresTotal.Inc()
}

// =============================================================================
// progress.BridgeMetrics 实现
// =============================================================================

// SnapshotDispatched 记录一次成功投递。
func (c *Collector) SnapshotDispatched() {
	c.snapshotsDispatched.Inc()
}

// SnapshotDropped 记录一次积压丢弃。
func (c *Collector) SnapshotDropped(transactionID string) {
	c.snapshotsDropped.Inc()
	c.logger.Warn("snapshot dropped", zap.String("transaction_id", transactionID))
}
