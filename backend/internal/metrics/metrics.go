package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 聊天网关的 prometheus 指标，注册在独立的 Registry 上。
// 所有方法对 nil 接收者安全，测试里可以直接传 nil。
type Metrics struct {
	reg *prometheus.Registry

	connections       prometheus.Gauge
	connectsTotal     prometheus.Counter
	supersededTotal   prometheus.Counter
	broadcastFailures prometheus.Counter
	messages          *prometheus.CounterVec
	cacheOps          *prometheus.CounterVec
	cacheHealthy      prometheus.Gauge
	reaperEvictions   prometheus.Counter
	pointsDropped     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Name: "connections",
			Help: "Live websocket connections held by the registry.",
		}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "connects_total",
			Help: "Accepted websocket sessions.",
		}),
		supersededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "superseded_total",
			Help: "Connections replaced by a newer session of the same user in the same room.",
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "broadcast_failures_total",
			Help: "Per-recipient delivery failures during fan-out.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Name: "messages_total",
			Help: "Inbound chat messages by result.",
		}, []string{"result"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat", Subsystem: "cache", Name: "operations_total",
			Help: "Cache operations by backend, op and result.",
		}, []string{"backend", "op", "result"}),
		cacheHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat", Subsystem: "cache", Name: "primary_healthy",
			Help: "1 when the primary cache backend is healthy.",
		}),
		reaperEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "reaper_evictions_total",
			Help: "Connections evicted for idleness.",
		}),
		pointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat", Name: "points_events_dropped_total",
			Help: "Points events dropped because the queue was full or delivery failed.",
		}),
	}
	m.cacheHealthy.Set(1)
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.connectsTotal, m.supersededTotal, m.broadcastFailures,
		m.messages, m.cacheOps, m.cacheHealthy, m.reaperEvictions, m.pointsDropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectsTotal.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnSuperseded() {
	if m == nil {
		return
	}
	m.supersededTotal.Inc()
}

func (m *Metrics) BroadcastFailed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastFailures.Add(float64(n))
}

// Message result: persisted / rejected / failed
func (m *Metrics) Message(result string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(result).Inc()
}

func (m *Metrics) Evicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaperEvictions.Add(float64(n))
}

func (m *Metrics) PointsDropped() {
	if m == nil {
		return
	}
	m.pointsDropped.Inc()
}

// CacheOp / CacheHealth 实现 cache.Observer
func (m *Metrics) CacheOp(backend, op, result string) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(backend, op, result).Inc()
}

func (m *Metrics) CacheHealth(state string) {
	if m == nil {
		return
	}
	if state == "healthy" {
		m.cacheHealthy.Set(1)
		return
	}
	m.cacheHealthy.Set(0)
}
