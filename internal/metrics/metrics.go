// Package metrics exposes Prometheus collectors for the streaming cache and
// the proxy request path. Collectors are registered on an explicit registry so
// tests can build isolated instances without touching the global default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamproxy"

// Metrics 汇总缓存与代理两侧的指标，实现 cache.Metrics 接口。
// nil 接收者上的所有方法都是空操作。
type Metrics struct {
	registry *prometheus.Registry

	lookups      *prometheus.CounterVec
	appendBytes  prometheus.Counter
	evictions    *prometheus.CounterVec
	entries      prometheus.Gauge
	bufferedSize prometheus.Gauge

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamFetches *prometheus.CounterVec
}

// New 在独立 registry 上注册全部指标，并附带 Go 运行时与进程指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		lookups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of cache lookups by result",
			},
			[]string{"result"}, // "hit", "miss"
		),
		appendBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_appended_bytes_total",
				Help:      "Total bytes appended to cache entries by origin fetches",
			},
		),
		evictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of cache entries removed by reason",
			},
			[]string{"reason"}, // "idle", "explicit", "replaced", "shutdown"
		),
		entries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of entries in the cache registry",
			},
		),
		bufferedSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_buffered_bytes",
				Help:      "Total bytes buffered across live cache entries",
			},
		),
		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_requests_total",
				Help:      "Total proxied requests by cache result and outcome",
			},
			[]string{"cache", "outcome"}, // cache: "hit", "miss", "bypass"
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_request_duration_seconds",
				Help:      "Time from request arrival until the response head is ready",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"cache"},
		),
		upstreamFetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_fetches_total",
				Help:      "Total origin fetches that fill cache entries, by final status",
			},
			[]string{"status"}, // "success", "failed"
		),
	}
}

// Registry 返回底层 registry，测试中可用于 Gather。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAppend(bytes int64) {
	if m == nil || bytes <= 0 {
		return
	}
	m.appendBytes.Add(float64(bytes))
}

func (m *Metrics) ObserveEviction(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEntries(count int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(count))
}

func (m *Metrics) RecordBytes(total int64) {
	if m == nil {
		return
	}
	m.bufferedSize.Set(float64(total))
}

// ObserveRequest 记录一次代理请求的结果与首包前耗时。
func (m *Metrics) ObserveRequest(cache, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(cache, outcome).Inc()
	m.requestDuration.WithLabelValues(cache).Observe(elapsed.Seconds())
}

// ObserveFetch 记录一次回源填充的最终状态。
func (m *Metrics) ObserveFetch(status string) {
	if m == nil {
		return
	}
	m.upstreamFetches.WithLabelValues(status).Inc()
}
