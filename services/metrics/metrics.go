// Package metrics exposes Prometheus collectors for the ingest pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livestock"

type Metrics struct {
	registry *prometheus.Registry

	providerCalls  *prometheus.CounterVec
	liveCycles     *prometheus.CounterVec
	liveDuration   prometheus.Histogram
	ingestRuns     *prometheus.CounterVec
	ingestSymbols  *prometheus.CounterVec
	ingestDuration prometheus.Histogram
	pushClients    prometheus.Gauge
	paused         prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Market-data provider calls by operation and result.",
		}, []string{"op", "result"}),
		liveCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "cycles_total",
			Help:      "Live refresh cycles by result.",
		}, []string{"result"}),
		liveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of live refresh cycles.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ingestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ohlcv",
			Name:      "runs_total",
			Help:      "Daily OHLCV ingest runs by reason and result.",
		}, []string{"reason", "result"}),
		ingestSymbols: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ohlcv",
			Name:      "symbols_total",
			Help:      "Per-symbol ingest outcomes.",
		}, []string{"status"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ohlcv",
			Name:      "run_duration_seconds",
			Help:      "Duration of daily ingest runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		pushClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "clients",
			Help:      "Connected push clients.",
		}),
		paused: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "paused",
			Help:      "1 while live pushes are paused.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		m.providerCalls,
		m.liveCycles,
		m.liveDuration,
		m.ingestRuns,
		m.ingestSymbols,
		m.ingestDuration,
		m.pushClients,
		m.paused,
		m.httpRequests,
		m.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ProviderCall(op string, err error) {
	if m == nil {
		return
	}
	m.providerCalls.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) LiveCycle(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.liveCycles.WithLabelValues(result(err)).Inc()
	m.liveDuration.Observe(d.Seconds())
}

func (m *Metrics) IngestRun(reason string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ingestRuns.WithLabelValues(reason, result(err)).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

func (m *Metrics) IngestSymbol(status string) {
	if m == nil {
		return
	}
	m.ingestSymbols.WithLabelValues(status).Inc()
}

func (m *Metrics) SetPushClients(n int) {
	if m == nil {
		return
	}
	m.pushClients.Set(float64(n))
}

func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

// GinMiddleware records request counts and latency by route template.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
