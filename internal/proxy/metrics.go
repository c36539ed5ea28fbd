package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the request and upstream counters served on /metrics.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	upstream *prometheus.CounterVec
	duration *prometheus.HistogramVec
	streams  prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coinone_proxy",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Requests served, by route and status code.",
			},
			[]string{"route", "status"},
		),
		upstream: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "coinone_proxy",
				Subsystem: "upstream",
				Name:      "errors_total",
				Help:      "Failed exchange calls, by error class.",
			},
			[]string{"class"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "coinone_proxy",
				Subsystem: "http",
				Name:      "request_seconds",
				Help:      "Request latency by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coinone_proxy",
			Subsystem: "stream",
			Name:      "subscribers",
			Help:      "Open ticker websocket connections.",
		}),
	}
	m.registry.MustRegister(m.requests, m.upstream, m.duration, m.streams)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) upstreamError(class string) {
	m.upstream.WithLabelValues(class).Inc()
}
