package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	latencyMs     *prometheus.HistogramVec
	keyErrors     *prometheus.CounterVec
	healthyKeys   *prometheus.GaugeVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_requests_total",
			Help: "Total number of requests processed by the gateway.",
		}, []string{"provider", "transformer", "status"}),
		latencyMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_request_latency_ms",
			Help:    "Request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"provider", "transformer", "status"}),
		keyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_key_errors_total",
			Help: "Upstream key failures by classification.",
		}, []string{"provider", "class"}),
		healthyKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_healthy_keys",
			Help: "Keys currently in active status per provider.",
		}, []string{"provider"}),
	}
	r.MustRegister(m.requestsTotal, m.latencyMs, m.keyErrors, m.healthyKeys)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(provider, transformer string, status int, dur time.Duration) {
	s := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(provider, transformer, s).Inc()
	m.latencyMs.WithLabelValues(provider, transformer, s).Observe(float64(dur.Milliseconds()))
}

func (m *Metrics) ObserveKeyError(provider, class string) {
	m.keyErrors.WithLabelValues(provider, class).Inc()
}

func (m *Metrics) SetHealthyKeys(provider string, n int) {
	m.healthyKeys.WithLabelValues(provider).Set(float64(n))
}
