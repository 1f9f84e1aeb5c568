// Package metrics exposes Prometheus instruments for the dev server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the dev server collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	upstreamErrors *prometheus.CounterVec
	rules          prometheus.Gauge
	reloads        *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry along
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devproxy_requests_total",
				Help: "Requests forwarded to a backend, by rule prefix and response code",
			},
			[]string{"prefix", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devproxy_request_duration_seconds",
				Help:    "Time spent forwarding a request, by rule prefix",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"prefix"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devproxy_upstream_errors_total",
				Help: "Requests that failed because the backend could not be reached",
			},
			[]string{"prefix"},
		),
		rules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "devproxy_rules",
				Help: "Number of proxy rules in the active table",
			},
		),
		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devproxy_config_reloads_total",
				Help: "Config file reloads, by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.requests,
		m.duration,
		m.upstreamErrors,
		m.rules,
		m.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest counts one forwarded request and its latency.
func (m *Metrics) ObserveRequest(prefix string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(prefix, strconv.Itoa(code)).Inc()
	m.duration.WithLabelValues(prefix).Observe(d.Seconds())
}

// ObserveUpstreamError counts a request whose backend could not be reached.
func (m *Metrics) ObserveUpstreamError(prefix string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(prefix).Inc()
}

// SetRules records the size of the active rule table.
func (m *Metrics) SetRules(n int) {
	if m == nil {
		return
	}
	m.rules.Set(float64(n))
}

// Reload results.
const (
	ReloadApplied  = "applied"
	ReloadRejected = "rejected"
)

// ObserveReload counts a config reload with result ReloadApplied or
// ReloadRejected.
func (m *Metrics) ObserveReload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}
