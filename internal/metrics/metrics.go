// Package metrics exposes Prometheus collectors for the publisher, the
// origin and the HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	groupsTotal   *prometheus.CounterVec
	objectsTotal  *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
	writeErrors   *prometheus.CounterVec
	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	sessions      prometheus.Gauge
	lanes         *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		groupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqpub_groups_total",
			Help: "Groups opened per track",
		}, []string{"track"}),
		objectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqpub_objects_total",
			Help: "Objects written per track",
		}, []string{"track"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqpub_object_bytes_total",
			Help: "Object payload bytes written per track",
		}, []string{"track"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moqpub_transport_errors_total",
			Help: "Failed track, group and object writes per track",
		}, []string{"track"}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moqpub_http_requests_total",
			Help: "Total number of HTTP API requests",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moqpub_http_errors_total",
			Help: "Total number of HTTP API responses with status >= 400",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moqpub_sessions",
			Help: "Connected MoQ sessions",
		}),
		lanes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "moqpub_lanes",
			Help: "Ingest lanes by state",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.groupsTotal,
		m.objectsTotal,
		m.bytesTotal,
		m.writeErrors,
		m.requestsTotal,
		m.errorsTotal,
		m.sessions,
		m.lanes,
		collectors.NewGoCollector(),
	)
	return m
}

// SetSessions sets the connected session gauge.
func (m *Metrics) SetSessions(n int) {
	m.sessions.Set(float64(n))
}

// SetLanes replaces the per-state lane gauge.
func (m *Metrics) SetLanes(byState map[string]int) {
	m.lanes.Reset()
	for state, n := range byState {
		m.lanes.WithLabelValues(state).Set(float64(n))
	}
}

// Handler serves the registry. updateGauges, if non-nil, runs before
// each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts requests and error responses.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			m.requestsTotal.Inc()
			if wrap.status >= 400 {
				m.errorsTotal.Inc()
			}
		})
	}
}
